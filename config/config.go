package config

import (
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	persistence "github.com/goliatone/go-persistence-bun"
)

const (
	DefaultListen           = ":8572"
	DefaultAppName          = "chequier"
	DefaultTokenExpiration  = 24
	DefaultAuthScheme       = "Bearer"
	DefaultIssuer           = "chequier"
	DefaultDriver           = "sqlite"
	DefaultDSN              = "file:chequier.db?cache=shared&_fk=1"
	DefaultPingTimeout      = "5s"
	DefaultShutdownTimeout  = "10s"
	DefaultAuditQueueSize   = 256
	minSigningKeyLength     = 32
	supportedDriverSqlite   = "sqlite"
	supportedDriverPostgres = "postgres"
	supportedDriverPgx      = "pgx"
)

// BaseConfig is the root configuration of the chequier server.
type BaseConfig struct {
	App         App         `koanf:"app" json:"app"`
	Auth        Auth        `koanf:"auth" json:"auth"`
	Persistence Persistence `koanf:"persistence" json:"persistence"`
}

type App struct {
	Name                      string   `koanf:"name" json:"name"`
	Listen                    string   `koanf:"listen" json:"listen"`
	CorsOrigins               []string `koanf:"cors_origins" json:"cors_origins"`
	ShutdownTimeoutExpression string   `koanf:"shutdown_timeout" json:"shutdown_timeout"`
	AllowAgentRegistration    bool     `koanf:"allow_agent_registration" json:"allow_agent_registration"`
	PermissiveStatusChange    bool     `koanf:"permissive_status_change" json:"permissive_status_change"`
	Debug                     bool     `koanf:"debug" json:"debug"`
}

type Auth struct {
	SigningKey      string   `koanf:"signing_key" json:"-"`
	TokenExpiration int      `koanf:"token_expiration" json:"token_expiration"`
	Issuer          string   `koanf:"issuer" json:"issuer"`
	Audience        []string `koanf:"audience" json:"audience"`
	AuthScheme      string   `koanf:"auth_scheme" json:"auth_scheme"`
}

var _ persistence.Config = Persistence{}

type Persistence struct {
	Driver                string `koanf:"driver" json:"driver"`
	DSN                   string `koanf:"dsn" json:"-"`
	Database              string `koanf:"database" json:"database"`
	OtelIdentifier        string `koanf:"otel_identifier" json:"otel_identifier"`
	Debug                 bool   `koanf:"debug" json:"debug"`
	PingTimeoutExpression string `koanf:"ping_timeout" json:"ping_timeout"`
	AuditQueueSize        int    `koanf:"audit_queue_size" json:"audit_queue_size"`
}

// ApplyDefaults fills every unset value.
func (c *BaseConfig) ApplyDefaults() *BaseConfig {
	if c.App.Name == "" {
		c.App.Name = DefaultAppName
	}
	if c.App.Listen == "" {
		c.App.Listen = DefaultListen
	}
	if c.App.ShutdownTimeoutExpression == "" {
		c.App.ShutdownTimeoutExpression = DefaultShutdownTimeout
	}

	if c.Auth.TokenExpiration <= 0 {
		c.Auth.TokenExpiration = DefaultTokenExpiration
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = DefaultIssuer
	}
	if c.Auth.AuthScheme == "" {
		c.Auth.AuthScheme = DefaultAuthScheme
	}

	c.Persistence.Driver = strings.ToLower(strings.TrimSpace(c.Persistence.Driver))
	if c.Persistence.Driver == "" {
		c.Persistence.Driver = DefaultDriver
	}
	if c.Persistence.DSN == "" && c.Persistence.Driver == supportedDriverSqlite {
		c.Persistence.DSN = DefaultDSN
	}
	if c.Persistence.Database == "" {
		c.Persistence.Database = DefaultAppName
	}
	if c.Persistence.PingTimeoutExpression == "" {
		c.Persistence.PingTimeoutExpression = DefaultPingTimeout
	}
	if c.Persistence.AuditQueueSize <= 0 {
		c.Persistence.AuditQueueSize = DefaultAuditQueueSize
	}
	return c
}

// Validate rejects configurations the server cannot start with.
func (c BaseConfig) Validate() error {
	return validation.Errors{
		"app":         c.App.Validate(),
		"auth":        c.Auth.Validate(),
		"persistence": c.Persistence.Validate(),
	}.Filter()
}

func (a App) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.ShutdownTimeoutExpression, validation.By(durationExpr)),
	)
}

func (a Auth) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.SigningKey, validation.Required, validation.Length(minSigningKeyLength, 0)),
		validation.Field(&a.TokenExpiration, validation.Min(0)),
	)
}

func (p Persistence) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Driver, validation.In(supportedDriverSqlite, supportedDriverPostgres, supportedDriverPgx)),
		validation.Field(&p.DSN, validation.Required),
		validation.Field(&p.PingTimeoutExpression, validation.By(durationExpr)),
	)
}

func (c *BaseConfig) GetApp() App {
	return c.App
}

func (c *BaseConfig) GetAuth() Auth {
	return c.Auth
}

func (c *BaseConfig) GetPersistence() Persistence {
	return c.Persistence
}

func (a App) GetName() string {
	return a.Name
}

func (a App) GetListen() string {
	return a.Listen
}

func (a App) GetDebug() bool {
	return a.Debug
}

func (a App) GetCorsOrigins() string {
	return strings.Join(a.CorsOrigins, ",")
}

func (a App) GetShutdownTimeout() time.Duration {
	return mustDuration(a.ShutdownTimeoutExpression)
}

// GetSigningKey implements chequier.Config
func (a Auth) GetSigningKey() string {
	return a.SigningKey
}

// GetTokenExpiration implements chequier.Config, in hours.
func (a Auth) GetTokenExpiration() int {
	return a.TokenExpiration
}

func (a Auth) GetIssuer() string {
	return a.Issuer
}

func (a Auth) GetAudience() []string {
	return a.Audience
}

func (a Auth) GetAuthScheme() string {
	return a.AuthScheme
}

func (p Persistence) GetDriver() string {
	return p.Driver
}

func (p Persistence) GetDSN() string {
	return p.DSN
}

// GetServer returns the connection string handed to the driver.
func (p Persistence) GetServer() string {
	return p.DSN
}

func (p Persistence) GetDatabase() string {
	return p.Database
}

// GetOtelIdentifier names the database in query traces, empty disables them.
func (p Persistence) GetOtelIdentifier() string {
	return p.OtelIdentifier
}

func (p Persistence) GetDebug() bool {
	return p.Debug
}

func (p Persistence) GetPingTimeout() time.Duration {
	return mustDuration(p.PingTimeoutExpression)
}

func (p Persistence) GetAuditQueueSize() int {
	return p.AuditQueueSize
}

// IsPostgres reports whether the driver targets postgres.
func (p Persistence) IsPostgres() bool {
	return p.Driver == supportedDriverPostgres || p.Driver == supportedDriverPgx
}

func durationExpr(value any) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	if _, err := time.ParseDuration(s); err != nil {
		return fmt.Errorf("must be a duration such as 5s")
	}
	return nil
}

func mustDuration(expr string) time.Duration {
	dur, err := time.ParseDuration(expr)
	if err != nil {
		panic(
			fmt.Sprintf("unable to parse time: expr %s", expr),
		)
	}
	return dur
}
