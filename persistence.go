package chequier

import (
	"database/sql"
	"io/fs"
	"path"
	"sync"

	persistence "github.com/goliatone/go-persistence-bun"
	"github.com/uptrace/bun/dialect"
	"github.com/uptrace/bun/schema"
)

const migrationsRoot = "data/sql/migrations"

// persistence.New swaps a package level handle without locking.
var persistenceMu sync.Mutex

// MigrationDir returns the embedded directory holding the migrations of the
// given dialect.
func MigrationDir(name dialect.Name) string {
	if name == dialect.PG {
		return path.Join(migrationsRoot, "postgres")
	}
	return path.Join(migrationsRoot, "sqlite")
}

// GetDialectMigrationsFS returns the migrations of the given dialect rooted
// at their directory, the layout bun's migrator discovers.
func GetDialectMigrationsFS(name dialect.Name) (fs.FS, error) {
	return fs.Sub(migrationsFS, MigrationDir(name))
}

// NewPersistence opens a persistence client over sqldb, checks the
// connection and registers the embedded migrations for the dialect.
// Callers run them with client.Migrate.
func NewPersistence(cfg persistence.Config, sqldb *sql.DB, d schema.Dialect) (*persistence.Client, error) {
	persistenceMu.Lock()
	client, err := persistence.New(cfg, sqldb, d)
	persistenceMu.Unlock()
	if err != nil {
		return nil, ErrInternal(err, map[string]any{
			"operation": "connect",
			"driver":    cfg.GetDriver(),
		})
	}

	migrations, err := GetDialectMigrationsFS(d.Name())
	if err != nil {
		return nil, ErrInternal(err, map[string]any{"operation": "read migrations"})
	}
	client.RegisterSQLMigrations(migrations)

	return client, nil
}
