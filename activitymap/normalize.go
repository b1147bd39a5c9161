package activitymap

import (
	"fmt"
	"strings"
	"time"
)

const (
	// MetadataKeyActorRole stores the role the actor held when acting.
	MetadataKeyActorRole = "actor_role"
	// MetadataKeyFromStatus stores the source status for lifecycle transitions.
	MetadataKeyFromStatus = "from_status"
	// MetadataKeyToStatus stores the target status for lifecycle transitions.
	MetadataKeyToStatus = "to_status"
)

const (
	defaultChannel    = "chequier"
	defaultObjectType = "resource"
	defaultActorID    = "anonymous"
)

// Event is the audit entry shape accepted by Normalize. It carries plain
// strings so the package stays free of service types.
type Event struct {
	ActorIdentity string
	ActorRole     string
	Action        string
	ResourceType  string
	ResourceID    string
	ResourceLabel string
	Message       string
	Payload       map[string]any
	OccurredAt    time.Time
}

// Normalized is a transport-agnostic activity shape for history feeds.
type Normalized struct {
	ActorID     string         `json:"actor_id"`
	Verb        string         `json:"verb"`
	ObjectType  string         `json:"object_type,omitempty"`
	ObjectID    string         `json:"object_id,omitempty"`
	ObjectLabel string         `json:"object_label,omitempty"`
	Summary     string         `json:"summary,omitempty"`
	Channel     string         `json:"channel,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	OccurredAt  time.Time      `json:"occurred_at"`
}

// Option customizes normalization behavior.
type Option func(*normalizeOptions)

type normalizeOptions struct {
	channel       string
	objectType    string
	actorFallback string
	now           func() time.Time
}

// Normalize converts an Event into the normalized feed shape. Verbs are
// "<object_type>.<action>" in lower case, e.g. "chequebook_request.approve".
func Normalize(event Event, opts ...Option) Normalized {
	options := defaultNormalizeOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	objectType := firstNonEmpty(
		strings.ToLower(strings.TrimSpace(event.ResourceType)),
		options.objectType,
	)

	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = options.now().UTC()
	}

	return Normalized{
		ActorID:     firstNonEmpty(strings.TrimSpace(event.ActorIdentity), options.actorFallback),
		Verb:        verb(objectType, event.Action),
		ObjectType:  objectType,
		ObjectID:    strings.TrimSpace(event.ResourceID),
		ObjectLabel: strings.TrimSpace(event.ResourceLabel),
		Summary:     strings.TrimSpace(event.Message),
		Channel:     options.channel,
		Metadata:    normalizeMetadata(event),
		OccurredAt:  occurredAt,
	}
}

// NormalizeAll maps events preserving order.
func NormalizeAll(events []Event, opts ...Option) []Normalized {
	out := make([]Normalized, 0, len(events))
	for _, e := range events {
		out = append(out, Normalize(e, opts...))
	}
	return out
}

// WithDefaultChannel sets the channel for normalized records.
func WithDefaultChannel(channel string) Option {
	return func(opts *normalizeOptions) {
		if opts == nil {
			return
		}
		opts.channel = strings.TrimSpace(channel)
	}
}

// WithDefaultObjectType sets the object type used when an event has none.
func WithDefaultObjectType(objectType string) Option {
	return func(opts *normalizeOptions) {
		if opts == nil {
			return
		}
		opts.objectType = strings.ToLower(strings.TrimSpace(objectType))
	}
}

// WithActorFallback sets the actor id used when an event has no actor.
func WithActorFallback(actorID string) Option {
	return func(opts *normalizeOptions) {
		if opts == nil {
			return
		}
		opts.actorFallback = strings.TrimSpace(actorID)
	}
}

// WithClock sets the clock stamping events without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(opts *normalizeOptions) {
		if opts == nil || now == nil {
			return
		}
		opts.now = now
	}
}

func defaultNormalizeOptions() normalizeOptions {
	return normalizeOptions{
		channel:       defaultChannel,
		objectType:    defaultObjectType,
		actorFallback: defaultActorID,
		now:           time.Now,
	}
}

func verb(objectType, action string) string {
	action = strings.ToLower(strings.TrimSpace(action))
	if action == "" {
		return objectType
	}
	return objectType + "." + action
}

func normalizeMetadata(event Event) map[string]any {
	metadata := cloneMap(event.Payload)

	set := func(key string, value any) {
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata[key] = value
	}

	if role := strings.TrimSpace(event.ActorRole); role != "" {
		if _, exists := metadata[MetadataKeyActorRole]; !exists {
			set(MetadataKeyActorRole, role)
		}
	}

	if from, ok := metadata["from"]; ok {
		delete(metadata, "from")
		set(MetadataKeyFromStatus, stringify(from))
	}

	if to, ok := metadata["to"]; ok {
		delete(metadata, "to")
		set(MetadataKeyToStatus, stringify(to))
	}

	return metadata
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func cloneMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
