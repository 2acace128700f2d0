package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Action classifies a mutation in the audit log.
type Action string

const (
	ActionCreate      Action = "CREATE"
	ActionUpdate      Action = "UPDATE"
	ActionDelete      Action = "DELETE"
	ActionMaintenance Action = "MAINTENANCE"
)

// Valid reports whether a is one of the recognised actions.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionMaintenance:
		return true
	}
	return false
}

// Change is the before/after pair for a single field.
type Change struct {
	Before interface{} `json:"before"`
	After  interface{} `json:"after"`
}

// Entry is one immutable row of the global audit log.
type Entry struct {
	ID             uuid.UUID              `json:"id"`
	EntityType     string                 `json:"entity_type"`
	EntityID       string                 `json:"entity_id"`
	Action         Action                 `json:"action"`
	BeforeSnapshot json.RawMessage        `json:"before_snapshot,omitempty"`
	AfterSnapshot  json.RawMessage        `json:"after_snapshot,omitempty"`
	FieldChanges   map[string]Change      `json:"field_changes"`
	Actor          string                 `json:"actor"`
	Meta           map[string]interface{} `json:"meta,omitempty"`
	RecordedAt     time.Time              `json:"recorded_at"`
}

// HistoryItem is one element of a record's embedded edit_history array.
type HistoryItem struct {
	EditedAt time.Time         `json:"editedAt"`
	EditedBy string            `json:"editedBy"`
	Changes  map[string]Change `json:"changes"`
}

// ArchivedRecord is the snapshot kept after a numbered record is hard-deleted.
type ArchivedRecord struct {
	ID          uuid.UUID       `json:"id"`
	EntityType  string          `json:"entity_type"`
	OriginalID  string          `json:"original_id"`
	ScopeName   string          `json:"scope_name,omitempty"`
	ScopedValue *int64          `json:"scoped_value,omitempty"`
	Snapshot    json.RawMessage `json:"snapshot"`
	DeletedBy   string          `json:"deleted_by"`
	DeletedAt   time.Time       `json:"deleted_at"`
}

// Input describes a mutation to be recorded.
type Input struct {
	EntityType string
	EntityID   string
	Action     Action
	Before     interface{}
	After      interface{}
	// Fields limits the diff. An empty list records snapshots without field changes.
	Fields []string
	Actor  string
	Meta   map[string]interface{}
}

// Query filters the audit log.
type Query struct {
	EntityType string
	EntityID   string
	Action     Action
	Actor      string
	Since      *time.Time
	Limit      int
	Offset     int
}

type actorKey struct{}

// SystemActor is recorded when no actor is known.
const SystemActor = "system"

// WithActor attaches the acting user to ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFromContext returns the acting user, or SystemActor.
func ActorFromContext(ctx context.Context) string {
	if a, _ := ctx.Value(actorKey{}).(string); a != "" {
		return a
	}
	return SystemActor
}
