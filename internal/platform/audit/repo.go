package audit

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists audit entries, archive snapshots and embedded history.
// Entries and archives are append-only: there is no update or delete.
type Repository interface {
	Append(ctx context.Context, e *Entry) error
	List(ctx context.Context, q Query) ([]*Entry, int, error)
	Archive(ctx context.Context, a *ArchivedRecord) error
	ListArchive(ctx context.Context, entityType string, limit, offset int) ([]*ArchivedRecord, int, error)
	PushHistory(ctx context.Context, table string, id uuid.UUID, item HistoryItem) error
}

// historyTables lists the tables whose edit_history column may be appended to.
var historyTables = map[string]bool{
	"patient":           true,
	"appointment":       true,
	"pathology_invoice": true,
}

// HistoryTable reports whether table carries an embedded edit history.
func HistoryTable(table string) bool {
	return historyTables[table]
}
