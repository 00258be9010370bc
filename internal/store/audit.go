package store

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"
)

// AuditEntry is one immutable record of a task mutation. Entries are never
// updated or deleted; the audit bucket is strictly append-only.
type AuditEntry struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Actor     string    `json:"actor"`
	FromState string    `json:"from_state"`
	ToState   string    `json:"to_state"`
	Before    string    `json:"before,omitempty"`
	After     string    `json:"after,omitempty"`
	Note      string    `json:"note,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditLog appends and lists AuditEntry rows, keyed task-id-first so a
// per-task history is a cheap prefix scan.
type AuditLog struct {
	db  *Store
	seq uint64
}

func NewAuditLog(db *Store) *AuditLog {
	return &AuditLog{db: db}
}

// auditKey packs taskID and a monotonic sequence so entries for one task
// sort in append order even when several land within the same millisecond.
func auditKey(taskID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s\x00%020d", taskID, seq))
}

// Append writes one audit entry inside the caller's write transaction when
// tx is non-nil (so it commits atomically with the row mutation it
// describes), or opens its own transaction otherwise.
func (a *AuditLog) Append(tx *bbolt.Tx, entry AuditEntry) error {
	seq := atomic.AddUint64(&a.seq, 1)
	if entry.ID == "" {
		entry.ID = NewOpaqueID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	key := auditKey(entry.TaskID, seq)

	write := func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketAudit).Put(key, data)
	}
	if tx != nil {
		return write(tx)
	}
	return a.db.db.Update(write)
}

// ListByTask returns every audit entry for a task in append order, newest
// last, capped at limit (0 means unbounded).
func (a *AuditLog) ListByTask(taskID string, limit int) ([]AuditEntry, error) {
	var out []AuditEntry
	prefix := []byte(taskID + "\x00")

	err := a.db.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var e AuditEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("unmarshal audit entry: %w", err)
			}
			out = append(out, e)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}
