package store

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// ApprovalRecord is a durable human-review-gate record: the review handler
// creates one in status "pending" when a task whose review strategy has
// child_type "human_approval" transitions into REVIEW, and
// review.Handler.ResolveApproval resolves it.
type ApprovalRecord struct {
	ID           string     `json:"id"`
	TaskID       string     `json:"task_id"`
	GateName     string     `json:"gate_name"`
	Status       string     `json:"status"` // pending | approved | rejected | timed_out
	Reviewer     string     `json:"reviewer,omitempty"`
	Comments     string     `json:"comments,omitempty"`
	RequestedAt  time.Time  `json:"requested_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	MaxWaitSecs  int        `json:"max_wait_secs,omitempty"`
}

func approvalKey(taskID, gateName string) string {
	return taskID + ":" + gateName
}

// ApprovalStore persists human-review-gate records, keyed by task+gate,
// the same load-into-cache-on-open/write-through shape as ScheduleStore.
type ApprovalStore struct {
	db *Store

	mu    sync.RWMutex
	cache map[string]ApprovalRecord
}

func NewApprovalStore(db *Store) (*ApprovalStore, error) {
	a := &ApprovalStore{db: db, cache: make(map[string]ApprovalRecord)}
	err := db.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketApprovals).ForEach(func(k, v []byte) error {
			var rec ApprovalRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal approval %s: %w", k, err)
			}
			a.cache[string(k)] = rec
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *ApprovalStore) put(rec ApprovalRecord) error {
	key := approvalKey(rec.TaskID, rec.GateName)
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	err = a.db.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketApprovals).Put([]byte(key), data)
	})
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.cache[key] = rec
	a.mu.Unlock()
	return nil
}

// Create opens a new pending approval. Calling Create again for the same
// task+gate while one is already pending is a no-op that returns the
// existing record.
func (a *ApprovalStore) Create(taskID, gateName string, maxWaitSecs int) (ApprovalRecord, error) {
	key := approvalKey(taskID, gateName)
	a.mu.RLock()
	existing, ok := a.cache[key]
	a.mu.RUnlock()
	if ok && existing.Status == "pending" {
		return existing, nil
	}

	rec := ApprovalRecord{
		ID:          NewOpaqueID(),
		TaskID:      taskID,
		GateName:    gateName,
		Status:      "pending",
		RequestedAt: time.Now().UTC(),
		MaxWaitSecs: maxWaitSecs,
	}
	if err := a.put(rec); err != nil {
		return ApprovalRecord{}, err
	}
	return rec, nil
}

func (a *ApprovalStore) Get(taskID, gateName string) (ApprovalRecord, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.cache[approvalKey(taskID, gateName)]
	return rec, ok
}

// Resolve records a reviewer's decision. Calling Resolve on an
// already-resolved record is a no-op (first decision wins).
func (a *ApprovalStore) Resolve(taskID, gateName, status, reviewer, comments string) error {
	key := approvalKey(taskID, gateName)
	a.mu.RLock()
	rec, ok := a.cache[key]
	a.mu.RUnlock()
	if !ok {
		return fmt.Errorf("approval %s not found", key)
	}
	if rec.Status != "pending" {
		return nil
	}
	now := time.Now().UTC()
	rec.Status = status
	rec.Reviewer = reviewer
	rec.Comments = comments
	rec.ResolvedAt = &now
	return a.put(rec)
}
