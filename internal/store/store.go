// Package store provides the durable, transactional, write-ahead-logged
// backing store for the kernel: tasks, audit entries, templates, schedules,
// DAG definitions/runs, and approvals. It is grounded in the teacher's
// BoltDB-backed WorkflowStore (services/orchestrator/persistence.go):
// bbolt is chosen for the same reason the teacher chose it — pure Go, no
// cgo, single-file WAL-style durability, no separate server process.
package store

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/metric"
)

var (
	bucketTasks       = []byte("tasks")
	bucketAudit       = []byte("audit")
	bucketTemplates   = []byte("templates")
	bucketSchedules   = []byte("schedules")
	bucketDAGDefs     = []byte("dag_definitions")
	bucketDAGVersions = []byte("dag_definition_versions")
	bucketDAGRuns     = []byte("dag_runs")
	bucketDAGRunIndex = []byte("dag_run_index")
	bucketApprovals   = []byte("approvals")
)

var allBuckets = [][]byte{
	bucketTasks, bucketAudit, bucketTemplates, bucketSchedules,
	bucketDAGDefs, bucketDAGVersions, bucketDAGRuns, bucketDAGRunIndex,
	bucketApprovals,
}

// Store is the single-writer-per-process durable handle. Every subsystem
// (TaskStore, AuditLog, ScheduleStore, DAGStore, ApprovalStore) is
// constructed around one shared *Store so the whole kernel has exactly one
// transactional writer, matching bbolt's single-writer model.
type Store struct {
	db *bbolt.DB

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
}

// Options mirrors the teacher's bbolt.Options choice: fsync on for
// durability, array freelist for predictable memory use.
func Open(path string, meter metric.Meter) (*Store, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		NoSync:       false,
		NoGrowSync:   false,
		FreelistType: bbolt.FreelistArrayType,
	}

	db, err := bbolt.Open(path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("flowkeeper_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("flowkeeper_store_write_ms")

	return &Store{db: db, readLatency: readLatency, writeLatency: writeLatency}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Stats exposes raw bucket sizes for operational introspection, the way the
// teacher's WorkflowStore.GetStats does.
func (s *Store) Stats() map[string]interface{} {
	stats := make(map[string]interface{})
	s.db.View(func(tx *bbolt.Tx) error {
		stats["db_size_bytes"] = tx.Size()
		for _, b := range allBuckets {
			if bucket := tx.Bucket(b); bucket != nil {
				stats[string(b)+"_count"] = bucket.Stats().KeyN
			}
		}
		return nil
	})
	return stats
}

func hasPrefix(data, prefix []byte) bool {
	if len(data) < len(prefix) {
		return false
	}
	for i := range prefix {
		if data[i] != prefix[i] {
			return false
		}
	}
	return true
}
