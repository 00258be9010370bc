package store

import (
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// DAGDefinitionRecord is the storage-level envelope for a versioned DAG
// definition. The dag package owns the actual block/edge schema and hands
// this package only an opaque DefinitionJSON blob plus its content hash,
// the way the teacher's PutWorkflow/GetWorkflowVersions treats workflow
// bodies as opaque JSON at the persistence layer.
type DAGDefinitionRecord struct {
	Name           string    `json:"name"`
	Version        int       `json:"version"`
	Hash           string    `json:"hash"`
	DefinitionJSON string    `json:"definition_json"`
	CreatedAt      time.Time `json:"created_at"`
}

// DAGRunRecord is the storage-level envelope for one DAG execution.
type DAGRunRecord struct {
	ID          string     `json:"id"`
	DAGName     string     `json:"dag_name"`
	DAGVersion  int        `json:"dag_version"`
	Status      string     `json:"status"`
	StateJSON   string     `json:"state_json"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type latestPointer struct {
	Version int `json:"version"`
}

// DAGStore persists DAG definitions (with full version history, the way
// the teacher's workflow store never overwrites an old version) and DAG
// run records indexed by name and start time for range queries.
type DAGStore struct {
	db *Store
}

func NewDAGStore(db *Store) *DAGStore {
	return &DAGStore{db: db}
}

func versionKey(name string, version int) []byte {
	return []byte(fmt.Sprintf("%s\x00%010d", name, version))
}

// PutDefinition stores a new version of a named DAG definition, assigning
// it version = (current max version) + 1, and advances the "latest" pointer.
func (d *DAGStore) PutDefinition(name, hash, definitionJSON string) (DAGDefinitionRecord, error) {
	var rec DAGDefinitionRecord

	err := d.db.db.Update(func(tx *bbolt.Tx) error {
		defs := tx.Bucket(bucketDAGDefs)
		versions := tx.Bucket(bucketDAGVersions)

		next := 1
		if raw := defs.Get([]byte(name)); raw != nil {
			var ptr latestPointer
			if err := json.Unmarshal(raw, &ptr); err != nil {
				return err
			}
			next = ptr.Version + 1
		}

		rec = DAGDefinitionRecord{
			Name:           name,
			Version:        next,
			Hash:           hash,
			DefinitionJSON: definitionJSON,
			CreatedAt:      time.Now().UTC(),
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := versions.Put(versionKey(name, next), data); err != nil {
			return err
		}
		ptrData, err := json.Marshal(latestPointer{Version: next})
		if err != nil {
			return err
		}
		return defs.Put([]byte(name), ptrData)
	})
	return rec, err
}

// GetLatestDefinition returns the highest version on file for name.
func (d *DAGStore) GetLatestDefinition(name string) (DAGDefinitionRecord, bool, error) {
	var version int
	err := d.db.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketDAGDefs).Get([]byte(name))
		if raw == nil {
			return nil
		}
		var ptr latestPointer
		if err := json.Unmarshal(raw, &ptr); err != nil {
			return err
		}
		version = ptr.Version
		return nil
	})
	if err != nil {
		return DAGDefinitionRecord{}, false, err
	}
	if version == 0 {
		return DAGDefinitionRecord{}, false, nil
	}
	return d.GetVersion(name, version)
}

func (d *DAGStore) GetVersion(name string, version int) (DAGDefinitionRecord, bool, error) {
	var rec DAGDefinitionRecord
	found := false
	err := d.db.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketDAGVersions).Get(versionKey(name, version))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		found = true
		return nil
	})
	return rec, found, err
}

// ListVersions returns every stored version of name, oldest first.
func (d *DAGStore) ListVersions(name string) ([]DAGDefinitionRecord, error) {
	var out []DAGDefinitionRecord
	prefix := []byte(name + "\x00")
	err := d.db.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketDAGVersions).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var rec DAGDefinitionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func runIndexKey(dagName string, startedAt time.Time, runID string) []byte {
	return []byte(fmt.Sprintf("%s\x00%020d\x00%s", dagName, startedAt.UnixNano(), runID))
}

// PutRun upserts a run record and (re)writes its time index entry.
func (d *DAGStore) PutRun(run DAGRunRecord) error {
	data, err := json.Marshal(run)
	if err != nil {
		return err
	}
	return d.db.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketDAGRuns).Put([]byte(run.ID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketDAGRunIndex).Put(runIndexKey(run.DAGName, run.StartedAt, run.ID), []byte(run.ID))
	})
}

func (d *DAGStore) GetRun(id string) (DAGRunRecord, bool, error) {
	var rec DAGRunRecord
	found := false
	err := d.db.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketDAGRuns).Get([]byte(id))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		found = true
		return nil
	})
	return rec, found, err
}

// ListRuns returns runs for dagName started within [from, to], oldest
// first, by scanning the time-ordered index rather than the run bucket
// itself, mirroring the teacher's ListExecutions range query.
func (d *DAGStore) ListRuns(dagName string, from, to time.Time) ([]DAGRunRecord, error) {
	var out []DAGRunRecord
	prefix := []byte(dagName + "\x00")

	err := d.db.db.View(func(tx *bbolt.Tx) error {
		runs := tx.Bucket(bucketDAGRuns)
		c := tx.Bucket(bucketDAGRunIndex).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			raw := runs.Get(v)
			if raw == nil {
				continue
			}
			var rec DAGRunRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
			if rec.StartedAt.Before(from) || rec.StartedAt.After(to) {
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}
