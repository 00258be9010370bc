package store

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

// ScheduleConfig is a persisted recurring-task template: a cron or
// duration-string trigger plus the task fields to stamp out on each fire.
type ScheduleConfig struct {
	Name        string            `json:"name"`
	Trigger     string            `json:"trigger"`
	TaskType    string            `json:"task_type"`
	Backend     string            `json:"backend,omitempty"`
	Priority    int32             `json:"priority"`
	Prompt      string            `json:"prompt,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	Enabled     bool              `json:"enabled"`
	LastRunAt   *time.Time        `json:"last_run_at,omitempty"`
	NextRunAt   *time.Time        `json:"next_run_at,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// ScheduleStore persists ScheduleConfig rows the scheduler package reads on
// startup and updates after each fire.
type ScheduleStore struct {
	db *Store

	mu    sync.RWMutex
	cache map[string]ScheduleConfig
}

func NewScheduleStore(db *Store) (*ScheduleStore, error) {
	s := &ScheduleStore{db: db, cache: make(map[string]ScheduleConfig)}
	err := db.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).ForEach(func(k, v []byte) error {
			var cfg ScheduleConfig
			if err := json.Unmarshal(v, &cfg); err != nil {
				return fmt.Errorf("unmarshal schedule %s: %w", k, err)
			}
			s.cache[cfg.Name] = cfg
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ScheduleStore) Put(cfg ScheduleConfig) error {
	now := time.Now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	err = s.db.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSchedules).Put([]byte(cfg.Name), data)
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cache[cfg.Name] = cfg
	s.mu.Unlock()
	return nil
}

func (s *ScheduleStore) Get(name string) (ScheduleConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.cache[name]
	return cfg, ok
}

func (s *ScheduleStore) List() []ScheduleConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ScheduleConfig, 0, len(s.cache))
	for _, cfg := range s.cache {
		out = append(out, cfg)
	}
	return out
}

// RecordFire updates last_run_at/next_run_at after the scheduler fires a
// template, mirroring the teacher's persisted schedule bookkeeping.
func (s *ScheduleStore) RecordFire(name string, ran, next time.Time) error {
	s.mu.RLock()
	cfg, ok := s.cache[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("schedule %s not found", name)
	}
	cfg.LastRunAt = &ran
	cfg.NextRunAt = &next
	return s.Put(cfg)
}
