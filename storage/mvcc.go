// Package storage keeps the run ledger: a revisioned, on-disk history of
// every run and the outcome of every resource it touched. The ledger is
// history only and never decides what a run processes.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/btree"
	"go.etcd.io/bbolt"
)

// Bucket names in bbolt
var (
	bucketOutcomes = []byte("outcomes")
	bucketRuns     = []byte("runs")
	bucketMeta     = []byte("meta")
	bucketStates   = []byte("states")
)

// MVCCStorage stores one revision per run
type MVCCStorage struct {
	mu sync.RWMutex

	// In-memory index of the latest outcome per ARN
	index *btree.BTreeG[*ResourceState]

	// On-disk storage
	db *bbolt.DB

	// Current revision number
	currentRev int64

	// Path to storage directory
	dir string
}

// ResourceState tracks a resource across runs
type ResourceState struct {
	ARN          string
	Type         string
	LastOutcome  string
	LastRunID    string
	FirstSeenRev int64
	LastSeenRev  int64
	TaggedRev    int64
	Attempts     int
}

// NewMVCCStorage opens or creates the ledger in dir
func NewMVCCStorage(dir string) (*MVCCStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger dir: %w", err)
	}

	db, err := bbolt.Open(filepath.Join(dir, "autotag.db"), 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Initialize buckets
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketOutcomes, bucketRuns, bucketMeta, bucketStates} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	storage := &MVCCStorage{
		index: btree.NewG[*ResourceState](32, func(a, b *ResourceState) bool {
			return a.ARN < b.ARN
		}),
		db:  db,
		dir: dir,
	}

	if err := storage.loadRevision(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := storage.rebuildIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return storage, nil
}

// Close closes the storage
func (s *MVCCStorage) Close() error {
	return s.db.Close()
}

// RecordRun stores a run summary and its outcomes atomically under a new revision
func (s *MVCCStorage) RecordRun(run RunRecord, outcomes []OutcomeRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rev := s.currentRev + 1
	run.Revision = rev

	// States are written alongside the outcomes so they survive compaction
	states := make(map[string]*ResourceState, len(outcomes))
	for _, o := range outcomes {
		prev, ok := states[o.ARN]
		if !ok {
			prev, _ = s.index.Get(&ResourceState{ARN: o.ARN})
		}
		states[o.ARN] = nextState(prev, o, rev)
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketOutcomes)
		for _, o := range outcomes {
			value, err := json.Marshal(o)
			if err != nil {
				return err
			}
			if err := bucket.Put(makeOutcomeKey(rev, o.ARN), value); err != nil {
				return err
			}
		}

		stateBucket := tx.Bucket(bucketStates)
		for arn, state := range states {
			value, err := json.Marshal(state)
			if err != nil {
				return err
			}
			if err := stateBucket.Put([]byte(arn), value); err != nil {
				return err
			}
		}

		value, err := json.Marshal(run)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketRuns).Put(revisionKey(rev), value); err != nil {
			return err
		}

		return tx.Bucket(bucketMeta).Put([]byte("current_revision"), int64ToBytes(rev))
	})
	if err != nil {
		return 0, fmt.Errorf("record run %s: %w", run.RunID, err)
	}

	s.currentRev = rev
	for _, state := range states {
		s.index.ReplaceOrInsert(state)
	}

	return rev, nil
}

// GetResourceState returns the latest known state of a resource
func (s *MVCCStorage) GetResourceState(arn string) (*ResourceState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	existing, found := s.index.Get(&ResourceState{ARN: arn})
	if !found {
		return nil, fmt.Errorf("resource %s not found", arn)
	}

	state := *existing
	return &state, nil
}

// GetResourcesByOutcome returns every resource whose latest outcome is outcome, in ARN order
func (s *MVCCStorage) GetResourcesByOutcome(outcome string) ([]*ResourceState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*ResourceState
	s.index.Ascend(func(state *ResourceState) bool {
		if state.LastOutcome == outcome {
			copied := *state
			results = append(results, &copied)
		}
		return true
	})

	return results, nil
}

// RecentRuns returns up to limit run summaries, newest first
func (s *MVCCStorage) RecentRuns(limit int) ([]RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []RunRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRuns).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(runs) >= limit {
				break
			}
			var run RunRecord
			if err := json.Unmarshal(v, &run); err != nil {
				return fmt.Errorf("decode run %s: %w", k, err)
			}
			runs = append(runs, run)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return runs, nil
}

// OutcomesAt returns the outcomes recorded at revision, in ARN order
func (s *MVCCStorage) OutcomesAt(revision int64) ([]OutcomeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := append(revisionKey(revision), ':')

	var outcomes []OutcomeRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketOutcomes).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var o OutcomeRecord
			if err := json.Unmarshal(v, &o); err != nil {
				return fmt.Errorf("decode outcome %s: %w", k, err)
			}
			outcomes = append(outcomes, o)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return outcomes, nil
}

// CurrentRevision returns the current revision number
func (s *MVCCStorage) CurrentRevision() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRev
}

// Compact removes runs and outcomes older than the last keepRevisions revisions.
// Resource states are kept, so FirstSeenRev and Attempts still cover the
// whole history after a reopen.
func (s *MVCCStorage) Compact(keepRevisions int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.currentRev - keepRevisions
	if cutoff <= 0 {
		return nil // Nothing to compact
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketOutcomes, bucketRuns} {
			bucket := tx.Bucket(name)
			c := bucket.Cursor()

			var toDelete [][]byte
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				rev, _ := parseOutcomeKey(k)
				if rev > cutoff {
					break
				}
				toDelete = append(toDelete, k)
			}

			for _, key := range toDelete {
				if err := bucket.Delete(key); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// Helper functions

// nextState returns a copy of prev advanced by one outcome.
func nextState(prev *ResourceState, o OutcomeRecord, rev int64) *ResourceState {
	state := &ResourceState{
		ARN:          o.ARN,
		Type:         o.ResourceType,
		FirstSeenRev: rev,
	}
	if prev != nil {
		*state = *prev
	}

	state.LastOutcome = o.Outcome
	state.LastRunID = o.RunID
	state.LastSeenRev = rev
	state.Attempts++
	if o.Outcome == "tagged" {
		state.TaggedRev = rev
	}
	return state
}

func (s *MVCCStorage) loadRevision() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get([]byte("current_revision"))
		if data != nil {
			s.currentRev = bytesToInt64(data)
		}
		return nil
	})
}

// rebuildIndex loads the persisted resource states. Ledgers written before
// states were persisted fall back to replaying the stored outcomes.
func (s *MVCCStorage) rebuildIndex() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		states := tx.Bucket(bucketStates)
		if k, _ := states.Cursor().First(); k != nil {
			return states.ForEach(func(k, v []byte) error {
				var state ResourceState
				if err := json.Unmarshal(v, &state); err != nil {
					return fmt.Errorf("decode state %s: %w", k, err)
				}
				s.index.ReplaceOrInsert(&state)
				return nil
			})
		}

		return tx.Bucket(bucketOutcomes).ForEach(func(k, v []byte) error {
			rev, _ := parseOutcomeKey(k)
			var o OutcomeRecord
			if err := json.Unmarshal(v, &o); err != nil {
				return fmt.Errorf("decode outcome %s: %w", k, err)
			}
			prev, _ := s.index.Get(&ResourceState{ARN: o.ARN})
			s.index.ReplaceOrInsert(nextState(prev, o, rev))
			return nil
		})
	})
}

func revisionKey(rev int64) []byte {
	return []byte(fmt.Sprintf("%016d", rev))
}

func makeOutcomeKey(rev int64, arn string) []byte {
	return []byte(fmt.Sprintf("%016d:%s", rev, arn))
}

// parseOutcomeKey splits a key into its revision and ARN. Run keys carry
// no ARN. ARNs contain colons, so the revision is read by width.
func parseOutcomeKey(key []byte) (int64, string) {
	if len(key) < 16 {
		return 0, ""
	}
	rev := bytesToInt64(key[:16])
	if len(key) > 17 {
		return rev, string(key[17:])
	}
	return rev, ""
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == string(prefix)
}

func int64ToBytes(n int64) []byte {
	return []byte(fmt.Sprintf("%d", n))
}

func bytesToInt64(b []byte) int64 {
	var n int64
	_, _ = fmt.Sscanf(string(b), "%d", &n)
	return n
}
