// Package history records manifests and teardown reports per deployment in a
// bbolt database, revisioned like an append-only log.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/btree"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/stackline/types"
)

// Bucket names in bbolt
var (
	bucketManifests = []byte("manifests")
	bucketReports   = []byte("reports")
	bucketMeta      = []byte("meta")
)

// ErrNotFound is returned for deployments the store has never seen.
var ErrNotFound = errors.New("deployment not in history")

// Status summarises where a deployment is in its lifecycle.
type Status string

const (
	StatusActive   Status = "active"
	StatusPartial  Status = "partial"
	StatusTornDown Status = "torn-down"
)

// DeploymentState tracks one deployment in the index
type DeploymentState struct {
	DeployID        string    `json:"deployId"`
	Project         string    `json:"project"`
	Region          string    `json:"region"`
	CreatedAt       time.Time `json:"createdAt"`
	LastTeardownRev int64     `json:"lastTeardownRev,omitempty"`
	Teardowns       int       `json:"teardowns"`
	LastErrors      int       `json:"lastErrors"`
	Status          Status    `json:"status"`
}

func lessState(a, b *DeploymentState) bool {
	if a.Project != b.Project {
		return a.Project < b.Project
	}
	return a.DeployID < b.DeployID
}

// Store is the history database.
type Store struct {
	mu sync.RWMutex

	// In-memory index ordered by project, then deployId
	index *btree.BTreeG[*DeploymentState]
	// byID maps deployId to its index entry
	byID map[string]*DeploymentState

	db         *bbolt.DB
	currentRev int64
}

// FileName is the database file inside the state directory.
const FileName = "history.db"

// Open opens or creates the history database in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := bbolt.Open(filepath.Join(dir, FileName), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketManifests, bucketReports, bucketMeta} {
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

	s := &Store{
		index: btree.NewG[*DeploymentState](32, lessState),
		byID:  make(map[string]*DeploymentState),
		db:    db,
	}

	if err := s.rebuildIndex(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to rebuild index: %w", err)
	}

	return s, nil
}

// Close closes the store
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordManifest stores the manifest of a finished or partial provisioning run.
func (s *Store) RecordManifest(m *types.Manifest) (int64, error) {
	value, err := json.Marshal(m)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal manifest: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rev := s.currentRev + 1
	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketManifests).Put([]byte(m.DeployID), value); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put([]byte("current_revision"), int64ToBytes(rev))
	})
	if err != nil {
		return 0, err
	}
	s.currentRev = rev

	state := s.stateFor(m.DeployID, m.Project)
	state.Region = m.Region
	state.CreatedAt = m.CreatedAt
	if state.Teardowns == 0 {
		state.Status = StatusActive
	}
	s.index.ReplaceOrInsert(state)

	return rev, nil
}

// RecordReport stores a teardown report. Dry runs are not recorded.
func (s *Store) RecordReport(r *types.TeardownReport) (int64, error) {
	if r.DryRun {
		return 0, nil
	}
	if r.DeployID == "" {
		return 0, fmt.Errorf("report has no deployId")
	}

	value, err := json.Marshal(r)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal report: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rev := s.currentRev + 1
	err = s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketReports).Put(makeReportKey(r.DeployID, rev), value); err != nil {
			return err
		}
		return tx.Bucket(bucketMeta).Put([]byte("current_revision"), int64ToBytes(rev))
	})
	if err != nil {
		return 0, err
	}
	s.currentRev = rev

	s.applyReport(r, rev)
	return rev, nil
}

// Manifest returns the recorded manifest of a deployment.
func (s *Store) Manifest(deployID string) (*types.Manifest, error) {
	var m *types.Manifest
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketManifests).Get([]byte(deployID))
		if data == nil {
			return fmt.Errorf("%s: %w", deployID, ErrNotFound)
		}
		m = &types.Manifest{}
		return json.Unmarshal(data, m)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Reports returns every recorded teardown report of a deployment, oldest first.
func (s *Store) Reports(deployID string) ([]types.TeardownReport, error) {
	var reports []types.TeardownReport
	prefix := []byte(deployID + "/")

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketReports).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var r types.TeardownReport
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode report %s: %w", k, err)
			}
			reports = append(reports, r)
		}
		return nil
	})
	return reports, err
}

// Deployment returns the indexed state of one deployment.
func (s *Store) Deployment(deployID string) (DeploymentState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.byID[deployID]
	if !ok {
		return DeploymentState{}, fmt.Errorf("%s: %w", deployID, ErrNotFound)
	}
	return *state, nil
}

// Deployments lists deployments ordered by project and deployId. An empty
// project lists all of them.
func (s *Store) Deployments(project string) []DeploymentState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []DeploymentState
	collect := func(state *DeploymentState) bool {
		if project != "" && state.Project != project {
			return false
		}
		results = append(results, *state)
		return true
	}

	if project == "" {
		s.index.Ascend(collect)
	} else {
		s.index.AscendGreaterOrEqual(&DeploymentState{Project: project}, collect)
	}
	return results
}

// CurrentRevision returns the current revision number
func (s *Store) CurrentRevision() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRev
}

// stateFor returns the index entry for deployID, creating it when needed.
// Callers hold s.mu.
func (s *Store) stateFor(deployID, project string) *DeploymentState {
	if state, ok := s.byID[deployID]; ok {
		if state.Project == project || project == "" {
			return state
		}
		// Project is part of the btree key.
		s.index.Delete(state)
		state.Project = project
		return state
	}
	state := &DeploymentState{DeployID: deployID, Project: project}
	s.byID[deployID] = state
	return state
}

func (s *Store) applyReport(r *types.TeardownReport, rev int64) {
	state := s.stateFor(r.DeployID, r.Project)
	if state.Region == "" {
		state.Region = r.Region
	}
	state.LastTeardownRev = rev
	state.Teardowns++
	state.LastErrors = r.Errors
	if r.Succeeded() {
		state.Status = StatusTornDown
	} else {
		state.Status = StatusPartial
	}
	s.index.ReplaceOrInsert(state)
}

// rebuildIndex replays manifests and reports in revision order.
func (s *Store) rebuildIndex() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if data := tx.Bucket(bucketMeta).Get([]byte("current_revision")); data != nil {
			s.currentRev = bytesToInt64(data)
		}

		err := tx.Bucket(bucketManifests).ForEach(func(k, v []byte) error {
			var m types.Manifest
			if err := json.Unmarshal(v, &m); err != nil {
				return fmt.Errorf("decode manifest %s: %w", k, err)
			}
			state := s.stateFor(m.DeployID, m.Project)
			state.Region = m.Region
			state.CreatedAt = m.CreatedAt
			state.Status = StatusActive
			s.index.ReplaceOrInsert(state)
			return nil
		})
		if err != nil {
			return err
		}

		// Report keys sort by deployId then zero-padded revision.
		return tx.Bucket(bucketReports).ForEach(func(k, v []byte) error {
			var r types.TeardownReport
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode report %s: %w", k, err)
			}
			_, rev := parseReportKey(k)
			s.applyReport(&r, rev)
			return nil
		})
	})
}

func makeReportKey(deployID string, rev int64) []byte {
	return []byte(fmt.Sprintf("%s/%016d", deployID, rev))
}

func parseReportKey(key []byte) (string, int64) {
	k := string(key)
	i := strings.LastIndex(k, "/")
	if i < 0 {
		return k, 0
	}
	var rev int64
	_, _ = fmt.Sscanf(k[i+1:], "%d", &rev)
	return k[:i], rev
}

func int64ToBytes(n int64) []byte {
	return []byte(fmt.Sprintf("%d", n))
}

func bytesToInt64(b []byte) int64 {
	var n int64
	_, _ = fmt.Sscanf(string(b), "%d", &n)
	return n
}
