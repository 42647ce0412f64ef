package journal

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/yairfalse/stackline/types"
)

// RunHeader is the data of a provision run's started entry.
type RunHeader struct {
	Project   string    `json:"project"`
	DeployID  string    `json:"deployId"`
	Region    string    `json:"region"`
	CreatedAt time.Time `json:"createdAt"`
}

// Recover rebuilds the manifest of a provision run from its journal. Only
// created and reused entries contribute identifiers.
func Recover(path string) (*types.Manifest, error) {
	var m *types.Manifest

	err := Replay(path, func(e *Entry) error {
		if e.Operation != OpProvision {
			return nil
		}

		switch e.Type {
		case EntryStarted:
			var h RunHeader
			if err := json.Unmarshal(e.Data, &h); err != nil {
				return fmt.Errorf("entry %d: %w", e.Sequence, err)
			}
			m = &types.Manifest{
				Project:   h.Project,
				DeployID:  h.DeployID,
				Region:    h.Region,
				CreatedAt: h.CreatedAt,
			}
		case EntryCreated, EntryReused:
			if m == nil {
				return fmt.Errorf("entry %d: %s before run start", e.Sequence, e.Type)
			}
			if e.NodeType == types.NodeSecretParameter {
				m.Secrets = append(m.Secrets, e.ResourceID)
			} else {
				m.Resources.Set(e.NodeType, e.ResourceID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replay journal: %w", err)
	}
	if m == nil {
		return nil, fmt.Errorf("journal %s has no provision run", path)
	}
	return m, nil
}

// Ledger is what a deployment's journal proves is still live.
type Ledger struct {
	// Project comes from the provision run header; it is empty when only
	// teardown runs were journaled here.
	Project string
	Nodes   map[types.NodeType][]string
}

// Outstanding replays a deployment's journal and returns the nodes that a
// provision run created, or a teardown run failed to delete, and that no
// later teardown removed. Reused nodes belong to another deployment and are
// left out.
func Outstanding(path string) (*Ledger, error) {
	ledger := &Ledger{Nodes: make(map[types.NodeType][]string)}
	live := make(map[types.NodeType]map[string]bool)
	var order []Entry

	mark := func(e *Entry, present bool) {
		if e.ResourceID == "" || e.NodeType == "" {
			return
		}
		if live[e.NodeType] == nil {
			live[e.NodeType] = make(map[string]bool)
		}
		if present && !live[e.NodeType][e.ResourceID] {
			order = append(order, *e)
		}
		live[e.NodeType][e.ResourceID] = present
	}

	err := Replay(path, func(e *Entry) error {
		switch {
		case e.Operation == OpProvision && e.Type == EntryStarted:
			var h RunHeader
			if err := json.Unmarshal(e.Data, &h); err != nil {
				return fmt.Errorf("entry %d: %w", e.Sequence, err)
			}
			ledger.Project = h.Project
		case e.Operation == OpProvision && e.Type == EntryCreated:
			mark(e, true)
		case e.Operation == OpTeardown && e.Type == EntryFailed:
			mark(e, true)
		case e.Operation == OpTeardown && e.Type == EntryDeleted:
			mark(e, false)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replay journal: %w", err)
	}

	for _, e := range order {
		if live[e.NodeType][e.ResourceID] && !slices.Contains(ledger.Nodes[e.NodeType], e.ResourceID) {
			ledger.Nodes[e.NodeType] = append(ledger.Nodes[e.NodeType], e.ResourceID)
		}
	}
	return ledger, nil
}
