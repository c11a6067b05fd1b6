package troe

import (
	"context"
	"sort"
	"sync"

	"github.com/diwise/context-graph/internal/pkg/application/temporal"
)

type row struct {
	entityID string
	identity temporal.AttributeIdentity
	snapshot temporal.InstanceSnapshot
}

type memoryStore struct {
	mu   sync.RWMutex
	rows []row
}

// NewInMemoryStore returns a temporal.Store that keeps all history in process memory
func NewInMemoryStore() temporal.Store {
	return &memoryStore{}
}

func (m *memoryStore) InsertInstance(ctx context.Context, entityID string, identity temporal.AttributeIdentity, snapshot temporal.InstanceSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rows = append(m.rows, row{entityID: entityID, identity: identity, snapshot: snapshot})
	return nil
}

func (m *memoryStore) QueryInstances(ctx context.Context, entityID string, query temporal.Query) ([]temporal.AttributeInstances, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	order := []temporal.AttributeIdentity{}
	groups := map[temporal.AttributeIdentity][]temporal.InstanceSnapshot{}

	for _, r := range m.rows {
		if r.entityID != entityID || !query.Includes(r.snapshot.ObservedAt) {
			continue
		}

		if _, ok := groups[r.identity]; !ok {
			order = append(order, r.identity)
		}
		groups[r.identity] = append(groups[r.identity], r.snapshot)
	}

	result := make([]temporal.AttributeInstances, 0, len(order))

	for _, id := range order {
		snapshots := groups[id]

		sort.SliceStable(snapshots, func(i, j int) bool {
			return snapshots[i].ObservedAt.Before(snapshots[j].ObservedAt)
		})

		if query.LastN > 0 && len(snapshots) > query.LastN {
			snapshots = snapshots[len(snapshots)-query.LastN:]
		}

		result = append(result, temporal.AttributeInstances{Identity: id, Instances: snapshots})
	}

	return result, nil
}
