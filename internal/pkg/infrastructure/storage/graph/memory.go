package graph

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	ngsierrors "github.com/diwise/context-graph/pkg/ngsild/errors"
)

type edge struct {
	typeName string
	objectID string
}

type memoryStore struct {
	mu         sync.RWMutex
	entities   map[string]EntityNode
	attributes map[string]AttributeNode
	edges      map[string]edge
}

// NewInMemoryStore returns a Store that keeps the graph in process memory
func NewInMemoryStore() Store {
	return &memoryStore{
		entities:   map[string]EntityNode{},
		attributes: map[string]AttributeNode{},
		edges:      map[string]edge{},
	}
}

type undo func()

func (m *memoryStore) EntityExists(ctx context.Context, entityID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.entities[entityID]
	return ok, nil
}

func (m *memoryStore) FindEntity(ctx context.Context, entityID string) (*EntityNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entities[entityID]
	if !ok {
		return nil, ngsierrors.NewNotFoundError(fmt.Sprintf("entity %s not found", entityID))
	}

	return &e, nil
}

func (m *memoryStore) SaveEntity(ctx context.Context, node EntityNode) error {
	m.saveEntity(node)
	return nil
}

func (m *memoryStore) saveEntity(node EntityNode) undo {
	m.mu.Lock()
	defer m.mu.Unlock()

	previous, existed := m.entities[node.ID]

	if existed {
		merged := previous
		merged.Types = union(previous.Types, node.Types)
		merged.Contexts = union(previous.Contexts, node.Contexts)
		if node.ModifiedAt != nil {
			merged.ModifiedAt = node.ModifiedAt
		}
		m.entities[node.ID] = merged
	} else {
		if node.CreatedAt.IsZero() {
			node.CreatedAt = time.Now().UTC()
		}
		m.entities[node.ID] = node
	}

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		if existed {
			m.entities[node.ID] = previous
		} else {
			delete(m.entities, node.ID)
		}
	}
}

func (m *memoryStore) DeleteEntity(ctx context.Context, entityID string) error {
	_, err := m.deleteEntity(entityID)
	return err
}

func (m *memoryStore) deleteEntity(entityID string) (undo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entities[entityID]
	if !ok {
		return nil, ngsierrors.NewNotFoundError(fmt.Sprintf("entity %s not found", entityID))
	}

	delete(m.entities, entityID)
	restore := []undo{m.deleteOwnedBy(entityID, func(AttributeNode) bool { return true })}

	// relationship instances of other entities must not outlive their target
	incoming := map[string]string{}
	for attributeID, target := range m.edges {
		if target.objectID == entityID {
			if a, ok := m.attributes[attributeID]; ok {
				incoming[attributeID] = a.SubjectID
			}
		}
	}

	for attributeID, subjectID := range incoming {
		restore = append(restore, m.deleteOwnedBy(subjectID, func(a AttributeNode) bool { return a.ID == attributeID }))
	}

	return func() {
		for i := len(restore) - 1; i >= 0; i-- {
			restore[i]()
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		m.entities[entityID] = e
	}, nil
}

// deleteOwnedBy removes the matching direct children of subjectID and everything they
// own. It must be called with the write lock held.
func (m *memoryStore) deleteOwnedBy(subjectID string, match func(AttributeNode) bool) undo {
	removedNodes := []AttributeNode{}
	removedEdges := map[string]edge{}

	queue := []string{}
	for id, a := range m.attributes {
		if a.SubjectID == subjectID && match(a) {
			queue = append(queue, id)
		}
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		removedNodes = append(removedNodes, m.attributes[id])
		delete(m.attributes, id)

		if e, ok := m.edges[id]; ok {
			removedEdges[id] = e
			delete(m.edges, id)
		}

		for childID, child := range m.attributes {
			if child.SubjectID == id {
				queue = append(queue, childID)
			}
		}
	}

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		for _, a := range removedNodes {
			m.attributes[a.ID] = a
		}
		for id, e := range removedEdges {
			m.edges[id] = e
		}
	}
}

func (m *memoryStore) HasAttributeInstance(ctx context.Context, subjectID, name, datasetID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.findInstance(subjectID, name, datasetID)
	return ok, nil
}

func (m *memoryStore) FindAttributeInstance(ctx context.Context, subjectID, name, datasetID string) (*AttributeNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.findInstance(subjectID, name, datasetID)
	if !ok {
		return nil, ngsierrors.NewNotFoundError(
			fmt.Sprintf("attribute %s with datasetId %q not found on %s", name, datasetID, subjectID),
		)
	}

	return &a, nil
}

func (m *memoryStore) findInstance(subjectID, name, datasetID string) (AttributeNode, bool) {
	for _, a := range m.attributes {
		if a.SubjectID == subjectID && a.Name == name && a.DatasetID == datasetID {
			return m.withEdge(a), true
		}
	}
	return AttributeNode{}, false
}

func (m *memoryStore) withEdge(a AttributeNode) AttributeNode {
	if e, ok := m.edges[a.ID]; ok {
		a.ObjectID = e.objectID
	}
	return a
}

func (m *memoryStore) AttributesOf(ctx context.Context, subjectID string) ([]AttributeNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []AttributeNode{}
	for _, a := range m.attributes {
		if a.SubjectID == subjectID {
			result = append(result, m.withEdge(a))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Name == result[j].Name {
			return result[i].DatasetID < result[j].DatasetID
		}
		return result[i].Name < result[j].Name
	})

	return result, nil
}

func (m *memoryStore) SaveAttribute(ctx context.Context, node AttributeNode) error {
	m.saveAttribute(node)
	return nil
}

func (m *memoryStore) saveAttribute(node AttributeNode) undo {
	m.mu.Lock()
	defer m.mu.Unlock()

	previous, existed := m.attributes[node.ID]

	// the target of a relationship is only kept in its edge
	node.ObjectID = ""
	m.attributes[node.ID] = node

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		if existed {
			m.attributes[node.ID] = previous
		} else {
			delete(m.attributes, node.ID)
		}
	}
}

func (m *memoryStore) CreateEdge(ctx context.Context, subjectID, typeName, objectID string) error {
	_, err := m.createEdge(subjectID, typeName, objectID)
	return err
}

func (m *memoryStore) createEdge(subjectID, typeName, objectID string) (undo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.attributes[subjectID]; !ok {
		return nil, fmt.Errorf("relationship node %s does not exist", subjectID)
	}

	if _, ok := m.entities[objectID]; !ok {
		return nil, ngsierrors.NewBadRequestDataError(
			fmt.Sprintf("Target entity %s does not exist, unable to create relationship from %s", objectID, subjectID),
		)
	}

	previous, existed := m.edges[subjectID]
	m.edges[subjectID] = edge{typeName: typeName, objectID: objectID}

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		if existed {
			m.edges[subjectID] = previous
		} else {
			delete(m.edges, subjectID)
		}
	}, nil
}

func (m *memoryStore) DeleteAttribute(ctx context.Context, subjectID, name string) error {
	m.deleteAttribute(subjectID, name, nil)
	return nil
}

func (m *memoryStore) DeleteAttributeInstance(ctx context.Context, subjectID, name, datasetID string) error {
	m.deleteAttribute(subjectID, name, &datasetID)
	return nil
}

func (m *memoryStore) deleteAttribute(subjectID, name string, datasetID *string) undo {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.deleteOwnedBy(subjectID, func(a AttributeNode) bool {
		return a.Name == name && (datasetID == nil || a.DatasetID == *datasetID)
	})
}

func (m *memoryStore) UpdateModifiedAt(ctx context.Context, id string, at time.Time) error {
	_, err := m.updateModifiedAt(id, at)
	return err
}

func (m *memoryStore) updateModifiedAt(id string, at time.Time) (undo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entities[id]; ok {
		previous := e.ModifiedAt
		e.ModifiedAt = &at
		m.entities[id] = e

		return func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if e, ok := m.entities[id]; ok {
				e.ModifiedAt = previous
				m.entities[id] = e
			}
		}, nil
	}

	if a, ok := m.attributes[id]; ok {
		previous := a.ModifiedAt
		a.ModifiedAt = &at
		m.attributes[id] = a

		return func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if a, ok := m.attributes[id]; ok {
				a.ModifiedAt = previous
				m.attributes[id] = a
			}
		}, nil
	}

	return nil, ngsierrors.NewNotFoundError(fmt.Sprintf("no entity or attribute with id %s", id))
}

func (m *memoryStore) WithinTransaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	tx := &memoryTx{memoryStore: m}

	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}

	return nil
}

// memoryTx records an undo action for every write so that the writes can be
// reverted in reverse order
type memoryTx struct {
	*memoryStore
	journal []undo
}

func (tx *memoryTx) record(u undo) {
	if u != nil {
		tx.journal = append(tx.journal, u)
	}
}

func (tx *memoryTx) rollback() {
	for i := len(tx.journal) - 1; i >= 0; i-- {
		tx.journal[i]()
	}
	tx.journal = nil
}

func (tx *memoryTx) SaveEntity(ctx context.Context, node EntityNode) error {
	tx.record(tx.saveEntity(node))
	return nil
}

func (tx *memoryTx) DeleteEntity(ctx context.Context, entityID string) error {
	u, err := tx.deleteEntity(entityID)
	tx.record(u)
	return err
}

func (tx *memoryTx) SaveAttribute(ctx context.Context, node AttributeNode) error {
	tx.record(tx.saveAttribute(node))
	return nil
}

func (tx *memoryTx) CreateEdge(ctx context.Context, subjectID, typeName, objectID string) error {
	u, err := tx.createEdge(subjectID, typeName, objectID)
	tx.record(u)
	return err
}

func (tx *memoryTx) DeleteAttribute(ctx context.Context, subjectID, name string) error {
	tx.record(tx.deleteAttribute(subjectID, name, nil))
	return nil
}

func (tx *memoryTx) DeleteAttributeInstance(ctx context.Context, subjectID, name, datasetID string) error {
	tx.record(tx.deleteAttribute(subjectID, name, &datasetID))
	return nil
}

func (tx *memoryTx) UpdateModifiedAt(ctx context.Context, id string, at time.Time) error {
	u, err := tx.updateModifiedAt(id, at)
	tx.record(u)
	return err
}

func (tx *memoryTx) WithinTransaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return fn(ctx, tx)
}

func union(a, b []string) []string {
	result := append([]string{}, a...)
	for _, s := range b {
		if !slices.Contains(result, s) {
			result = append(result, s)
		}
	}
	return result
}
