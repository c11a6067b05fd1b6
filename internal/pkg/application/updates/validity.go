package updates

import (
	"fmt"
	"sync"

	ngsierrors "github.com/diwise/context-graph/pkg/ngsild/errors"
	"github.com/diwise/context-graph/pkg/ngsild/types/entities"
)

// ValidityMap knows the ids and declared types of the entities in a batch. It lets
// a relationship point at a batch member that has not been created yet by
// materializing a placeholder node for it.
type ValidityMap struct {
	types map[string]string

	mu     sync.Mutex
	claims map[string]*claim
}

type claim struct {
	once    sync.Once
	err     error
	revoked error
}

func NewValidityMap(batch []*entities.Entity) *ValidityMap {
	v := &ValidityMap{
		types:  make(map[string]string, len(batch)),
		claims: map[string]*claim{},
	}

	for _, e := range batch {
		if _, ok := v.types[e.ID()]; !ok {
			v.types[e.ID()] = e.Type()
		}
	}

	return v
}

// DeclaredType returns the type that the batch declares for entityID
func (v *ValidityMap) DeclaredType(entityID string) (string, bool) {
	if v == nil {
		return "", false
	}
	t, ok := v.types[entityID]
	return t, ok
}

// Materialize runs create at most once per entity id. Concurrent callers for the
// same id wait for the first one and get its result. Once the owner of an id has
// revoked it, every caller gets a BadRequest data error instead.
func (v *ValidityMap) Materialize(entityID string, create func() error) error {
	c := v.claim(entityID)

	c.once.Do(func() {
		c.err = create()
	})

	v.mu.Lock()
	defer v.mu.Unlock()

	if c.revoked != nil {
		return ngsierrors.NewBadRequestDataError(
			fmt.Sprintf("Target entity %s could not be created: %s", entityID, c.revoked.Error()),
		)
	}

	return c.err
}

// Revoke marks entityID as failed, so that no later relationship in the batch
// resolves to it and no new placeholder is created for it
func (v *ValidityMap) Revoke(entityID string, reason error) {
	if v == nil {
		return
	}

	c := v.claim(entityID)
	c.once.Do(func() {})

	v.mu.Lock()
	defer v.mu.Unlock()

	c.revoked = reason
}

func (v *ValidityMap) claim(entityID string) *claim {
	v.mu.Lock()
	defer v.mu.Unlock()

	c, ok := v.claims[entityID]
	if !ok {
		c = &claim{}
		v.claims[entityID] = c
	}

	return c
}
