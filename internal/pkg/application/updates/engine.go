package updates

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diwise/context-graph/internal/pkg/infrastructure/storage/graph"
	"github.com/diwise/context-graph/pkg/ngsild"
	ngsierrors "github.com/diwise/context-graph/pkg/ngsild/errors"
	"github.com/diwise/context-graph/pkg/ngsild/geojson"
	"github.com/diwise/context-graph/pkg/ngsild/jsonld"
	"github.com/diwise/context-graph/pkg/ngsild/types/attributes"
	"github.com/diwise/context-graph/pkg/ngsild/types/entities"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
)

// operation is the state of one mutation of one entity
type operation struct {
	entityID  string
	now       time.Time
	validity  *ValidityMap
	snapshots []snapshot
}

type snapshot struct {
	name     string
	instance attributes.Instance
}

func (e *Engine) newOperation(entityID string, validity *ValidityMap) *operation {
	return &operation{
		entityID: entityID,
		now:      e.now().UTC(),
		validity: validity,
	}
}

func (op *operation) snapshot(name string, instance attributes.Instance) {
	op.snapshots = append(op.snapshots, snapshot{name: name, instance: instance})
}

// CreateEntity stores a new entity with all its attributes. Without a validity map
// the entity must not exist and every relationship target must exist. Within a
// batch, targets that are members of the batch are materialized as placeholders
// and a failed creation deletes whatever was stored for the entity.
func (e *Engine) CreateEntity(ctx context.Context, entity *entities.Entity, validity *ValidityMap) (result ngsild.UpdateResult, err error) {
	ctx, span := tracer.Start(ctx, "create-entity")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	entityID := entity.ID()

	unlock := e.locks.Lock(entityID)
	defer unlock()

	op := e.newOperation(entityID, validity)

	if validity == nil {
		exists, err := e.store.EntityExists(ctx, entityID)
		if err != nil {
			return result, err
		}
		if exists {
			return result, ngsierrors.NewAlreadyExistsError(fmt.Sprintf("Entity %s already exists", entityID))
		}
	} else {
		err = validity.Materialize(entityID, func() error {
			return e.store.SaveEntity(ctx, graph.EntityNode{ID: entityID, Types: entity.Types(), CreatedAt: op.now})
		})
		if err != nil {
			return result, err
		}
	}

	node := graph.EntityNode{
		ID:        entityID,
		Types:     entity.Types(),
		Contexts:  entity.Contexts(),
		CreatedAt: op.now,
	}

	err = e.store.WithinTransaction(ctx, func(ctx context.Context, tx graph.Store) error {
		if err := tx.SaveEntity(ctx, node); err != nil {
			return err
		}

		outcomes, err := e.appendAll(ctx, tx, op, entity.Attributes(), false)
		if err != nil {
			return err
		}

		result.Add(outcomes...)
		return nil
	})

	if err != nil {
		if validity != nil {
			e.rollback(ctx, entityID)
			validity.Revoke(entityID, err)
		}
		return ngsild.UpdateResult{}, err
	}

	e.record(ctx, op)

	return result, nil
}

// Append adds attributes to an existing entity. Attributes that already exist are
// replaced, unless disallowOverwrite is set in which case they are ignored.
func (e *Engine) Append(ctx context.Context, entityID string, attrs []attributes.Attribute, disallowOverwrite bool, validity *ValidityMap) (result ngsild.UpdateResult, err error) {
	ctx, span := tracer.Start(ctx, "append-attributes")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	unlock := e.locks.Lock(entityID)
	defer unlock()

	op := e.newOperation(entityID, validity)

	err = e.store.WithinTransaction(ctx, func(ctx context.Context, tx graph.Store) error {
		if err := mustExist(ctx, tx, entityID); err != nil {
			return err
		}

		outcomes, err := e.appendAll(ctx, tx, op, attrs, disallowOverwrite)
		if err != nil {
			return err
		}

		result.Add(outcomes...)

		if result.HasUpdates() {
			return tx.UpdateModifiedAt(ctx, entityID, op.now)
		}

		return nil
	})

	if err != nil {
		return ngsild.UpdateResult{}, err
	}

	e.record(ctx, op)

	return result, nil
}

// Replace swaps the complete attribute set of an entity. Nothing is changed if any
// of the new attributes can not be stored. The entity as it was before the
// replacement is returned alongside the result.
func (e *Engine) Replace(ctx context.Context, entityID string, attrs []attributes.Attribute, validity *ValidityMap) (ngsild.UpdateResult, *entities.Entity, error) {
	return e.replace(ctx, entityID, nil, attrs, validity)
}

// ReplaceEntity is Replace that also merges the types and contexts of entity into
// the stored entity
func (e *Engine) ReplaceEntity(ctx context.Context, entity *entities.Entity, validity *ValidityMap) (ngsild.UpdateResult, *entities.Entity, error) {
	node := &graph.EntityNode{
		ID:       entity.ID(),
		Types:    entity.Types(),
		Contexts: entity.Contexts(),
	}
	return e.replace(ctx, entity.ID(), node, entity.Attributes(), validity)
}

func (e *Engine) replace(ctx context.Context, entityID string, node *graph.EntityNode, attrs []attributes.Attribute, validity *ValidityMap) (result ngsild.UpdateResult, previous *entities.Entity, err error) {
	ctx, span := tracer.Start(ctx, "replace-attributes")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	unlock := e.locks.Lock(entityID)
	defer unlock()

	op := e.newOperation(entityID, validity)

	err = e.store.WithinTransaction(ctx, func(ctx context.Context, tx graph.Store) error {
		if err := mustExist(ctx, tx, entityID); err != nil {
			return err
		}

		before, err := retrieveEntity(ctx, tx, entityID)
		if err != nil {
			return err
		}

		if node != nil {
			if err := tx.SaveEntity(ctx, *node); err != nil {
				return err
			}
		}

		existing, err := tx.AttributesOf(ctx, entityID)
		if err != nil {
			return err
		}

		replaced := map[string]bool{}
		for _, a := range existing {
			if replaced[a.Name] {
				continue
			}
			replaced[a.Name] = true

			if err := tx.DeleteAttribute(ctx, entityID, a.Name); err != nil {
				return err
			}
		}

		outcomes, err := e.appendAll(ctx, tx, op, attrs, false)
		if err != nil {
			return err
		}

		for i := range outcomes {
			if replaced[outcomes[i].AttributeName] {
				outcomes[i].Result = ngsild.Replaced
			}
		}

		result.Add(outcomes...)
		previous = before

		return tx.UpdateModifiedAt(ctx, entityID, op.now)
	})

	if err != nil {
		if errors.Is(err, ngsierrors.ErrNotFound) {
			return ngsild.UpdateResult{}, nil, err
		}

		if ngsierrors.IsDataError(err) {
			return ngsild.UpdateResult{}, nil, ngsierrors.NewInternalError(
				fmt.Sprintf("Replace operation failed to perform the whole update: %s", err.Error()),
				ErrOperationFailed,
			)
		}

		return ngsild.UpdateResult{}, nil, fmt.Errorf("failed to replace attributes of %s: %w", entityID, err)
	}

	e.record(ctx, op)

	return result, previous, nil
}

// PartialUpdate updates the attribute instances named in the expanded fragment.
// Unknown attributes are ignored. If any instance fails to update, the whole
// update is rolled back.
func (e *Engine) PartialUpdate(ctx context.Context, entityID string, fragment map[string]any) (result ngsild.UpdateResult, err error) {
	ctx, span := tracer.Start(ctx, "partial-update")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	unlock := e.locks.Lock(entityID)
	defer unlock()

	op := e.newOperation(entityID, nil)

	err = e.store.WithinTransaction(ctx, func(ctx context.Context, tx graph.Store) error {
		if err := mustExist(ctx, tx, entityID); err != nil {
			return err
		}

		for _, name := range fragmentNames(fragment) {
			for _, obj := range attributes.Instances(fragment[name]) {
				outcome, err := e.updateInstance(ctx, tx, op, entityID, name, obj, true)
				if err != nil {
					return err
				}
				result.Add(outcome)
			}
		}

		if result.HasFailures() {
			return ngsierrors.NewInternalError("Partial update operation failed to perform the whole update", ErrOperationFailed)
		}

		if result.HasUpdates() {
			return tx.UpdateModifiedAt(ctx, entityID, op.now)
		}

		return nil
	})

	if err != nil {
		return result, err
	}

	e.record(ctx, op)

	return result, nil
}

// UpdateAttribute is a partial update of a single attribute that fails with a
// not found error instead of ignoring an unknown attribute
func (e *Engine) UpdateAttribute(ctx context.Context, entityID, attrName string, expanded any) (ngsild.UpdateResult, error) {
	if len(attributes.Instances(expanded)) == 0 {
		return ngsild.UpdateResult{}, ngsierrors.NewBadRequestDataError(fmt.Sprintf("No instances of %s to update", attrName))
	}

	result, err := e.PartialUpdate(ctx, entityID, map[string]any{attrName: expanded})
	if err != nil {
		return result, err
	}

	if !result.HasUpdates() && len(result.NotUpdated) > 0 {
		return result, ngsierrors.NewNotFoundError(result.NotUpdated[0].Reason)
	}

	return result, nil
}

func (e *Engine) appendAll(ctx context.Context, tx graph.Store, op *operation, attrs []attributes.Attribute, disallowOverwrite bool) ([]ngsild.AttributeOutcome, error) {
	outcomes := []ngsild.AttributeOutcome{}

	for _, attr := range attrs {
		if err := checkKind(ctx, tx, op.entityID, attr); err != nil {
			return outcomes, err
		}

		for _, instance := range attr.Instances() {
			outcome, err := e.appendInstance(ctx, tx, op, attr.Name(), instance, disallowOverwrite)
			if err != nil {
				return outcomes, err
			}
			outcomes = append(outcomes, outcome)
		}
	}

	return outcomes, nil
}

func (e *Engine) appendInstance(ctx context.Context, tx graph.Store, op *operation, name string, instance attributes.Instance, disallowOverwrite bool) (ngsild.AttributeOutcome, error) {
	outcome := ngsild.AttributeOutcome{
		AttributeName: name,
		DatasetID:     instance.DatasetID,
		Result:        ngsild.Appended,
	}

	exists, err := tx.HasAttributeInstance(ctx, op.entityID, name, instance.DatasetID)
	if err != nil {
		return outcome, err
	}

	if exists {
		if disallowOverwrite {
			outcome.Result = ngsild.Ignored
			outcome.Reason = fmt.Sprintf("Attribute %s already exists on %s and overwrite is not allowed, ignoring", name, op.entityID)
			return outcome, nil
		}

		if err := tx.DeleteAttributeInstance(ctx, op.entityID, name, instance.DatasetID); err != nil {
			return outcome, err
		}

		outcome.Result = ngsild.Replaced
	}

	if err := e.createInstance(ctx, tx, op, op.entityID, name, instance); err != nil {
		return outcome, err
	}

	op.snapshot(name, instance)

	return outcome, nil
}

// createInstance stores a new attribute instance, and its nested attributes, under subjectID
func (e *Engine) createInstance(ctx context.Context, tx graph.Store, op *operation, subjectID, name string, instance attributes.Instance) error {
	node := graph.AttributeNode{
		ID:         newAttributeID(),
		SubjectID:  subjectID,
		Name:       name,
		Kind:       instance.Kind(),
		DatasetID:  instance.DatasetID,
		ObservedAt: instance.ObservedAt,
		CreatedAt:  op.now,
	}

	objectID := ""

	switch p := instance.Payload.(type) {
	case attributes.PropertyValue:
		node.Value = p.Value
		node.UnitCode = p.UnitCode
	case attributes.GeoValue:
		g := p.Geometry
		node.Geometry = &g
	case attributes.RelationshipObject:
		if err := e.resolveTarget(ctx, tx, op, p.ObjectID); err != nil {
			return err
		}
		objectID = p.ObjectID
	}

	if err := tx.SaveAttribute(ctx, node); err != nil {
		return err
	}

	if objectID != "" {
		if err := tx.CreateEdge(ctx, node.ID, name, objectID); err != nil {
			return err
		}
	}

	for _, group := range [][]attributes.Attribute{instance.Properties, instance.Relationships} {
		for _, nested := range group {
			for _, ni := range nested.Instances() {
				if err := e.createInstance(ctx, tx, op, node.ID, nested.Name(), ni); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// resolveTarget makes sure that the target of a relationship exists. A target that
// is declared in the current batch is materialized as a placeholder that its
// owner completes later.
func (e *Engine) resolveTarget(ctx context.Context, tx graph.Store, op *operation, objectID string) error {
	exists, err := tx.EntityExists(ctx, objectID)
	if err != nil || exists {
		return err
	}

	if entityType, ok := op.validity.DeclaredType(objectID); ok {
		err = op.validity.Materialize(objectID, func() error {
			return e.store.SaveEntity(ctx, graph.EntityNode{
				ID:        objectID,
				Types:     []string{entityType},
				CreatedAt: op.now,
			})
		})
		if err != nil {
			return err
		}

		// the placeholder may have been rolled back by its owner since it was materialized
		exists, err = tx.EntityExists(ctx, objectID)
		if err != nil || exists {
			return err
		}
	}

	return ngsierrors.NewBadRequestDataError(
		fmt.Sprintf("Target entity %s does not exist, create it before creating the relationship", objectID),
	)
}

// updateInstance applies an expanded instance fragment to the stored instance with
// the same name and datasetId under subjectID
func (e *Engine) updateInstance(ctx context.Context, tx graph.Store, op *operation, subjectID, name string, obj map[string]any, topLevel bool) (ngsild.AttributeOutcome, error) {
	datasetID := attributes.DatasetIDOf(obj)

	outcome := ngsild.AttributeOutcome{
		AttributeName: name,
		DatasetID:     datasetID,
		Result:        ngsild.Updated,
	}

	node, err := tx.FindAttributeInstance(ctx, subjectID, name, datasetID)
	if err != nil {
		if !errors.Is(err, ngsierrors.ErrNotFound) {
			return outcome, err
		}

		if topLevel {
			outcome.Result = ngsild.Ignored
			outcome.Reason = fmt.Sprintf("Unknown attribute %s with datasetId %s in entity %s", name, datasetIDOrDefault(datasetID), subjectID)
			return outcome, nil
		}

		return e.createNested(ctx, tx, op, subjectID, name, obj)
	}

	failure, err := e.merge(ctx, tx, op, node, obj)
	if err != nil {
		return outcome, err
	}

	if failure != "" {
		outcome.Result = ngsild.Failed
		outcome.Reason = failure
		return outcome, nil
	}

	if topLevel {
		instance, err := instanceFromNode(ctx, tx, *node)
		if err != nil {
			return outcome, err
		}
		op.snapshot(name, instance)
	}

	return outcome, nil
}

// merge overwrites the stored node with the members present in obj and recurses
// into nested attributes. A non empty failure means that the update is not possible.
func (e *Engine) merge(ctx context.Context, tx graph.Store, op *operation, node *graph.AttributeNode, obj map[string]any) (failure string, err error) {
	if kind, ok := attributes.KindOf([]any{obj}); ok && kind != node.Kind {
		return fmt.Sprintf("Attribute %s instances must have the same type", node.Name), nil
	}

	switch node.Kind {
	case attributes.Relationship:
		if _, ok := obj[jsonld.HasObject]; ok {
			objectID, err := attributes.ObjectIDOf(node.Name, obj)
			if err != nil {
				return err.Error(), nil
			}

			exists, err := tx.EntityExists(ctx, objectID)
			if err != nil {
				return "", err
			}

			if !exists {
				return fmt.Sprintf("Target entity %s does not exist", objectID), nil
			}

			if err := tx.CreateEdge(ctx, node.ID, node.Name, objectID); err != nil {
				return "", err
			}
			node.ObjectID = objectID
		}
	case attributes.Property:
		if v, ok := obj[jsonld.HasValue]; ok {
			value, err := attributes.ValueFromExpanded(v)
			if err != nil {
				return err.Error(), nil
			}
			node.Value = value
		}

		if unitCode, ok := attributes.UnitCodeOf(obj); ok {
			node.UnitCode = unitCode
		}
	case attributes.GeoProperty:
		if v, ok := obj[jsonld.HasValue]; ok {
			g, err := geojson.FromExpanded(v)
			if err != nil {
				return err.Error(), nil
			}
			node.Geometry = &g
		}
	}

	observedAt, err := attributes.ObservedAtOf(node.Name, obj)
	if err != nil {
		return err.Error(), nil
	}

	if observedAt != nil {
		node.ObservedAt = observedAt
	}

	modifiedAt := op.now
	node.ModifiedAt = &modifiedAt

	if err := tx.SaveAttribute(ctx, *node); err != nil {
		return "", err
	}

	// nested attributes hang off the attribute node, not the entity
	for _, name := range attributes.NestedNames(obj) {
		for _, nested := range attributes.Instances(obj[name]) {
			outcome, err := e.updateInstance(ctx, tx, op, node.ID, name, nested, false)
			if err != nil {
				return "", err
			}

			if outcome.Result == ngsild.Failed {
				return outcome.Reason, nil
			}
		}
	}

	return "", nil
}

// createNested creates a nested attribute that was not found while updating its parent
func (e *Engine) createNested(ctx context.Context, tx graph.Store, op *operation, subjectID, name string, obj map[string]any) (ngsild.AttributeOutcome, error) {
	outcome := ngsild.AttributeOutcome{
		AttributeName: name,
		DatasetID:     attributes.DatasetIDOf(obj),
		Result:        ngsild.Appended,
	}

	attr, err := attributes.Parse(name, []any{obj})
	if err != nil {
		outcome.Result = ngsild.Failed
		outcome.Reason = err.Error()
		return outcome, nil
	}

	for _, instance := range attr.Instances() {
		if err := e.createInstance(ctx, tx, op, subjectID, name, instance); err != nil {
			if ngsierrors.IsDataError(err) {
				outcome.Result = ngsild.Failed
				outcome.Reason = err.Error()
				return outcome, nil
			}
			return outcome, err
		}
	}

	return outcome, nil
}

// rollback removes an entity whose creation failed half way through a batch
func (e *Engine) rollback(ctx context.Context, entityID string) {
	err := e.store.DeleteEntity(ctx, entityID)
	if err != nil && !errors.Is(err, ngsierrors.ErrNotFound) {
		logger := loggerFrom(ctx)
		logger.Error("failed to roll back entity creation", "entityID", entityID, "err", err.Error())
	}
}

func mustExist(ctx context.Context, store graph.Store, entityID string) error {
	exists, err := store.EntityExists(ctx, entityID)
	if err != nil {
		return err
	}

	if !exists {
		return ngsierrors.NewNotFoundError(fmt.Sprintf("Entity %s does not exist", entityID))
	}

	return nil
}

// checkKind rejects an attribute whose kind differs from the stored instances of the same name
func checkKind(ctx context.Context, store graph.Store, entityID string, attr attributes.Attribute) error {
	stored, err := store.AttributesOf(ctx, entityID)
	if err != nil {
		return err
	}

	for _, a := range stored {
		if a.Name != attr.Name() {
			continue
		}

		if _, replaced := attr.Instance(a.DatasetID); replaced {
			continue
		}

		if a.Kind != attr.Kind() {
			return ngsierrors.NewBadRequestDataError(
				fmt.Sprintf("Attribute %s instances must have the same type", attr.Name()),
			)
		}
	}

	return nil
}

func fragmentNames(fragment map[string]any) []string {
	names := []string{}
	for _, name := range attributes.NestedNames(fragment) {
		if !jsonld.CoreMembers[name] {
			names = append(names, name)
		}
	}
	return names
}

func datasetIDOrDefault(datasetID string) string {
	if datasetID == "" {
		return "default"
	}
	return datasetID
}
