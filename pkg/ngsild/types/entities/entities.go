package entities

import (
	"fmt"

	ngsierrors "github.com/diwise/context-graph/pkg/ngsild/errors"
	"github.com/diwise/context-graph/pkg/ngsild/jsonld"
	"github.com/diwise/context-graph/pkg/ngsild/types/attributes"
)

// Entity is a parsed and validated NGSI-LD entity in expanded form
type Entity struct {
	entityID   string
	entityType string
	types      []string

	attributes []attributes.Attribute
	contexts   []string
}

type EntityDecoratorFunc func(e *Entity)

// New creates an entity from already validated parts
func New(entityID, entityType string, decorators ...EntityDecoratorFunc) (*Entity, error) {
	if entityID == "" || entityType == "" {
		return nil, ngsierrors.NewBadRequestDataError("an entity must have both an id and a type")
	}

	e := &Entity{
		entityID:   entityID,
		entityType: entityType,
		types:      []string{entityType},
		attributes: []attributes.Attribute{},
	}

	for _, decorator := range decorators {
		decorator(e)
	}

	// Set the default context if it wasnt decorated by the creator
	if len(e.contexts) == 0 {
		e.contexts = []string{jsonld.DefaultContextURL}
	}

	return e, nil
}

func Contexts(contexts []string) EntityDecoratorFunc {
	return func(e *Entity) {
		e.contexts = append([]string{}, contexts...)
	}
}

func Types(types []string) EntityDecoratorFunc {
	return func(e *Entity) {
		if len(types) > 0 {
			e.types = append([]string{}, types...)
			e.entityType = types[0]
		}
	}
}

func Attributes(attrs ...attributes.Attribute) EntityDecoratorFunc {
	return func(e *Entity) {
		e.attributes = append(e.attributes, attrs...)
	}
}

// Parse builds an entity from an expanded tree. The first element of @type is the
// primary type.
func Parse(tree map[string]any, contexts []string) (*Entity, error) {
	entityID, ok := tree[jsonld.ID].(string)
	if !ok || entityID == "" {
		return nil, ngsierrors.NewBadRequestDataError("The provided NGSI-LD entity does not contain an id property")
	}

	if !attributes.IsValidURI(entityID) {
		return nil, ngsierrors.NewBadRequestDataError(fmt.Sprintf("The entity id %s is not a valid URI", entityID))
	}

	types := []string{}
	if t, ok := tree[jsonld.Type].([]any); ok {
		for _, v := range t {
			if s, ok := v.(string); ok {
				types = append(types, s)
			}
		}
	}

	if len(types) == 0 {
		return nil, ngsierrors.NewBadRequestDataError("The provided NGSI-LD entity does not contain a type property")
	}

	for _, t := range types {
		if !attributes.IsValidName(t) {
			return nil, ngsierrors.NewBadRequestDataError(fmt.Sprintf("Entity has an invalid type name: %s", jsonld.ShortName(t)))
		}
	}

	attrs, err := attributes.ParseFragment(tree)
	if err != nil {
		return nil, err
	}

	return New(entityID, types[0], Types(types), Contexts(contexts), Attributes(attrs...))
}

func (e *Entity) ID() string {
	return e.entityID
}

// Type returns the primary, expanded, type of the entity
func (e *Entity) Type() string {
	return e.entityType
}

func (e *Entity) Types() []string {
	return e.types
}

func (e *Entity) Contexts() []string {
	return e.contexts
}

func (e *Entity) Attributes() []attributes.Attribute {
	return e.attributes
}

func (e *Entity) Attribute(name string) (attributes.Attribute, bool) {
	for _, a := range e.attributes {
		if a.Name() == name {
			return a, true
		}
	}
	return attributes.Attribute{}, false
}

// LinkedEntityIDs returns the object ids of all relationships in the entity,
// including relationships of attributes
func (e *Entity) LinkedEntityIDs() []string {
	ids := []string{}
	for _, a := range e.attributes {
		ids = append(ids, a.LinkedEntityIDs()...)
	}
	return ids
}

// Expanded returns the entity in expanded JSON-LD form
func (e *Entity) Expanded() map[string]any {
	types := make([]any, 0, len(e.types))
	for _, t := range e.types {
		types = append(types, t)
	}

	tree := map[string]any{
		jsonld.ID:   e.entityID,
		jsonld.Type: types,
	}

	for _, a := range e.attributes {
		tree[a.Name()] = a.Expanded()
	}

	return tree
}

// KeyValues returns a simplified view of the entity where each attribute is reduced
// to the value, object or geometry of its default instance. Keys are expanded names.
func (e *Entity) KeyValues() map[string]any {
	kv := map[string]any{
		"id":   e.entityID,
		"type": e.entityType,
	}

	for _, a := range e.attributes {
		i, ok := a.Instance("")
		if !ok {
			i = a.Instances()[0]
		}

		switch p := i.Payload.(type) {
		case attributes.PropertyValue:
			kv[a.Name()] = attributes.SimpleValue(p.Value)
		case attributes.RelationshipObject:
			kv[a.Name()] = p.ObjectID
		case attributes.GeoValue:
			kv[a.Name()] = p.Geometry
		}
	}

	return kv
}
