package attributes

import (
	"fmt"
	"net/url"
	"time"
	"unicode"

	ngsierrors "github.com/diwise/context-graph/pkg/ngsild/errors"
	"github.com/diwise/context-graph/pkg/ngsild/geojson"
	"github.com/diwise/context-graph/pkg/ngsild/jsonld"
)

// Payload is the variant specific part of an instance. It is implemented by
// PropertyValue, RelationshipObject and GeoValue only.
type Payload interface {
	kind() Kind
}

type PropertyValue struct {
	Value    any
	UnitCode string
}

type RelationshipObject struct {
	ObjectID string
}

type GeoValue struct {
	Geometry geojson.Geometry
}

func (PropertyValue) kind() Kind      { return Property }
func (RelationshipObject) kind() Kind { return Relationship }
func (GeoValue) kind() Kind           { return GeoProperty }

// Literal is a typed value such as a DateTime
type Literal struct {
	Type  string
	Value string
}

type Instance struct {
	DatasetID  string
	ObservedAt *time.Time

	Properties    []Attribute
	Relationships []Attribute

	Payload Payload
}

func (i Instance) Kind() Kind {
	return i.Payload.kind()
}

// LinkedEntityIDs returns the object ids of the instance and of all its nested
// relationships, depth first
func (i Instance) LinkedEntityIDs() []string {
	ids := []string{}

	for _, p := range i.Properties {
		ids = append(ids, p.LinkedEntityIDs()...)
	}

	for _, r := range i.Relationships {
		ids = append(ids, r.LinkedEntityIDs()...)
	}

	if o, ok := i.Payload.(RelationshipObject); ok {
		ids = append(ids, o.ObjectID)
	}

	return ids
}

// Attribute is an immutable, validated, named collection of instances of the same kind
type Attribute struct {
	name      string
	kind      Kind
	instances []Instance
}

// New validates the instances and returns an attribute. It fails if the instances
// are of different kinds, if more than one of them lacks a datasetId or if two of
// them share the same datasetId.
func New(name string, kind Kind, instances []Instance) (Attribute, error) {
	if !IsValidName(name) {
		return Attribute{}, ngsierrors.NewBadRequestDataError(
			fmt.Sprintf("Entity has an invalid attribute name: %s", jsonld.ShortName(name)),
		)
	}

	if len(instances) == 0 {
		return Attribute{}, ngsierrors.NewBadRequestDataError(
			fmt.Sprintf("Attribute %s has no instances", name),
		)
	}

	hasDefault := false
	datasetIDs := map[string]bool{}

	for _, i := range instances {
		if i.Payload == nil || i.Kind() != kind {
			return Attribute{}, ngsierrors.NewBadRequestDataError(
				fmt.Sprintf("Attribute %s instances must have the same type", name),
			)
		}

		if i.DatasetID == "" {
			if hasDefault {
				return Attribute{}, ngsierrors.NewBadRequestDataError(
					fmt.Sprintf("Attribute %s can't have more than one default instance", name),
				)
			}
			hasDefault = true
			continue
		}

		if datasetIDs[i.DatasetID] {
			return Attribute{}, ngsierrors.NewBadRequestDataError(
				fmt.Sprintf("Attribute %s can't have more than one instance with the same datasetId", name),
			)
		}
		datasetIDs[i.DatasetID] = true
	}

	if o, ok := firstInvalidObject(instances); ok {
		return Attribute{}, ngsierrors.NewBadRequestDataError(
			fmt.Sprintf("Relationship %s has an invalid object id: %q", name, o),
		)
	}

	return Attribute{name: name, kind: kind, instances: instances}, nil
}

func (a Attribute) Name() string          { return a.name }
func (a Attribute) Kind() Kind            { return a.kind }
func (a Attribute) Instances() []Instance { return a.instances }

// Instance returns the instance with the given datasetId, where the empty string
// selects the default instance
func (a Attribute) Instance(datasetID string) (Instance, bool) {
	for _, i := range a.instances {
		if i.DatasetID == datasetID {
			return i, true
		}
	}
	return Instance{}, false
}

func (a Attribute) LinkedEntityIDs() []string {
	ids := []string{}
	for _, i := range a.instances {
		ids = append(ids, i.LinkedEntityIDs()...)
	}
	return ids
}

// IsValidName reports whether the short form of an expanded name only consists of
// letters, digits, ':' and '_'
func IsValidName(expanded string) bool {
	short := jsonld.ShortName(expanded)
	if short == "" {
		return false
	}

	for _, r := range short {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != ':' && r != '_' {
			return false
		}
	}

	return true
}

// IsValidURI reports whether s is an absolute URI
func IsValidURI(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.Scheme != "" && (u.Opaque != "" || u.Host != "" || u.Path != "")
}

func firstInvalidObject(instances []Instance) (string, bool) {
	for _, i := range instances {
		if o, ok := i.Payload.(RelationshipObject); ok && !IsValidURI(o.ObjectID) {
			return o.ObjectID, true
		}
	}
	return "", false
}
