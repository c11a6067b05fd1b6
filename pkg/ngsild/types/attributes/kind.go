package attributes

import "github.com/diwise/context-graph/pkg/ngsild/jsonld"

// Kind is the variant of an attribute
type Kind int

const (
	Property Kind = iota
	Relationship
	GeoProperty
)

func (k Kind) String() string {
	switch k {
	case Property:
		return "Property"
	case Relationship:
		return "Relationship"
	case GeoProperty:
		return "GeoProperty"
	}
	return "Unknown"
}

// IRI returns the expanded type of the variant
func (k Kind) IRI() string {
	switch k {
	case Relationship:
		return jsonld.RelationshipType
	case GeoProperty:
		return jsonld.GeoPropertyType
	}
	return jsonld.PropertyType
}

func KindFromIRI(iri string) (Kind, bool) {
	switch iri {
	case jsonld.PropertyType:
		return Property, true
	case jsonld.RelationshipType:
		return Relationship, true
	case jsonld.GeoPropertyType:
		return GeoProperty, true
	}
	return Property, false
}

func KindFromString(s string) (Kind, bool) {
	switch s {
	case "Property":
		return Property, true
	case "Relationship":
		return Relationship, true
	case "GeoProperty":
		return GeoProperty, true
	}
	return Property, false
}
