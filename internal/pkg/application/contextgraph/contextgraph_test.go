package contextgraph

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/diwise/context-graph/internal/pkg/application/authz"
	"github.com/diwise/context-graph/internal/pkg/application/cim"
	"github.com/diwise/context-graph/internal/pkg/application/events"
	"github.com/diwise/context-graph/internal/pkg/application/temporal"
	"github.com/diwise/context-graph/internal/pkg/infrastructure/storage/graph"
	"github.com/diwise/context-graph/internal/pkg/infrastructure/storage/troe"
	ngsierrors "github.com/diwise/context-graph/pkg/ngsild/errors"
	"github.com/diwise/context-graph/pkg/ngsild/jsonld"
	"github.com/matryer/is"
)

const fishName string = "https://uri.fiware.org/ns/data-models#fishName"

func TestThatAppendingAnAttributePublishesOneEvent(t *testing.T) {
	is, ctx, env := testSetup(t)
	env.create(is, ctx, beachJSON)

	result, err := env.app.AppendAttributes(ctx, "anonymous", "urn:ngsi-ld:Beach:b1", env.doc(is, `{
		"fishNumber": {"type": "Property", "value": 7}
	}`), nil, false)
	is.NoErr(err)
	is.Equal(len(result.Updated), 1)

	appended := env.published(is, events.AttributeAppend)
	is.Equal(len(appended), 1)
	is.Equal(appended[0].AttributeName, "fishNumber")
}

func TestThatPartialUpdatePublishesAttributeUpdates(t *testing.T) {
	is, ctx, env := testSetup(t)
	env.create(is, ctx, beachJSON)

	result, err := env.app.PartialUpdate(ctx, "anonymous", "urn:ngsi-ld:Beach:b1", env.doc(is, `{
		"fishName": {"type": "Property", "value": "Pike", "datasetId": "urn:ngsi-ld:Dataset:1"},
		"fishNumber": {"type": "Property", "value": 2}
	}`), nil)
	is.NoErr(err)

	is.Equal(len(result.Updated), 1)
	is.Equal(len(result.NotUpdated), 1)
	is.Equal(len(env.published(is, events.AttributeUpdate)), 1)
}

func TestThatUpdateAttributeFailsForAnUnknownAttribute(t *testing.T) {
	is, ctx, env := testSetup(t)
	env.create(is, ctx, beachJSON)

	_, err := env.app.UpdateAttribute(ctx, "anonymous", "urn:ngsi-ld:Beach:b1", "fishNumber", env.doc(is, `{
		"type": "Property", "value": 2
	}`), nil)
	is.True(errors.Is(err, ngsierrors.ErrNotFound))
}

func TestThatTemporalValuesAreGroupedByDataset(t *testing.T) {
	is, ctx, env := testSetup(t)
	env.create(is, ctx, beachJSON)

	te, err := env.app.RetrieveTemporalEntity(ctx, "urn:ngsi-ld:Beach:b1", temporal.Query{TemporalValues: true}, nil)
	is.NoErr(err)

	is.Equal(te["id"], "urn:ngsi-ld:Beach:b1")
	is.Equal(te["type"], "Beach")

	groups, ok := te["fishName"].([]any)
	is.True(ok)
	is.Equal(len(groups), 3)

	first := groups[0].(map[string]any)
	is.Equal(first["type"], "Property")
	is.Equal(len(first["values"].([]any)), 1)
}

func TestThatTemporalRetrievalRequiresAHistory(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	processor := newProcessor(is)
	app := New(processor, graph.NewInMemoryStore())

	_, err := app.RetrieveTemporalEntity(ctx, "urn:ngsi-ld:Beach:b1", temporal.Query{}, nil)
	is.True(errors.Is(err, ngsierrors.ErrNotImplemented))
}

func TestThatReadOnlyUsersAreDenied(t *testing.T) {
	is, ctx, env := testSetup(t)
	env.create(is, ctx, beachJSON)

	entity, err := env.app.ParseEntity(ctx, env.doc(is, deviceJSON), nil)
	is.NoErr(err)

	_, err = env.app.CreateEntity(ctx, "readonly:alice", entity)
	is.True(errors.Is(err, ngsierrors.ErrAccessDenied))

	_, err = env.app.PartialUpdate(ctx, "readonly:alice", "urn:ngsi-ld:Beach:b1", env.doc(is, `{
		"fishNumber": {"type": "Property", "value": 2}
	}`), nil)
	is.True(errors.Is(err, ngsierrors.ErrAccessDenied))
}

func TestThatUnparsableBatchMembersAreReportedPerEntity(t *testing.T) {
	is, ctx, env := testSetup(t)

	docs := []map[string]any{
		env.doc(is, deviceJSON),
		env.doc(is, `{"id": "urn:ngsi-ld:Device:broken"}`),
	}

	result, err := env.app.CreateBatch(ctx, "anonymous", docs, nil)
	is.NoErr(err)

	is.Equal(result.Success, []string{"urn:ngsi-ld:Device:d1"})
	is.Equal(len(result.Errors), 1)
	is.Equal(result.Errors[0].EntityID, "urn:ngsi-ld:Device:broken")
}

func TestThatAnObservedAttributeUpdateIsApplied(t *testing.T) {
	is, ctx, env := testSetup(t)
	env.create(is, ctx, beachJSON)

	err := env.app.HandleObservation(ctx, cim.Observation{
		OperationType:    string(events.AttributeUpdate),
		EntityID:         "urn:ngsi-ld:Beach:b1",
		AttributeName:    "fishName",
		OperationPayload: json.RawMessage(`{"type": "Property", "value": "Perch", "datasetId": "urn:ngsi-ld:Dataset:2"}`),
	})
	is.NoErr(err)

	is.Equal(len(env.published(is, events.AttributeUpdate)), 1)
}

func TestThatObservationsOfUnknownEntitiesAreDropped(t *testing.T) {
	is, ctx, env := testSetup(t)

	err := env.app.HandleObservation(ctx, cim.Observation{
		OperationType:    string(events.AttributeUpdate),
		EntityID:         "urn:ngsi-ld:Beach:missing",
		AttributeName:    "fishName",
		OperationPayload: json.RawMessage(`"{\"type\": \"Property\", \"value\": \"Perch\"}"`),
	})
	is.NoErr(err)
}

func TestThatAnObservedEntityIsCreatedOnce(t *testing.T) {
	is, ctx, env := testSetup(t)

	observation := cim.Observation{
		OperationType:    string(events.EntityCreate),
		EntityID:         "urn:ngsi-ld:Device:d1",
		OperationPayload: json.RawMessage(deviceJSON),
	}

	is.NoErr(env.app.HandleObservation(ctx, observation))
	is.NoErr(env.app.HandleObservation(ctx, observation))

	is.Equal(len(env.published(is, events.EntityCreate)), 1)
}

func TestThatAnEmptyObservationPayloadIsAnError(t *testing.T) {
	is, ctx, env := testSetup(t)

	err := env.app.HandleObservation(ctx, cim.Observation{
		OperationType: string(events.AttributeAppend),
		EntityID:      "urn:ngsi-ld:Beach:b1",
		AttributeName: "fishName",
	})
	is.True(err != nil)
}

const beachJSON string = `{
	"id": "urn:ngsi-ld:Beach:b1",
	"type": "Beach",
	"fishName": [
		{"type": "Property", "value": "Salmon", "datasetId": "urn:ngsi-ld:Dataset:1"},
		{"type": "Property", "value": "Trout", "datasetId": "urn:ngsi-ld:Dataset:2"},
		{"type": "Property", "value": "Cod", "datasetId": "urn:ngsi-ld:Dataset:3"}
	]
}`

const deviceJSON string = `{
	"id": "urn:ngsi-ld:Device:d1",
	"type": "Device",
	"name": {"type": "Property", "value": "thermometer"}
}`

type testEnv struct {
	app       *App
	publisher *events.InMemoryPublisher
}

func (env *testEnv) doc(is *is.I, s string) map[string]any {
	doc := map[string]any{}
	is.NoErr(json.Unmarshal([]byte(s), &doc))
	return doc
}

func (env *testEnv) create(is *is.I, ctx context.Context, s string) {
	entity, err := env.app.ParseEntity(ctx, env.doc(is, s), nil)
	is.NoErr(err)

	_, err = env.app.CreateEntity(ctx, "anonymous", entity)
	is.NoErr(err)
}

func (env *testEnv) published(is *is.I, operation events.EventType) []events.Event {
	result := []events.Event{}
	for _, m := range env.publisher.Messages(events.CatchAllTopic) {
		e, err := m.Event()
		is.NoErr(err)
		if e.OperationType == operation {
			result = append(result, e)
		}
	}
	return result
}

func newProcessor(is *is.I) jsonld.Processor {
	cache, err := jsonld.NewContextCache(8)
	is.NoErr(err)

	processor, err := jsonld.NewProcessor(cache)
	is.NoErr(err)

	return processor
}

func testSetup(t *testing.T) (*is.I, context.Context, *testEnv) {
	is := is.New(t)
	ctx := context.Background()

	processor := newProcessor(is)

	authorizer, err := authz.NewAuthorizer(ctx, nil)
	is.NoErr(err)

	env := &testEnv{publisher: events.NewInMemoryPublisher()}
	env.app = New(
		processor, graph.NewInMemoryStore(),
		WithHistory(troe.NewInMemoryStore()),
		WithAuthorizer(authorizer),
		WithNotifier(events.NewService(env.publisher, processor)),
		WithBatchWorkers(2),
	)

	return is, ctx, env
}
