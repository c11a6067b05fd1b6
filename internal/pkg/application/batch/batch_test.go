package batch

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/diwise/context-graph/internal/pkg/application/authz"
	"github.com/diwise/context-graph/internal/pkg/application/events"
	"github.com/diwise/context-graph/internal/pkg/application/updates"
	"github.com/diwise/context-graph/internal/pkg/infrastructure/storage/graph"
	"github.com/diwise/context-graph/pkg/ngsild"
	"github.com/diwise/context-graph/pkg/ngsild/jsonld"
	"github.com/diwise/context-graph/pkg/ngsild/types/entities"
	"github.com/matryer/is"
)

const refDevice string = "https://uri.fiware.org/ns/data-models#refDevice"

func TestThatAForwardReferenceResolvesToTheRealEntity(t *testing.T) {
	is, ctx, env := testSetup(t)

	batch := env.entities(is, ctx, beachJSON, deviceJSON)

	result, err := env.orchestrator.CreateBatch(ctx, "anonymous", batch)
	is.NoErr(err)
	is.Equal(result.Success, []string{"urn:ngsi-ld:Beach:b1", "urn:ngsi-ld:Device:d1"})
	is.Equal(len(result.Errors), 0)

	rel, err := env.store.FindAttributeInstance(ctx, "urn:ngsi-ld:Beach:b1", refDevice, "")
	is.NoErr(err)
	is.Equal(rel.ObjectID, "urn:ngsi-ld:Device:d1")

	device, err := env.engine.RetrieveEntity(ctx, "urn:ngsi-ld:Device:d1")
	is.NoErr(err)
	is.Equal(len(device.Attributes()), 1) // the placeholder must have been completed by its owner
	is.Equal(device.Contexts(), []string{jsonld.DefaultContextURL})

	is.Equal(len(env.published(is, events.EntityCreate)), 2)
}

func TestThatDeletingAMissingEntityIsReportedPerEntity(t *testing.T) {
	is, ctx, env := testSetup(t)

	_, err := env.orchestrator.CreateBatch(ctx, "anonymous", env.entities(is, ctx, deviceJSON))
	is.NoErr(err)

	result, err := env.orchestrator.DeleteBatch(ctx, "anonymous", []string{"urn:ngsi-ld:Device:d1", "urn:ngsi-ld:Device:missing"})
	is.NoErr(err)

	is.Equal(result.Success, []string{"urn:ngsi-ld:Device:d1"})
	is.Equal(result.Errors, []ngsild.BatchEntityError{
		{EntityID: "urn:ngsi-ld:Device:missing", Reasons: []string{"Entity does not exist"}},
	})

	exists, err := env.store.EntityExists(ctx, "urn:ngsi-ld:Device:d1")
	is.NoErr(err)
	is.True(!exists)

	is.Equal(len(env.published(is, events.EntityDelete)), 1)
}

func TestThatCreatingAnExistingEntityFails(t *testing.T) {
	is, ctx, env := testSetup(t)

	_, err := env.orchestrator.CreateBatch(ctx, "anonymous", env.entities(is, ctx, deviceJSON))
	is.NoErr(err)

	result, err := env.orchestrator.CreateBatch(ctx, "anonymous", env.entities(is, ctx, deviceJSON))
	is.NoErr(err)
	is.Equal(len(result.Success), 0)
	is.Equal(result.Errors[0].Reasons, []string{"Entity already exists"})
}

func TestThatReadOnlyUsersCanNotCreateEntities(t *testing.T) {
	is, ctx, env := testSetup(t)

	result, err := env.orchestrator.CreateBatch(ctx, "readonly:bob", env.entities(is, ctx, deviceJSON))
	is.NoErr(err)
	is.Equal(result.Errors[0].Reasons, []string{"User forbidden to create entities"})

	exists, err := env.store.EntityExists(ctx, "urn:ngsi-ld:Device:d1")
	is.NoErr(err)
	is.True(!exists)
}

func TestThatGuestsCanNotDeleteEntities(t *testing.T) {
	is, ctx, env := testSetup(t)

	_, err := env.orchestrator.CreateBatch(ctx, "anonymous", env.entities(is, ctx, deviceJSON))
	is.NoErr(err)

	result, err := env.orchestrator.DeleteBatch(ctx, "guest", []string{"urn:ngsi-ld:Device:d1"})
	is.NoErr(err)
	is.Equal(result.Errors[0].Reasons, []string{"User forbidden to delete entity"})
}

func TestThatAFailingEntityDoesNotStopTheBatch(t *testing.T) {
	is, ctx, env := testSetup(t)

	batch := env.entities(is, ctx, `{
		"id": "urn:ngsi-ld:Beach:b2",
		"type": "Beach",
		"refDevice": {"type": "Relationship", "object": "urn:ngsi-ld:Device:unknown"}
	}`, deviceJSON)

	result, err := env.orchestrator.CreateBatch(ctx, "anonymous", batch)
	is.NoErr(err)
	is.Equal(result.Success, []string{"urn:ngsi-ld:Device:d1"})
	is.Equal(len(result.Errors), 1)
	is.Equal(result.Errors[0].EntityID, "urn:ngsi-ld:Beach:b2")

	exists, err := env.store.EntityExists(ctx, "urn:ngsi-ld:Beach:b2")
	is.NoErr(err)
	is.True(!exists) // a failed creation is rolled back
}

func TestThatAReferenceToAFailedMemberIsAnError(t *testing.T) {
	is, ctx, env := testSetup(t, WithWorkers(1))

	batch := env.entities(is, ctx, `{
		"id": "urn:ngsi-ld:Device:d1",
		"type": "Device",
		"refOwner": {"type": "Relationship", "object": "urn:ngsi-ld:Owner:unknown"}
	}`, beachJSON)

	result, err := env.orchestrator.CreateBatch(ctx, "anonymous", batch)
	is.NoErr(err)
	is.Equal(len(result.Success), 0)
	is.Equal(len(result.Errors), 2)

	for _, id := range []string{"urn:ngsi-ld:Device:d1", "urn:ngsi-ld:Beach:b1"} {
		exists, err := env.store.EntityExists(ctx, id)
		is.NoErr(err)
		is.True(!exists) // neither member should be left behind
	}

	_, err = env.store.FindAttributeInstance(ctx, "urn:ngsi-ld:Beach:b1", refDevice, "")
	is.True(err != nil) // no dangling relationship to the failed device
}

func TestThatUpsertInUpdateModeAppendsAttributes(t *testing.T) {
	is, ctx, env := testSetup(t)

	_, err := env.orchestrator.CreateBatch(ctx, "anonymous", env.entities(is, ctx, deviceJSON))
	is.NoErr(err)

	batch := env.entities(is, ctx, `{
		"id": "urn:ngsi-ld:Device:d1",
		"type": "Device",
		"temperature": {"type": "Property", "value": 21.5}
	}`)

	result, err := env.orchestrator.UpsertBatch(ctx, "anonymous", batch, Update)
	is.NoErr(err)
	is.Equal(result.Success, []string{"urn:ngsi-ld:Device:d1"})

	device, err := env.engine.RetrieveEntity(ctx, "urn:ngsi-ld:Device:d1")
	is.NoErr(err)
	is.Equal(len(device.Attributes()), 2)

	is.Equal(len(env.published(is, events.EntityUpdate)), 1)
}

func TestThatUpsertInReplaceModeReplacesAttributes(t *testing.T) {
	is, ctx, env := testSetup(t)

	_, err := env.orchestrator.CreateBatch(ctx, "anonymous", env.entities(is, ctx, deviceJSON))
	is.NoErr(err)

	batch := env.entities(is, ctx, `{
		"id": "urn:ngsi-ld:Device:d1",
		"type": "Device",
		"temperature": {"type": "Property", "value": 21.5}
	}`, `{"id": "urn:ngsi-ld:Device:d2", "type": "Device"}`)

	result, err := env.orchestrator.UpsertBatch(ctx, "anonymous", batch, Replace)
	is.NoErr(err)
	is.Equal(result.Success, []string{"urn:ngsi-ld:Device:d1", "urn:ngsi-ld:Device:d2"})

	device, err := env.engine.RetrieveEntity(ctx, "urn:ngsi-ld:Device:d1")
	is.NoErr(err)
	is.Equal(len(device.Attributes()), 1)

	is.Equal(len(env.published(is, events.EntityReplace)), 1)
	is.Equal(len(env.published(is, events.EntityCreate)), 2)
}

const beachJSON string = `{
	"id": "urn:ngsi-ld:Beach:b1",
	"type": "Beach",
	"refDevice": {"type": "Relationship", "object": "urn:ngsi-ld:Device:d1"}
}`

const deviceJSON string = `{
	"id": "urn:ngsi-ld:Device:d1",
	"type": "Device",
	"name": {"type": "Property", "value": "thermometer"}
}`

type testEnv struct {
	orchestrator *Orchestrator
	engine       *updates.Engine
	store        graph.Store
	publisher    *events.InMemoryPublisher
	ld           jsonld.Processor
}

func (env *testEnv) entities(is *is.I, ctx context.Context, docs ...string) []*entities.Entity {
	result := []*entities.Entity{}

	for _, s := range docs {
		doc := map[string]any{}
		is.NoErr(json.Unmarshal([]byte(s), &doc))

		expanded, err := env.ld.Expand(ctx, doc, []string{jsonld.DefaultContextURL})
		is.NoErr(err)

		e, err := entities.Parse(expanded, []string{jsonld.DefaultContextURL})
		is.NoErr(err)

		result = append(result, e)
	}

	return result
}

// published returns the events of a kind that were published on the catch all topic
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

func testSetup(t *testing.T, opts ...Option) (*is.I, context.Context, *testEnv) {
	is := is.New(t)
	ctx := context.Background()

	cache, err := jsonld.NewContextCache(8)
	is.NoErr(err)

	processor, err := jsonld.NewProcessor(cache)
	is.NoErr(err)

	authorizer, err := authz.NewAuthorizer(ctx, nil)
	is.NoErr(err)

	env := &testEnv{
		store:     graph.NewInMemoryStore(),
		publisher: events.NewInMemoryPublisher(),
		ld:        processor,
	}

	env.engine = updates.NewEngine(env.store)
	opts = append([]Option{
		WithWorkers(4),
		WithNotifier(events.NewService(env.publisher, processor)),
	}, opts...)
	env.orchestrator = New(env.engine, authorizer, opts...)

	return is, ctx, env
}
