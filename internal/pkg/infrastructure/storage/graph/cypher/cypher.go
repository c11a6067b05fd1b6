package cypher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/diwise/context-graph/internal/pkg/infrastructure/storage/graph"
	ngsierrors "github.com/diwise/context-graph/pkg/ngsild/errors"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

type Config struct {
	uri      string
	user     string
	password string
	database string
}

func LoadConfiguration(ctx context.Context) Config {
	return Config{
		uri:      env.GetVariableOrDefault(ctx, "NEO4J_URI", "neo4j://localhost:7687"),
		user:     env.GetVariableOrDefault(ctx, "NEO4J_USER", "neo4j"),
		password: env.GetVariableOrDefault(ctx, "NEO4J_PASSWORD", ""),
		database: env.GetVariableOrDefault(ctx, "NEO4J_DATABASE", "neo4j"),
	}
}

type querier interface {
	query(ctx context.Context, cypher string, params map[string]any) ([]*neo4j.Record, error)
}

type store struct {
	driver   neo4j.DriverWithContext
	database string
	q        querier
	inTx     bool
}

// Connect opens a driver against the configured Neo4j instance and makes sure that
// the constraints the store relies on exist
func Connect(ctx context.Context, cfg Config) (graph.Store, func(), error) {
	driver, err := neo4j.NewDriverWithContext(cfg.uri, neo4j.BasicAuth(cfg.user, cfg.password, ""))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	if err = driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, nil, fmt.Errorf("failed to connect to neo4j: %w", err)
	}

	s := &store{driver: driver, database: cfg.database, q: sessionQuerier{driver: driver, database: cfg.database}}

	for _, stmt := range schema {
		if _, err = s.query(ctx, stmt, nil); err != nil {
			driver.Close(ctx)
			return nil, nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	logging.GetFromContext(ctx).Info("connected to neo4j", slog.String("uri", cfg.uri))

	return s, func() { driver.Close(context.Background()) }, nil
}

var schema = []string{
	`CREATE CONSTRAINT entity_id IF NOT EXISTS FOR (e:Entity) REQUIRE e.id IS UNIQUE`,
	`CREATE CONSTRAINT attribute_id IF NOT EXISTS FOR (a:Attribute) REQUIRE a.id IS UNIQUE`,
}

func (s *store) query(ctx context.Context, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	return s.q.query(ctx, cypher, params)
}

// sessionQuerier runs every query in a session of its own
type sessionQuerier struct {
	driver   neo4j.DriverWithContext
	database string
}

func (sq sessionQuerier) query(ctx context.Context, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	session := sq.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite, DatabaseName: sq.database})
	defer session.Close(ctx)

	result, err := session.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}

	return result.Collect(ctx)
}

type txQuerier struct {
	tx neo4j.ExplicitTransaction
}

func (tq txQuerier) query(ctx context.Context, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	result, err := tq.tx.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}

	return result.Collect(ctx)
}

func (s *store) EntityExists(ctx context.Context, entityID string) (bool, error) {
	records, err := s.query(ctx,
		`MATCH (e:Entity {id: $id}) RETURN count(e) > 0 AS exists`,
		map[string]any{"id": entityID},
	)
	if err != nil {
		return false, fmt.Errorf("failed to check entity existence: %w", err)
	}

	return boolFrom(records, "exists"), nil
}

func (s *store) FindEntity(ctx context.Context, entityID string) (*graph.EntityNode, error) {
	records, err := s.query(ctx,
		`MATCH (e:Entity {id: $id}) RETURN e {.*} AS entity`,
		map[string]any{"id": entityID},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find entity: %w", err)
	}

	if len(records) == 0 {
		return nil, ngsierrors.NewNotFoundError(fmt.Sprintf("entity %s not found", entityID))
	}

	props, _ := records[0].Get("entity")
	return entityFromProps(props.(map[string]any)), nil
}

func (s *store) SaveEntity(ctx context.Context, node graph.EntityNode) error {
	_, err := s.query(ctx, `
		MERGE (e:Entity {id: $id})
		ON CREATE SET e.types = $types, e.contexts = $contexts, e.createdAt = $createdAt
		ON MATCH SET
			e.types = e.types + [t IN $types WHERE NOT t IN e.types],
			e.contexts = coalesce(e.contexts, []) + [c IN $contexts WHERE NOT c IN coalesce(e.contexts, [])]`,
		entityParams(node),
	)
	if err != nil {
		return fmt.Errorf("failed to save entity %s: %w", node.ID, err)
	}

	return nil
}

// DeleteEntity removes the entity, the attributes it owns and the relationship
// instances of other entities that point at it
func (s *store) DeleteEntity(ctx context.Context, entityID string) error {
	records, err := s.query(ctx, `
		MATCH (e:Entity {id: $id})
		OPTIONAL MATCH (e)-[:HAS_ATTRIBUTE*]->(a:Attribute)
		OPTIONAL MATCH (r:Attribute)-->(e)
		OPTIONAL MATCH (r)-[:HAS_ATTRIBUTE*]->(n:Attribute)
		WITH e, collect(DISTINCT a) + collect(DISTINCT r) + collect(DISTINCT n) AS owned
		FOREACH (x IN owned | DETACH DELETE x)
		DETACH DELETE e
		RETURN count(*) AS deleted`,
		map[string]any{"id": entityID},
	)
	if err != nil {
		return fmt.Errorf("failed to delete entity %s: %w", entityID, err)
	}

	if intFrom(records, "deleted") == 0 {
		return ngsierrors.NewNotFoundError(fmt.Sprintf("entity %s not found", entityID))
	}

	return nil
}

func (s *store) HasAttributeInstance(ctx context.Context, subjectID, name, datasetID string) (bool, error) {
	records, err := s.query(ctx, `
		MATCH (s {id: $subjectId})-[:HAS_ATTRIBUTE]->(a:Attribute {name: $name, datasetId: $datasetId})
		RETURN count(a) > 0 AS exists`,
		map[string]any{"subjectId": subjectID, "name": name, "datasetId": datasetID},
	)
	if err != nil {
		return false, fmt.Errorf("failed to check attribute existence: %w", err)
	}

	return boolFrom(records, "exists"), nil
}

func (s *store) FindAttributeInstance(ctx context.Context, subjectID, name, datasetID string) (*graph.AttributeNode, error) {
	records, err := s.query(ctx, `
		MATCH (s {id: $subjectId})-[:HAS_ATTRIBUTE]->(a:Attribute {name: $name, datasetId: $datasetId})
		RETURN a {.*} AS attribute`,
		map[string]any{"subjectId": subjectID, "name": name, "datasetId": datasetID},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find attribute: %w", err)
	}

	if len(records) == 0 {
		return nil, ngsierrors.NewNotFoundError(
			fmt.Sprintf("attribute %s with datasetId %q not found on %s", name, datasetID, subjectID),
		)
	}

	props, _ := records[0].Get("attribute")
	return attributeFromProps(props.(map[string]any))
}

func (s *store) AttributesOf(ctx context.Context, subjectID string) ([]graph.AttributeNode, error) {
	records, err := s.query(ctx, `
		MATCH (s {id: $subjectId})-[:HAS_ATTRIBUTE]->(a:Attribute)
		RETURN a {.*} AS attribute
		ORDER BY a.name, a.datasetId`,
		map[string]any{"subjectId": subjectID},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list attributes of %s: %w", subjectID, err)
	}

	result := make([]graph.AttributeNode, 0, len(records))
	for _, r := range records {
		props, _ := r.Get("attribute")
		a, err := attributeFromProps(props.(map[string]any))
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	return result, nil
}

func (s *store) SaveAttribute(ctx context.Context, node graph.AttributeNode) error {
	props, err := attributeProps(node)
	if err != nil {
		return err
	}

	records, err := s.query(ctx, `
		MATCH (s {id: $subjectId})
		WHERE s:Entity OR s:Attribute
		MERGE (s)-[:HAS_ATTRIBUTE]->(a:Attribute {id: $id})
		SET a += $props
		RETURN count(a) AS saved`,
		map[string]any{"subjectId": node.SubjectID, "id": node.ID, "props": props},
	)
	if err != nil {
		return fmt.Errorf("failed to save attribute %s: %w", node.Name, err)
	}

	if intFrom(records, "saved") == 0 {
		return fmt.Errorf("subject %s of attribute %s does not exist", node.SubjectID, node.Name)
	}

	return nil
}

func (s *store) CreateEdge(ctx context.Context, subjectID, typeName, objectID string) error {
	records, err := s.query(ctx, fmt.Sprintf(`
		MATCH (a:Attribute {id: $subjectId})
		OPTIONAL MATCH (a)-[old]->(:Entity)
		DELETE old
		WITH DISTINCT a
		MATCH (t:Entity {id: $objectId})
		CREATE (a)-[:%s]->(t)
		SET a.objectId = $objectId
		RETURN count(t) AS created`, RelationshipType(typeName)),
		map[string]any{"subjectId": subjectID, "objectId": objectID},
	)
	if err != nil {
		return fmt.Errorf("failed to create edge from %s: %w", subjectID, err)
	}

	if intFrom(records, "created") == 0 {
		return ngsierrors.NewBadRequestDataError(
			fmt.Sprintf("Target entity %s does not exist, unable to create relationship from %s", objectID, subjectID),
		)
	}

	return nil
}

func (s *store) DeleteAttribute(ctx context.Context, subjectID, name string) error {
	return s.deleteAttribute(ctx, `{name: $name}`, map[string]any{"subjectId": subjectID, "name": name})
}

func (s *store) DeleteAttributeInstance(ctx context.Context, subjectID, name, datasetID string) error {
	return s.deleteAttribute(ctx, `{name: $name, datasetId: $datasetId}`,
		map[string]any{"subjectId": subjectID, "name": name, "datasetId": datasetID},
	)
}

func (s *store) deleteAttribute(ctx context.Context, match string, params map[string]any) error {
	_, err := s.query(ctx, fmt.Sprintf(`
		MATCH (s {id: $subjectId})-[:HAS_ATTRIBUTE]->(a:Attribute %s)
		OPTIONAL MATCH (a)-[:HAS_ATTRIBUTE*]->(n:Attribute)
		WITH collect(DISTINCT a) + collect(DISTINCT n) AS nodes
		FOREACH (x IN nodes | DETACH DELETE x)`, match),
		params,
	)
	if err != nil {
		return fmt.Errorf("failed to delete attribute: %w", err)
	}

	return nil
}

func (s *store) UpdateModifiedAt(ctx context.Context, id string, at time.Time) error {
	records, err := s.query(ctx, `
		MATCH (x {id: $id})
		WHERE x:Entity OR x:Attribute
		SET x.modifiedAt = $at
		RETURN count(x) AS updated`,
		map[string]any{"id": id, "at": formatTime(at)},
	)
	if err != nil {
		return fmt.Errorf("failed to update modifiedAt of %s: %w", id, err)
	}

	if intFrom(records, "updated") == 0 {
		return ngsierrors.NewNotFoundError(fmt.Sprintf("no entity or attribute with id %s", id))
	}

	return nil
}

func (s *store) WithinTransaction(ctx context.Context, fn func(ctx context.Context, tx graph.Store) error) error {
	if s.inTx {
		return fn(ctx, s)
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite, DatabaseName: s.database})
	defer session.Close(ctx)

	tx, err := session.BeginTransaction(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	err = fn(ctx, &store{driver: s.driver, database: s.database, q: txQuerier{tx: tx}, inTx: true})
	if err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			logging.GetFromContext(ctx).Error("failed to roll back transaction", "err", rbErr.Error())
		}
		return err
	}

	return tx.Commit(ctx)
}
