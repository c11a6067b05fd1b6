package troe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/diwise/context-graph/internal/pkg/application/temporal"
	"github.com/diwise/context-graph/pkg/ngsild/geojson"
	"github.com/diwise/context-graph/pkg/ngsild/types/attributes"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Config struct {
	host     string
	user     string
	password string
	port     string
	dbname   string
	sslmode  string
}

func LoadConfiguration(ctx context.Context) Config {
	return Config{
		host:     env.GetVariableOrDefault(ctx, "POSTGRES_HOST", ""),
		user:     env.GetVariableOrDefault(ctx, "POSTGRES_USER", ""),
		password: env.GetVariableOrDefault(ctx, "POSTGRES_PASSWORD", ""),
		port:     env.GetVariableOrDefault(ctx, "POSTGRES_PORT", "5432"),
		dbname:   env.GetVariableOrDefault(ctx, "POSTGRES_DBNAME", "diwise"),
		sslmode:  env.GetVariableOrDefault(ctx, "POSTGRES_SSLMODE", "disable"),
	}
}

func (c Config) ConnStr() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", c.user, c.password, c.host, c.port, c.dbname, c.sslmode)
}

type PostgresStore struct {
	pool *pgxpool.Pool
}

func Connect(ctx context.Context, cfg Config) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, cfg.ConnStr())
	if err != nil {
		return nil, err
	}

	err = pool.Ping(ctx)
	if err != nil {
		pool.Close()
		return nil, err
	}

	_, err = pool.Exec(ctx, schema)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logging.GetFromContext(ctx).Info("connected to postgres", slog.String("host", cfg.host))

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

const schema string = `
	CREATE TABLE IF NOT EXISTS attributes (
		instanceid    TEXT PRIMARY KEY,
		entityid      TEXT NOT NULL,
		id            TEXT NOT NULL,
		attributetype TEXT NOT NULL,
		datasetid     TEXT NOT NULL DEFAULT '',
		observedat    TIMESTAMPTZ NOT NULL,
		valuetype     TEXT NOT NULL,
		number        NUMERIC NULL,
		text          TEXT NULL,
		object        TEXT NULL,
		location      TEXT NULL,
		payload       JSONB NOT NULL,
		ts            TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS attributes_entity_idx ON attributes (entityid, id, datasetid, observedat);`

func (s *PostgresStore) InsertInstance(ctx context.Context, entityID string, identity temporal.AttributeIdentity, snapshot temporal.InstanceSnapshot) error {
	var number *float64
	var text, object, location *string

	valueType := "Object"

	switch identity.Kind {
	case attributes.Relationship:
		valueType = "Relationship"
		object = &snapshot.ObjectID
	case attributes.GeoProperty:
		valueType = "Geometry"
		if g, ok := snapshot.Value.(geojson.Geometry); ok {
			wkt := g.WKT()
			location = &wkt
		}
	default:
		switch v := attributes.SimpleValue(snapshot.Value).(type) {
		case float64:
			valueType = "Number"
			number = &v
		case string:
			valueType = "String"
			text = &v
		case bool:
			valueType = "Boolean"
			b := fmt.Sprintf("%t", v)
			text = &b
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO attributes (instanceid, entityid, id, attributetype, datasetid, observedat, valuetype, number, text, object, location, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		snapshot.InstanceID, entityID, identity.Name, identity.Kind.String(), identity.DatasetID,
		snapshot.ObservedAt.UTC(), valueType, number, text, object, location, snapshot.Payload,
	)
	if err != nil {
		return fmt.Errorf("failed to insert instance of %s: %w", identity.Name, err)
	}

	return nil
}

func (s *PostgresStore) QueryInstances(ctx context.Context, entityID string, query temporal.Query) ([]temporal.AttributeInstances, error) {
	sql, args := instancesQuery(entityID, query)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances of %s: %w", entityID, err)
	}
	defer rows.Close()

	result := []temporal.AttributeInstances{}
	index := map[temporal.AttributeIdentity]int{}

	for rows.Next() {
		var name, attributeType, datasetID, instanceID string
		var observedAt time.Time
		var object *string
		var payload map[string]any

		err := rows.Scan(&name, &attributeType, &datasetID, &instanceID, &observedAt, &object, &payload)
		if err != nil {
			return nil, err
		}

		kind, _ := attributes.KindFromString(attributeType)
		identity := temporal.AttributeIdentity{Name: name, Kind: kind, DatasetID: datasetID}

		snapshot := temporal.InstanceSnapshot{
			InstanceID: instanceID,
			ObservedAt: observedAt.UTC(),
			Value:      payload["value"],
			Payload:    payload,
		}
		if object != nil {
			snapshot.ObjectID = *object
		}

		i, ok := index[identity]
		if !ok {
			i = len(result)
			index[identity] = i
			result = append(result, temporal.AttributeInstances{Identity: identity})
		}
		result[i].Instances = append(result[i].Instances, snapshot)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func instancesQuery(entityID string, query temporal.Query) (string, []any) {
	args := []any{entityID}
	where := []string{"entityid = $1"}

	switch query.TimeRel {
	case temporal.TimeRelBefore:
		args = append(args, query.TimeAt)
		where = append(where, fmt.Sprintf("observedat < $%d", len(args)))
	case temporal.TimeRelAfter:
		args = append(args, query.TimeAt)
		where = append(where, fmt.Sprintf("observedat >= $%d", len(args)))
	case temporal.TimeRelBetween:
		args = append(args, query.TimeAt, query.EndTimeAt)
		where = append(where, fmt.Sprintf("observedat >= $%d AND observedat < $%d", len(args)-1, len(args)))
	}

	inner := `SELECT id, attributetype, datasetid, instanceid, observedat, object, payload,
		ROW_NUMBER() OVER (PARTITION BY id, datasetid ORDER BY observedat DESC) AS n
		FROM attributes WHERE ` + strings.Join(where, " AND ")

	sql := `SELECT id, attributetype, datasetid, instanceid, observedat, object, payload FROM (` + inner + `) i`

	if query.LastN > 0 {
		args = append(args, query.LastN)
		sql += fmt.Sprintf(" WHERE i.n <= $%d", len(args))
	}

	sql += " ORDER BY id, datasetid, observedat"

	return sql, args
}
