package troe

import (
	"context"
	"log/slog"
	"time"

	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
)

// RemoveDuplicates deletes every instance that repeats the observedAt and payload of
// a newer instance of the same attribute, one entity at a time, and returns the number
// of deleted instances
func (s *PostgresStore) RemoveDuplicates(ctx context.Context) (int64, error) {
	log := logging.GetFromContext(ctx)

	entities, err := s.entities(ctx)
	if err != nil {
		return 0, err
	}

	log.Debug("number of total entities", "count", len(entities))

	var totalCount int64 = 0

	for _, entity := range entities {
		l := log.With(slog.String("entity_id", entity))

		l.Debug("find duplicates for entity", slog.Time("start_time", time.Now()))

		dups, err := s.findDuplicates(ctx, entity)
		if err != nil {
			return totalCount, err
		}

		if len(dups) == 0 {
			continue
		}

		err = s.deleteInstances(ctx, dups)
		if err != nil {
			return totalCount, err
		}

		totalCount += int64(len(dups))

		l.Debug("done cleaning duplicates", slog.Int("count", len(dups)), slog.Time("end_time", time.Now()))
	}

	return totalCount, nil
}

func (s *PostgresStore) Vacuum(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "VACUUM ANALYZE attributes;")
	return err
}

func (s *PostgresStore) entities(ctx context.Context) ([]string, error) {
	return s.strings(ctx, `SELECT DISTINCT entityid FROM attributes ORDER BY entityid;`)
}

func (s *PostgresStore) findDuplicates(ctx context.Context, entityID string) ([]string, error) {
	sql := `
		SELECT instanceid FROM (
			SELECT instanceid, ROW_NUMBER() OVER(PARTITION BY id, datasetid, observedat, payload ORDER BY ts DESC) AS row
			FROM attributes
			WHERE entityid = $1
		) dups
		WHERE dups.row > 1;`

	return s.strings(ctx, sql, entityID)
}

func (s *PostgresStore) strings(ctx context.Context, sql string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]string, 0)

	for rows.Next() {
		var v string
		err := rows.Scan(&v)
		if err != nil {
			return nil, err
		}
		result = append(result, v)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (s *PostgresStore) deleteInstances(ctx context.Context, instanceIDs []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}

	for _, id := range instanceIDs {
		_, err := tx.Exec(ctx, `DELETE FROM attributes WHERE instanceid=$1;`, id)
		if err != nil {
			tx.Rollback(ctx)
			return err
		}
	}

	return tx.Commit(ctx)
}
