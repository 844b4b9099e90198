// Package postgres implements the pipeline repositories on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/refinebio/refinery/internal/domain/pipeline"
	"github.com/refinebio/refinery/internal/infra/storage"
)

var _ pipeline.SampleRepository = (*sampleStore)(nil)

var defaultDBAttributes = []attribute.KeyValue{attribute.String("db.system", "postgresql")}

const uniqueViolation = "23505"

// sampleStore implements pipeline.SampleRepository using Postgres.
type sampleStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewSampleStore creates a SampleRepository backed by PostgreSQL.
func NewSampleStore(pool *pgxpool.Pool, tracer trace.Tracer) *sampleStore {
	return &sampleStore{pool: pool, tracer: tracer}
}

const sampleColumns = `sample_id, accession, organism, division, source, stage, survey_job_id, created_at, updated_at`

// Create persists a newly discovered sample.
func (s *sampleStore) Create(ctx context.Context, sample *pipeline.Sample) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("sample_id", sample.ID().String()),
		attribute.String("accession", sample.Accession()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_sample", dbAttrs, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO samples (`+sampleColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			pgUUID(sample.ID()),
			sample.Accession(),
			sample.Organism(),
			sample.Division(),
			sample.Source(),
			sample.Stage().String(),
			pgNullableUUID(sample.SurveyJobID()),
			sample.CreatedAt(),
			sample.UpdatedAt(),
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return pipeline.ErrDuplicateAccession
			}
			return fmt.Errorf("insert sample: %w", err)
		}
		return nil
	})
}

// Get retrieves a sample by ID.
func (s *sampleStore) Get(ctx context.Context, id uuid.UUID) (*pipeline.Sample, error) {
	return s.getOne(ctx, "postgres.get_sample",
		`SELECT `+sampleColumns+` FROM samples WHERE sample_id = $1`, pgUUID(id))
}

// GetByAccession retrieves a sample by its external accession code.
func (s *sampleStore) GetByAccession(ctx context.Context, accession string) (*pipeline.Sample, error) {
	return s.getOne(ctx, "postgres.get_sample_by_accession",
		`SELECT `+sampleColumns+` FROM samples WHERE accession = $1`, accession)
}

// ListBySurveyJob returns every sample a survey run recorded.
func (s *sampleStore) ListBySurveyJob(ctx context.Context, surveyJobID uuid.UUID) ([]*pipeline.Sample, error) {
	var results []*pipeline.Sample

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_samples_by_survey_job", defaultDBAttributes, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx,
			`SELECT `+sampleColumns+` FROM samples WHERE survey_job_id = $1 ORDER BY created_at`,
			pgUUID(surveyJobID))
		if err != nil {
			return fmt.Errorf("query samples: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			sample, err := scanSample(rows)
			if err != nil {
				return fmt.Errorf("scan sample row: %w", err)
			}
			results = append(results, sample)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// UpdateStage persists a stage advancement.
func (s *sampleStore) UpdateStage(ctx context.Context, sample *pipeline.Sample) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("sample_id", sample.ID().String()),
		attribute.String("stage", sample.Stage().String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.update_sample_stage", dbAttrs, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx,
			`UPDATE samples SET stage = $2, updated_at = $3 WHERE sample_id = $1`,
			pgUUID(sample.ID()), sample.Stage().String(), sample.UpdatedAt())
		if err != nil {
			return fmt.Errorf("update sample stage: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return pipeline.ErrSampleNotFound
		}
		return nil
	})
}

func (s *sampleStore) getOne(ctx context.Context, spanName, query string, arg any) (*pipeline.Sample, error) {
	var sample *pipeline.Sample

	err := storage.ExecuteAndTrace(ctx, s.tracer, spanName, defaultDBAttributes, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, query, arg)
		found, err := scanSample(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return pipeline.ErrSampleNotFound
			}
			return fmt.Errorf("get sample: %w", err)
		}
		sample = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sample, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSample(row rowScanner) (*pipeline.Sample, error) {
	var (
		id          pgtype.UUID
		accession   string
		organism    string
		division    string
		source      string
		stage       string
		surveyJobID pgtype.UUID
		createdAt   pgtype.Timestamptz
		updatedAt   pgtype.Timestamptz
	)

	if err := row.Scan(&id, &accession, &organism, &division, &source, &stage, &surveyJobID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	return pipeline.ReconstructSample(
		id.Bytes,
		accession, organism, division, source,
		pipeline.Stage(stage),
		uuidOrNil(surveyJobID),
		createdAt.Time, updatedAt.Time,
	), nil
}

func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

func pgNullableUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: id != uuid.Nil}
}

func uuidOrNil(id pgtype.UUID) uuid.UUID {
	if !id.Valid {
		return uuid.Nil
	}
	return id.Bytes
}
