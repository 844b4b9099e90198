package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/refinebio/refinery/internal/domain/pipeline"
	"github.com/refinebio/refinery/internal/infra/storage"
)

var _ pipeline.ComputedFileRepository = (*computedFileStore)(nil)

// computedFileStore implements pipeline.ComputedFileRepository using Postgres.
type computedFileStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewComputedFileStore creates a ComputedFileRepository backed by PostgreSQL.
func NewComputedFileStore(pool *pgxpool.Pool, tracer trace.Tracer) *computedFileStore {
	return &computedFileStore{pool: pool, tracer: tracer}
}

const computedFileColumns = `computed_file_id, original_file_id, process_job_id, output_format, location, size_bytes, created_at`

// Create persists a derived artifact record.
func (s *computedFileStore) Create(ctx context.Context, file *pipeline.ComputedFile) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("computed_file_id", file.ID().String()),
		attribute.String("original_file_id", file.OriginalFileID().String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_computed_file", dbAttrs, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO computed_files (`+computedFileColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			pgUUID(file.ID()),
			pgUUID(file.OriginalFileID()),
			pgNullableUUID(file.ProcessJobID()),
			file.OutputFormat(),
			file.Location(),
			file.SizeBytes(),
			file.CreatedAt(),
		)
		if err != nil {
			return fmt.Errorf("insert computed file: %w", err)
		}
		return nil
	})
}

// Get retrieves a derived artifact by ID.
func (s *computedFileStore) Get(ctx context.Context, id uuid.UUID) (*pipeline.ComputedFile, error) {
	var file *pipeline.ComputedFile

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_computed_file", defaultDBAttributes, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx,
			`SELECT `+computedFileColumns+` FROM computed_files WHERE computed_file_id = $1`, pgUUID(id))
		found, err := scanComputedFile(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return pipeline.ErrComputedFileNotFound
			}
			return fmt.Errorf("get computed file: %w", err)
		}
		file = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return file, nil
}

// ListByProcessJob returns the artifacts a processor job produced.
func (s *computedFileStore) ListByProcessJob(ctx context.Context, processJobID uuid.UUID) ([]*pipeline.ComputedFile, error) {
	var results []*pipeline.ComputedFile

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.list_computed_files_by_process_job", defaultDBAttributes, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx,
			`SELECT `+computedFileColumns+` FROM computed_files WHERE process_job_id = $1 ORDER BY created_at`,
			pgUUID(processJobID))
		if err != nil {
			return fmt.Errorf("query computed files: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			file, err := scanComputedFile(rows)
			if err != nil {
				return fmt.Errorf("scan computed file row: %w", err)
			}
			results = append(results, file)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

func scanComputedFile(row rowScanner) (*pipeline.ComputedFile, error) {
	var (
		id             pgtype.UUID
		originalFileID pgtype.UUID
		processJobID   pgtype.UUID
		outputFormat   string
		location       string
		sizeBytes      int64
		createdAt      pgtype.Timestamptz
	)

	if err := row.Scan(&id, &originalFileID, &processJobID, &outputFormat, &location, &sizeBytes, &createdAt); err != nil {
		return nil, err
	}

	return pipeline.ReconstructComputedFile(
		id.Bytes,
		originalFileID.Bytes,
		uuidOrNil(processJobID),
		outputFormat,
		location,
		sizeBytes,
		createdAt.Time,
	), nil
}
