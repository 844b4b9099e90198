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

var _ pipeline.OriginalFileRepository = (*originalFileStore)(nil)

// originalFileStore implements pipeline.OriginalFileRepository using Postgres.
type originalFileStore struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewOriginalFileStore creates an OriginalFileRepository backed by PostgreSQL.
func NewOriginalFileStore(pool *pgxpool.Pool, tracer trace.Tracer) *originalFileStore {
	return &originalFileStore{pool: pool, tracer: tracer}
}

const originalFileColumns = `original_file_id, sample_id, download_job_id, source_url, raw_format, size_bytes, sha256, complete, created_at`

// Create persists a raw artifact record.
func (s *originalFileStore) Create(ctx context.Context, file *pipeline.OriginalFile) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("original_file_id", file.ID().String()),
		attribute.String("sample_id", file.SampleID().String()),
	)

	return storage.ExecuteAndTrace(ctx, s.tracer, "postgres.create_original_file", dbAttrs, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO original_files (`+originalFileColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			pgUUID(file.ID()),
			pgUUID(file.SampleID()),
			pgNullableUUID(file.DownloadJobID()),
			file.SourceURL(),
			file.RawFormat(),
			file.SizeBytes(),
			file.SHA256(),
			file.Complete(),
			file.CreatedAt(),
		)
		if err != nil {
			return fmt.Errorf("insert original file: %w", err)
		}
		return nil
	})
}

// Get retrieves a raw artifact by ID.
func (s *originalFileStore) Get(ctx context.Context, id uuid.UUID) (*pipeline.OriginalFile, error) {
	var file *pipeline.OriginalFile

	err := storage.ExecuteAndTrace(ctx, s.tracer, "postgres.get_original_file", defaultDBAttributes, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx,
			`SELECT `+originalFileColumns+` FROM original_files WHERE original_file_id = $1`, pgUUID(id))
		found, err := scanOriginalFile(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return pipeline.ErrOriginalFileNotFound
			}
			return fmt.Errorf("get original file: %w", err)
		}
		file = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return file, nil
}

// ListByDownloadJob returns the artifacts a downloader job produced.
func (s *originalFileStore) ListByDownloadJob(ctx context.Context, downloadJobID uuid.UUID) ([]*pipeline.OriginalFile, error) {
	return s.list(ctx, "postgres.list_original_files_by_download_job",
		`SELECT `+originalFileColumns+` FROM original_files WHERE download_job_id = $1 ORDER BY created_at`,
		pgUUID(downloadJobID))
}

// ListBySample returns every raw artifact recorded for a sample.
func (s *originalFileStore) ListBySample(ctx context.Context, sampleID uuid.UUID) ([]*pipeline.OriginalFile, error) {
	return s.list(ctx, "postgres.list_original_files_by_sample",
		`SELECT `+originalFileColumns+` FROM original_files WHERE sample_id = $1 ORDER BY created_at`,
		pgUUID(sampleID))
}

func (s *originalFileStore) list(ctx context.Context, spanName, query string, arg any) ([]*pipeline.OriginalFile, error) {
	var results []*pipeline.OriginalFile

	err := storage.ExecuteAndTrace(ctx, s.tracer, spanName, defaultDBAttributes, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, query, arg)
		if err != nil {
			return fmt.Errorf("query original files: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			file, err := scanOriginalFile(rows)
			if err != nil {
				return fmt.Errorf("scan original file row: %w", err)
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

func scanOriginalFile(row rowScanner) (*pipeline.OriginalFile, error) {
	var (
		id            pgtype.UUID
		sampleID      pgtype.UUID
		downloadJobID pgtype.UUID
		sourceURL     string
		rawFormat     string
		sizeBytes     int64
		sha256        string
		complete      bool
		createdAt     pgtype.Timestamptz
	)

	if err := row.Scan(&id, &sampleID, &downloadJobID, &sourceURL, &rawFormat, &sizeBytes, &sha256, &complete, &createdAt); err != nil {
		return nil, err
	}

	return pipeline.ReconstructOriginalFile(
		id.Bytes,
		sampleID.Bytes,
		uuidOrNil(downloadJobID),
		sourceURL,
		rawFormat,
		sizeBytes,
		sha256,
		complete,
		createdAt.Time,
	), nil
}
