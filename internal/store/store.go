package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a job ID has no row.
var ErrNotFound = errors.New("not found")

type Store struct {
	db      *sql.DB
	builder sq.StatementBuilderType
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, builder: sq.StatementBuilder.RunWith(db)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		backend TEXT NOT NULL,
		model TEXT NOT NULL,
		direction TEXT NOT NULL,
		source_text TEXT NOT NULL,
		output TEXT NOT NULL,
		paragraphs INTEGER NOT NULL,
		translated INTEGER NOT NULL,
		cancelled BOOLEAN DEFAULT FALSE,
		stats TEXT,
		elapsed_ms INTEGER,
		error TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	-- translation_memory holds finished, uncancelled outputs keyed by the
	-- normalized source text
	CREATE TABLE IF NOT EXISTS translation_memory (
		id TEXT PRIMARY KEY,
		source_text TEXT NOT NULL,
		direction TEXT NOT NULL,
		model TEXT NOT NULL,
		output TEXT NOT NULL,
		usage_count INTEGER DEFAULT 1,
		last_used TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(source_text, direction, model)
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);
	CREATE INDEX IF NOT EXISTS idx_memory_lookup ON translation_memory(source_text, direction, model);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Job is one recorded translate job.
type Job struct {
	ID         string
	Backend    string
	Model      string
	Direction  string
	SourceText string
	Output     string
	Paragraphs int
	Translated int
	Cancelled  bool
	Stats      string
	Elapsed    time.Duration
	Error      string
	CreatedAt  time.Time
}

// SaveJob records j. A missing ID or CreatedAt is filled in.
func (s *Store) SaveJob(ctx context.Context, j Job) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	_, err := s.builder.Insert("jobs").
		Columns(jobColumns...).
		Values(j.ID, j.Backend, j.Model, j.Direction, j.SourceText, j.Output, j.Paragraphs, j.Translated,
			j.Cancelled, j.Stats, j.Elapsed.Milliseconds(), j.Error, j.CreatedAt).
		ExecContext(ctx)
	return err
}

var jobColumns = []string{
	"id", "backend", "model", "direction", "source_text", "output", "paragraphs",
	"translated", "cancelled", "stats", "elapsed_ms", "error", "created_at",
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (Job, error) {
	var j Job
	var elapsedMs int64
	err := row.Scan(&j.ID, &j.Backend, &j.Model, &j.Direction, &j.SourceText, &j.Output,
		&j.Paragraphs, &j.Translated, &j.Cancelled, &j.Stats, &elapsedMs, &j.Error, &j.CreatedAt)
	j.Elapsed = time.Duration(elapsedMs) * time.Millisecond
	return j, err
}

// GetJob returns the job with id.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(s.builder.Select(jobColumns...).
		From("jobs").
		Where(sq.Eq{"id": id}).
		QueryRowContext(ctx))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// ListJobs returns up to limit jobs, newest first. limit <= 0 returns all.
func (s *Store) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	q := s.builder.Select(jobColumns...).From("jobs").OrderBy("created_at DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}

	rows, err := q.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// GetCachedTranslation returns a remembered output for sourceText and bumps
// its usage count.
func (s *Store) GetCachedTranslation(ctx context.Context, sourceText, direction, model string) (string, bool, error) {
	key := normalizeText(sourceText)

	where := sq.Eq{"source_text": key, "direction": direction, "model": model}

	var output string
	err := s.builder.Select("output").
		From("translation_memory").
		Where(where).
		QueryRowContext(ctx).
		Scan(&output)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	_, err = s.builder.Update("translation_memory").
		Set("usage_count", sq.Expr("usage_count + 1")).
		Set("last_used", time.Now()).
		Where(where).
		ExecContext(ctx)

	return output, true, err
}

// SaveToMemory stores output for sourceText, replacing an earlier entry.
func (s *Store) SaveToMemory(ctx context.Context, sourceText, direction, model, output string) error {
	now := time.Now()
	_, err := s.builder.Insert("translation_memory").
		Options("OR REPLACE").
		Columns("id", "source_text", "direction", "model", "output", "usage_count", "last_used", "created_at").
		Values(uuid.NewString(), normalizeText(sourceText), direction, model, output, 1, now, now).
		ExecContext(ctx)
	return err
}

// ClearMemory removes all translation memory entries.
func (s *Store) ClearMemory(ctx context.Context) (int64, error) {
	res, err := s.builder.Delete("translation_memory").ExecContext(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Stats summarises the store contents.
type Stats struct {
	Jobs          int
	CancelledJobs int
	FailedJobs    int
	MemoryEntries int
	MemoryHits    int
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN cancelled THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN error != '' THEN 1 ELSE 0 END), 0)
		FROM jobs`).Scan(&stats.Jobs, &stats.CancelledJobs, &stats.FailedJobs)
	if err != nil {
		return nil, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(usage_count - 1), 0)
		FROM translation_memory`).Scan(&stats.MemoryEntries, &stats.MemoryHits)
	if err != nil {
		return nil, err
	}
	return stats, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// normalizeText unifies line endings and applies Unicode NFC normalization
// for consistent cache key comparison. Surrounding blank lines are kept: they
// are paragraphs of their own and must show up in the remembered output.
func normalizeText(text string) string {
	return norm.NFC.String(strings.ReplaceAll(text, "\r\n", "\n"))
}
