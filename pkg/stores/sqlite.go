package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/planweave/planweave/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements PlanStore, ArtifactStore, and TraceLog using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Foreign keys are a connection-level setting.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// CreatePlan registers a new plan. Fails if the ID already exists.
func (s *SQLiteStore) CreatePlan(ctx context.Context, plan *engine.Plan) error {
	steps, notes, series, err := encodePlanBlobs(plan)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO plans (id, created_at, goal, template_id, horizon, input_series, state, steps, risk_notes, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		plan.ID,
		plan.CreatedAt.UTC(),
		plan.Goal,
		plan.TemplateID,
		plan.Horizon,
		series,
		string(plan.State),
		steps,
		notes,
		nullableTime(plan.StartedAt),
		nullableTime(plan.FinishedAt),
	)

	if err != nil {
		if isUniqueViolation(err) {
			return engine.NewConflictError("plan already exists").WithPlan(plan.ID)
		}
		return fmt.Errorf("failed to create plan: %w", err)
	}

	return nil
}

// GetPlan retrieves a plan by ID.
func (s *SQLiteStore) GetPlan(ctx context.Context, id string) (*engine.Plan, error) {
	query := `
		SELECT id, created_at, goal, template_id, horizon, input_series, state, steps, risk_notes, started_at, finished_at
		FROM plans
		WHERE id = ?
	`
	return s.scanPlan(s.db.QueryRowContext(ctx, query, id), id)
}

// UpdatePlan persists the current plan state, steps, and risk notes.
func (s *SQLiteStore) UpdatePlan(ctx context.Context, plan *engine.Plan) error {
	steps, notes, _, err := encodePlanBlobs(plan)
	if err != nil {
		return err
	}

	query := `
		UPDATE plans
		SET state = ?, steps = ?, risk_notes = ?, started_at = ?, finished_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		string(plan.State),
		steps,
		notes,
		nullableTime(plan.StartedAt),
		nullableTime(plan.FinishedAt),
		plan.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update plan: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewNotFoundError("plan", plan.ID).WithPlan(plan.ID)
	}

	return nil
}

// ListPlans lists plans ordered by creation time, newest first.
func (s *SQLiteStore) ListPlans(ctx context.Context, limit, offset int) ([]*engine.Plan, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, created_at, goal, template_id, horizon, input_series, state, steps, risk_notes, started_at, finished_at
		FROM plans
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	plans := []*engine.Plan{}
	for rows.Next() {
		plan, err := s.scanPlan(rows, "")
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plans: %w", err)
	}

	return plans, nil
}

// Put writes a new artifact version for the given step. The immediate
// transaction serializes concurrent writers so versions per step stay
// strictly incrementing with no duplicates.
func (s *SQLiteStore) Put(ctx context.Context, planID, stepID string, payload json.RawMessage) (*engine.Artifact, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var version int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM artifacts WHERE plan_id = ? AND step_id = ?`,
		planID, stepID,
	).Scan(&version)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate artifact version: %w", err)
	}

	artifact := &engine.Artifact{
		PlanID:    planID,
		StepID:    stepID,
		Version:   version,
		Payload:   append(json.RawMessage(nil), payload...),
		Checksum:  Checksum(payload),
		CreatedAt: time.Now(),
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO artifacts (plan_id, step_id, version, payload, checksum, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		artifact.PlanID,
		artifact.StepID,
		artifact.Version,
		[]byte(artifact.Payload),
		artifact.Checksum,
		artifact.CreatedAt.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to write artifact: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit artifact: %w", err)
	}

	return artifact, nil
}

// Get retrieves an artifact by version. engine.VersionLatest selects the
// most recent write.
func (s *SQLiteStore) Get(ctx context.Context, planID, stepID string, version int64) (*engine.Artifact, error) {
	query := `
		SELECT plan_id, step_id, version, payload, checksum, created_at
		FROM artifacts
		WHERE plan_id = ? AND step_id = ?
	`
	args := []interface{}{planID, stepID}

	if version == engine.VersionLatest {
		query += ` ORDER BY version DESC LIMIT 1`
	} else {
		query += ` AND version = ?`
		args = append(args, version)
	}

	artifact := &engine.Artifact{}
	var payload []byte
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&artifact.PlanID,
		&artifact.StepID,
		&artifact.Version,
		&payload,
		&artifact.Checksum,
		&artifact.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError("artifact", stepID).WithPlan(planID).WithStep(stepID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}

	artifact.Payload = payload
	return artifact, nil
}

// List returns all artifacts for a plan ordered by (step id, version).
func (s *SQLiteStore) List(ctx context.Context, planID string) ([]engine.Artifact, error) {
	query := `
		SELECT plan_id, step_id, version, payload, checksum, created_at
		FROM artifacts
		WHERE plan_id = ?
		ORDER BY step_id ASC, version ASC
	`

	rows, err := s.db.QueryContext(ctx, query, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	artifacts := []engine.Artifact{}
	for rows.Next() {
		artifact := engine.Artifact{}
		var payload []byte
		err := rows.Scan(
			&artifact.PlanID,
			&artifact.StepID,
			&artifact.Version,
			&payload,
			&artifact.Checksum,
			&artifact.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		artifact.Payload = payload
		artifacts = append(artifacts, artifact)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating artifacts: %w", err)
	}

	return artifacts, nil
}

// Append records one trace event.
func (s *SQLiteStore) Append(ctx context.Context, event *engine.TraceEvent) error {
	query := `
		INSERT INTO trace_events (plan_id, step_id, kind, timestamp, duration_ns, error)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.PlanID,
		event.StepID,
		string(event.Kind),
		event.Timestamp.UTC(),
		int64(event.Duration),
		event.Error,
	)

	if err != nil {
		return fmt.Errorf("failed to append trace event: %w", err)
	}

	return nil
}

// Events returns the trace for a plan in append order.
func (s *SQLiteStore) Events(ctx context.Context, planID string) ([]engine.TraceEvent, error) {
	query := `
		SELECT plan_id, step_id, kind, timestamp, duration_ns, error
		FROM trace_events
		WHERE plan_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to get trace events: %w", err)
	}
	defer rows.Close()

	events := []engine.TraceEvent{}
	for rows.Next() {
		event := engine.TraceEvent{}
		var kind string
		var durationNS int64
		err := rows.Scan(
			&event.PlanID,
			&event.StepID,
			&kind,
			&event.Timestamp,
			&durationNS,
			&event.Error,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trace event: %w", err)
		}
		event.Kind = engine.TraceKind(kind)
		event.Duration = time.Duration(durationNS)
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trace events: %w", err)
	}

	return events, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanPlan scans one plan row and decodes its JSON blobs.
func (s *SQLiteStore) scanPlan(row scanner, id string) (*engine.Plan, error) {
	plan := &engine.Plan{}
	var state string
	var series, steps, notes []byte
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(
		&plan.ID,
		&plan.CreatedAt,
		&plan.Goal,
		&plan.TemplateID,
		&plan.Horizon,
		&series,
		&state,
		&steps,
		&notes,
		&startedAt,
		&finishedAt,
	)

	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError("plan", id).WithPlan(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}

	plan.State = engine.PlanState(state)
	if len(series) > 0 {
		if err := json.Unmarshal(series, &plan.InputSeries); err != nil {
			return nil, fmt.Errorf("failed to decode input series: %w", err)
		}
	}
	if err := json.Unmarshal(steps, &plan.Steps); err != nil {
		return nil, fmt.Errorf("failed to decode steps: %w", err)
	}
	if len(notes) > 0 {
		if err := json.Unmarshal(notes, &plan.RiskNotes); err != nil {
			return nil, fmt.Errorf("failed to decode risk notes: %w", err)
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		plan.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		plan.FinishedAt = &t
	}

	return plan, nil
}

// encodePlanBlobs serializes the plan's JSON-stored columns.
func encodePlanBlobs(plan *engine.Plan) (steps, notes, series []byte, err error) {
	steps, err = json.Marshal(plan.Steps)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode steps: %w", err)
	}
	if plan.RiskNotes != nil {
		notes, err = json.Marshal(plan.RiskNotes)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to encode risk notes: %w", err)
		}
	}
	if plan.InputSeries != nil {
		series, err = json.Marshal(plan.InputSeries)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to encode input series: %w", err)
		}
	}
	return steps, notes, series, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// isUniqueViolation reports whether the error is a SQLite unique constraint
// failure. modernc.org/sqlite surfaces these in the message text.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
