// Package postgres implements the persistence port on PostgreSQL via sqlx
// and the pgx stdlib driver.
//
// Rows store the full record as a JSONB document alongside a handful of
// indexed columns used for lookups and filtering. The document is the source
// of truth; indexed columns are derived on write.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx database/sql driver

	"github.com/flowforge/flowforge/store"
	"github.com/flowforge/flowforge/workflow"
)

// OpTimeout bounds each statement's wall-clock time.
const OpTimeout = 5 * time.Second

const schema = `
CREATE TABLE IF NOT EXISTS workflow_definitions (
	name       TEXT        NOT NULL,
	version    INTEGER     NOT NULL,
	is_active  BOOLEAN     NOT NULL DEFAULT FALSE,
	doc        JSONB       NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (name, version)
);
CREATE INDEX IF NOT EXISTS workflow_definitions_active_idx
	ON workflow_definitions (name) WHERE is_active;

CREATE TABLE IF NOT EXISTS workflow_instances (
	id             TEXT        PRIMARY KEY,
	workflow_name  TEXT        NOT NULL,
	status         INTEGER     NOT NULL,
	correlation_id TEXT,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL,
	completed_at   TIMESTAMPTZ,
	doc            JSONB       NOT NULL
);
CREATE INDEX IF NOT EXISTS workflow_instances_name_idx ON workflow_instances (workflow_name);
CREATE INDEX IF NOT EXISTS workflow_instances_status_idx ON workflow_instances (status);
CREATE INDEX IF NOT EXISTS workflow_instances_correlation_idx ON workflow_instances (correlation_id);
CREATE INDEX IF NOT EXISTS workflow_instances_updated_idx ON workflow_instances (updated_at);
CREATE INDEX IF NOT EXISTS workflow_instances_tags_idx ON workflow_instances USING GIN ((doc->'tags'));

CREATE TABLE IF NOT EXISTS activity_executions (
	id          TEXT        PRIMARY KEY,
	instance_id TEXT        NOT NULL,
	activity_id TEXT        NOT NULL,
	attempt     INTEGER     NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	doc         JSONB       NOT NULL
);
CREATE INDEX IF NOT EXISTS activity_executions_instance_idx ON activity_executions (instance_id, started_at);
CREATE INDEX IF NOT EXISTS activity_executions_latest_idx ON activity_executions (instance_id, activity_id, attempt);
`

type (
	// DefinitionStore implements store.Definitions on PostgreSQL.
	DefinitionStore struct {
		db *sqlx.DB
	}

	// InstanceStore implements store.Instances on PostgreSQL.
	InstanceStore struct {
		db *sqlx.DB
	}

	// ExecutionStore implements store.Executions on PostgreSQL.
	ExecutionStore struct {
		db *sqlx.DB
	}
)

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pctx, cancel := context.WithTimeout(ctx, OpTimeout)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// Migrate creates the FlowForge tables and indexes if they do not exist.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// NewStore bundles the three PostgreSQL repositories over one connection
// pool.
func NewStore(db *sqlx.DB) *store.Store {
	return &store.Store{
		Definitions: &DefinitionStore{db: db},
		Instances:   &InstanceStore{db: db},
		Executions:  &ExecutionStore{db: db},
	}
}

func opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, OpTimeout)
}

// Get implements store.Definitions.
func (s *DefinitionStore) Get(ctx context.Context, name string, version int) (*workflow.Definition, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	var raw []byte
	var err error
	if version == 0 {
		err = s.db.QueryRowxContext(ctx,
			`SELECT doc FROM workflow_definitions WHERE name = $1 AND is_active ORDER BY version DESC LIMIT 1`,
			name).Scan(&raw)
	} else {
		err = s.db.QueryRowxContext(ctx,
			`SELECT doc FROM workflow_definitions WHERE name = $1 AND version = $2`,
			name, version).Scan(&raw)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeDefinition(raw)
}

// GetAllVersions implements store.Definitions.
func (s *DefinitionStore) GetAllVersions(ctx context.Context, name string) ([]*workflow.Definition, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	rows, err := s.db.QueryxContext(ctx,
		`SELECT doc FROM workflow_definitions WHERE name = $1 ORDER BY version ASC`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDefinitions(rows)
}

// List implements store.Definitions.
func (s *DefinitionStore) List(ctx context.Context, includeInactive bool) ([]*workflow.Definition, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	q := `SELECT DISTINCT ON (name) doc FROM workflow_definitions`
	if !includeInactive {
		q += ` WHERE is_active`
	}
	q += ` ORDER BY name, version DESC`
	rows, err := s.db.QueryxContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDefinitions(rows)
}

// Save implements store.Definitions. The version bump and deactivation of
// prior versions happen in one transaction; a concurrent save for the same
// name surfaces as store.ErrVersionConflict.
func (s *DefinitionStore) Save(ctx context.Context, def *workflow.Definition) (*workflow.Definition, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var maxVersion int
	if err := tx.QueryRowxContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM workflow_definitions WHERE name = $1`,
		def.Name).Scan(&maxVersion); err != nil {
		return nil, err
	}

	saved := *def
	saved.Version = maxVersion + 1
	saved.IsActive = true
	now := time.Now().UTC()
	saved.CreatedAt = now
	saved.UpdatedAt = now

	if _, err := tx.ExecContext(ctx,
		`UPDATE workflow_definitions SET is_active = FALSE, doc = jsonb_set(doc, '{isActive}', 'false') WHERE name = $1`,
		def.Name); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(&saved)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO workflow_definitions (name, version, is_active, doc, created_at) VALUES ($1, $2, TRUE, $3, $4)`,
		saved.Name, saved.Version, raw, saved.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrVersionConflict
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &saved, nil
}

// SetActive implements store.Definitions.
func (s *DefinitionStore) SetActive(ctx context.Context, name string, version int, active bool) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if active {
		if _, err := tx.ExecContext(ctx,
			`UPDATE workflow_definitions SET is_active = FALSE, doc = jsonb_set(doc, '{isActive}', 'false') WHERE name = $1 AND version <> $2`,
			name, version); err != nil {
			return err
		}
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE workflow_definitions SET is_active = $3, doc = jsonb_set(jsonb_set(doc, '{isActive}', to_jsonb($3::boolean)), '{updatedAt}', to_jsonb($4::timestamptz)) WHERE name = $1 AND version = $2`,
		name, version, active, time.Now().UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return tx.Commit()
}

// Delete implements store.Definitions.
func (s *DefinitionStore) Delete(ctx context.Context, name string, version int) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_definitions WHERE name = $1 AND version = $2`, name, version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Exists implements store.Definitions.
func (s *DefinitionStore) Exists(ctx context.Context, name string) (bool, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	var exists bool
	err := s.db.QueryRowxContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM workflow_definitions WHERE name = $1)`, name).Scan(&exists)
	return exists, err
}

// Get implements store.Instances.
func (s *InstanceStore) Get(ctx context.Context, id string) (*workflow.Instance, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	var raw []byte
	err := s.db.QueryRowxContext(ctx,
		`SELECT doc FROM workflow_instances WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeInstance(raw)
}

// GetByCorrelation implements store.Instances.
func (s *InstanceStore) GetByCorrelation(ctx context.Context, correlationID string) (*workflow.Instance, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	var raw []byte
	err := s.db.QueryRowxContext(ctx,
		`SELECT doc FROM workflow_instances WHERE correlation_id = $1 ORDER BY created_at DESC LIMIT 1`,
		correlationID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeInstance(raw)
}

// Query implements store.Instances.
func (s *InstanceStore) Query(ctx context.Context, filter store.InstanceFilter, sort store.Sort, page store.Page) ([]*workflow.Instance, int, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()

	where, args := buildFilter(filter)

	var total int
	if err := s.db.QueryRowxContext(ctx,
		`SELECT COUNT(*) FROM workflow_instances`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	q := `SELECT doc FROM workflow_instances` + where + ` ORDER BY ` + sortColumn(sort.Field)
	if sort.Descending {
		q += ` DESC NULLS LAST`
	} else {
		q += ` ASC NULLS LAST`
	}
	if page.Limit > 0 {
		args = append(args, page.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if page.Offset > 0 {
		args = append(args, page.Offset)
		q += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	insts, err := scanInstances(rows)
	if err != nil {
		return nil, 0, err
	}
	return insts, total, nil
}

// GetByStatus implements store.Instances.
func (s *InstanceStore) GetByStatus(ctx context.Context, status workflow.InstanceStatus, limit int) ([]*workflow.Instance, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	q := `SELECT doc FROM workflow_instances WHERE status = $1 ORDER BY created_at ASC`
	args := []any{int(status)}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInstances(rows)
}

// Create implements store.Instances.
func (s *InstanceStore) Create(ctx context.Context, inst *workflow.Instance) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	raw, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_instances (id, workflow_name, status, correlation_id, created_at, updated_at, completed_at, doc)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8)`,
		inst.ID, inst.WorkflowName, int(inst.Status), inst.CorrelationID,
		inst.CreatedAt, inst.UpdatedAt, inst.CompletedAt, raw)
	return err
}

// Update implements store.Instances.
func (s *InstanceStore) Update(ctx context.Context, inst *workflow.Instance) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	raw, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_instances SET status = $2, correlation_id = NULLIF($3, ''), updated_at = $4, completed_at = $5, doc = $6 WHERE id = $1`,
		inst.ID, int(inst.Status), inst.CorrelationID, inst.UpdatedAt, inst.CompletedAt, raw)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Delete implements store.Instances.
func (s *InstanceStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflow_instances WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetTimedOut implements store.Instances.
func (s *InstanceStore) GetTimedOut(ctx context.Context, olderThan time.Duration) ([]*workflow.Instance, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := s.db.QueryxContext(ctx,
		`SELECT doc FROM workflow_instances WHERE status = $1 AND updated_at < $2 ORDER BY updated_at ASC`,
		int(workflow.StatusRunning), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInstances(rows)
}

// Stats implements store.Instances.
func (s *InstanceStore) Stats(ctx context.Context) (store.InstanceStats, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	stats := store.InstanceStats{ByStatus: make(map[workflow.InstanceStatus]int64)}
	rows, err := s.db.QueryxContext(ctx,
		`SELECT status, COUNT(*) FROM workflow_instances GROUP BY status`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var status int
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return stats, err
		}
		stats.ByStatus[workflow.InstanceStatus(status)] = count
		stats.Total += count
	}
	return stats, rows.Err()
}

// GetByInstance implements store.Executions.
func (s *ExecutionStore) GetByInstance(ctx context.Context, instanceID string) ([]*workflow.Execution, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	rows, err := s.db.QueryxContext(ctx,
		`SELECT doc FROM activity_executions WHERE instance_id = $1 ORDER BY started_at ASC`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanExecutions(rows)
}

// Get implements store.Executions.
func (s *ExecutionStore) Get(ctx context.Context, id string) (*workflow.Execution, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	var raw []byte
	err := s.db.QueryRowxContext(ctx,
		`SELECT doc FROM activity_executions WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeExecution(raw)
}

// Create implements store.Executions.
func (s *ExecutionStore) Create(ctx context.Context, exec *workflow.Execution) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	raw, err := json.Marshal(exec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO activity_executions (id, instance_id, activity_id, attempt, started_at, doc)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		exec.ID, exec.InstanceID, exec.ActivityID, exec.Attempt, exec.StartedAt, raw)
	return err
}

// Update implements store.Executions.
func (s *ExecutionStore) Update(ctx context.Context, exec *workflow.Execution) error {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	raw, err := json.Marshal(exec)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE activity_executions SET doc = $2 WHERE id = $1`, exec.ID, raw)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetLatest implements store.Executions.
func (s *ExecutionStore) GetLatest(ctx context.Context, instanceID, activityID string) (*workflow.Execution, error) {
	ctx, cancel := opCtx(ctx)
	defer cancel()
	var raw []byte
	err := s.db.QueryRowxContext(ctx,
		`SELECT doc FROM activity_executions WHERE instance_id = $1 AND activity_id = $2 ORDER BY attempt DESC LIMIT 1`,
		instanceID, activityID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeExecution(raw)
}

func buildFilter(filter store.InstanceFilter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.WorkflowName != "" {
		add(`workflow_name = $%d`, filter.WorkflowName)
	}
	if filter.CorrelationID != "" {
		add(`correlation_id = $%d`, filter.CorrelationID)
	}
	if len(filter.Statuses) > 0 {
		vals := make([]int32, len(filter.Statuses))
		for i, s := range filter.Statuses {
			vals[i] = int32(s)
		}
		add(`status = ANY($%d)`, vals)
	}
	if filter.Tag != "" {
		add(`doc->'tags' ? $%d`, filter.Tag)
	}
	if filter.CreatedFrom != nil {
		add(`created_at >= $%d`, *filter.CreatedFrom)
	}
	if filter.CreatedTo != nil {
		add(`created_at <= $%d`, *filter.CreatedTo)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return ` WHERE ` + strings.Join(conds, ` AND `), args
}

func sortColumn(field string) string {
	switch field {
	case "updatedAt":
		return "updated_at"
	case "completedAt":
		return "completed_at"
	default:
		return "created_at"
	}
}

func isUniqueViolation(err error) bool {
	// 23505 is the PostgreSQL unique_violation SQLSTATE.
	var coder interface{ SQLState() string }
	return errors.As(err, &coder) && coder.SQLState() == "23505"
}

func decodeDefinition(raw []byte) (*workflow.Definition, error) {
	var def workflow.Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	return &def, nil
}

func decodeInstance(raw []byte) (*workflow.Instance, error) {
	var inst workflow.Instance
	if err := json.Unmarshal(raw, &inst); err != nil {
		return nil, fmt.Errorf("decode instance: %w", err)
	}
	return &inst, nil
}

func decodeExecution(raw []byte) (*workflow.Execution, error) {
	var exec workflow.Execution
	if err := json.Unmarshal(raw, &exec); err != nil {
		return nil, fmt.Errorf("decode execution: %w", err)
	}
	return &exec, nil
}

func scanDefinitions(rows *sqlx.Rows) ([]*workflow.Definition, error) {
	var out []*workflow.Definition
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		def, err := decodeDefinition(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

func scanInstances(rows *sqlx.Rows) ([]*workflow.Instance, error) {
	var out []*workflow.Instance
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		inst, err := decodeInstance(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func scanExecutions(rows *sqlx.Rows) ([]*workflow.Execution, error) {
	var out []*workflow.Execution
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		exec, err := decodeExecution(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}
