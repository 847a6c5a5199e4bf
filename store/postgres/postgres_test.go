package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/flowforge/store"
	"github.com/flowforge/flowforge/workflow"
)

func testDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlx.NewDb(db, "pgx"), mock
}

func testDefinition(name string) *workflow.Definition {
	return &workflow.Definition{
		Name:            name,
		StartActivityID: "a",
		Activities:      []workflow.ActivityDefinition{{ID: "a", Type: "log"}},
	}
}

func TestDefinitionGetActive(t *testing.T) {
	db, mock := testDB(t)
	s := &DefinitionStore{db: db}

	doc, err := json.Marshal(testDefinition("order"))
	require.NoError(t, err)
	mock.ExpectQuery(`SELECT doc FROM workflow_definitions WHERE name = \$1 AND is_active`).
		WithArgs("order").
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow(doc))

	def, err := s.Get(context.Background(), "order", 0)
	require.NoError(t, err)
	require.Equal(t, "order", def.Name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDefinitionGetNotFound(t *testing.T) {
	db, mock := testDB(t)
	s := &DefinitionStore{db: db}

	mock.ExpectQuery(`SELECT doc FROM workflow_definitions WHERE name = \$1 AND version = \$2`).
		WithArgs("missing", 3).
		WillReturnRows(sqlmock.NewRows([]string{"doc"}))

	_, err := s.Get(context.Background(), "missing", 3)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDefinitionSaveAssignsNextVersion(t *testing.T) {
	db, mock := testDB(t)
	s := &DefinitionStore{db: db}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\) FROM workflow_definitions`).
		WithArgs("order").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(2))
	mock.ExpectExec(`UPDATE workflow_definitions SET is_active = FALSE`).
		WithArgs("order").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`INSERT INTO workflow_definitions`).
		WithArgs("order", 3, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	saved, err := s.Save(context.Background(), testDefinition("order"))
	require.NoError(t, err)
	require.Equal(t, 3, saved.Version)
	require.True(t, saved.IsActive)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDefinitionSaveRejectsInvalid(t *testing.T) {
	db, _ := testDB(t)
	s := &DefinitionStore{db: db}

	_, err := s.Save(context.Background(), &workflow.Definition{Name: "bad"})
	require.ErrorIs(t, err, workflow.ErrInvalidDefinition)
}

func TestDefinitionSetActiveNotFound(t *testing.T) {
	db, mock := testDB(t)
	s := &DefinitionStore{db: db}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE workflow_definitions SET is_active = FALSE`).
		WithArgs("order", 9).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE workflow_definitions SET is_active = \$3`).
		WithArgs("order", 9, true, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.SetActive(context.Background(), "order", 9, true)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestInstanceCreateAndGet(t *testing.T) {
	db, mock := testDB(t)
	s := &InstanceStore{db: db}
	now := time.Now().UTC()
	inst := &workflow.Instance{
		ID:           "inst-1",
		WorkflowName: "order",
		Status:       workflow.StatusRunning,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	mock.ExpectExec(`INSERT INTO workflow_instances`).
		WithArgs("inst-1", "order", int(workflow.StatusRunning), "", now, now, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.Create(context.Background(), inst))

	doc, err := json.Marshal(inst)
	require.NoError(t, err)
	mock.ExpectQuery(`SELECT doc FROM workflow_instances WHERE id = \$1`).
		WithArgs("inst-1").
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow(doc))

	got, err := s.Get(context.Background(), "inst-1")
	require.NoError(t, err)
	require.Equal(t, workflow.StatusRunning, got.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInstanceUpdateNotFound(t *testing.T) {
	db, mock := testDB(t)
	s := &InstanceStore{db: db}
	now := time.Now().UTC()

	mock.ExpectExec(`UPDATE workflow_instances SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.Update(context.Background(), &workflow.Instance{ID: "missing", UpdatedAt: now})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestInstanceQueryFiltersAndPages(t *testing.T) {
	db, mock := testDB(t)
	s := &InstanceStore{db: db}

	inst := &workflow.Instance{ID: "inst-1", WorkflowName: "order", Status: workflow.StatusCompleted}
	doc, err := json.Marshal(inst)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM workflow_instances WHERE workflow_name = \$1`).
		WithArgs("order").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectQuery(`SELECT doc FROM workflow_instances WHERE workflow_name = \$1 ORDER BY created_at DESC NULLS LAST LIMIT \$2 OFFSET \$3`).
		WithArgs("order", 2, 4).
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow(doc))

	insts, total, err := s.Query(context.Background(),
		store.InstanceFilter{WorkflowName: "order"},
		store.Sort{Field: "createdAt", Descending: true},
		store.Page{Offset: 4, Limit: 2})
	require.NoError(t, err)
	require.Equal(t, 7, total)
	require.Len(t, insts, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInstanceGetTimedOut(t *testing.T) {
	db, mock := testDB(t)
	s := &InstanceStore{db: db}

	mock.ExpectQuery(`SELECT doc FROM workflow_instances WHERE status = \$1 AND updated_at < \$2`).
		WithArgs(int(workflow.StatusRunning), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"doc"}))

	insts, err := s.GetTimedOut(context.Background(), time.Hour)
	require.NoError(t, err)
	require.Empty(t, insts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInstanceStats(t *testing.T) {
	db, mock := testDB(t)
	s := &InstanceStore{db: db}

	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM workflow_instances GROUP BY status`).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow(int(workflow.StatusRunning), 3).
			AddRow(int(workflow.StatusCompleted), 5))

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(8), stats.Total)
	require.Equal(t, int64(3), stats.ByStatus[workflow.StatusRunning])
	require.Equal(t, int64(5), stats.ByStatus[workflow.StatusCompleted])
}

func TestExecutionGetLatest(t *testing.T) {
	db, mock := testDB(t)
	s := &ExecutionStore{db: db}

	exec := &workflow.Execution{ID: "ex-3", InstanceID: "inst-1", ActivityID: "a", Attempt: 3}
	doc, err := json.Marshal(exec)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT doc FROM activity_executions WHERE instance_id = \$1 AND activity_id = \$2 ORDER BY attempt DESC`).
		WithArgs("inst-1", "a").
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow(doc))

	got, err := s.GetLatest(context.Background(), "inst-1", "a")
	require.NoError(t, err)
	require.Equal(t, 3, got.Attempt)
}

func TestExecutionCreateAndUpdate(t *testing.T) {
	db, mock := testDB(t)
	s := &ExecutionStore{db: db}
	now := time.Now().UTC()
	exec := &workflow.Execution{ID: "ex-1", InstanceID: "inst-1", ActivityID: "a", Attempt: 1, StartedAt: now}

	mock.ExpectExec(`INSERT INTO activity_executions`).
		WithArgs("ex-1", "inst-1", "a", 1, now, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.Create(context.Background(), exec))

	mock.ExpectExec(`UPDATE activity_executions SET doc = \$2 WHERE id = \$1`).
		WithArgs("ex-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	exec.Status = workflow.ActivityCompleted
	require.NoError(t, s.Update(context.Background(), exec))
	require.NoError(t, mock.ExpectationsWereMet())
}
