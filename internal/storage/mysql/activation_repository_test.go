package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/go-cmp/cmp"

	"ExtensionHost/deploy/migrations"
	xerrors "ExtensionHost/internal/errors"
)

func TestFileActivationRepositoryPersistsAndRestores(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	repo, err := NewFileActivationRepository(dir)
	if err != nil {
		t.Fatalf("failed to create file repo: %v", err)
	}

	ctx := context.Background()
	records := []ActivationRecord{
		{ActivationID: "1", ExtensionID: "a", Trigger: "*", StartedAt: 10, DurationMS: 3},
		{ActivationID: "2", ExtensionID: "b", Trigger: "*", Failed: true, ErrorCode: "UNKNOWN_DEPENDENCY", Error: "missing x", StartedAt: 11},
		{ActivationID: "3", ExtensionID: "a", Trigger: "activate:a", StartedAt: 12},
	}
	for _, record := range records {
		if err := repo.Save(ctx, record); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}

	latest, err := repo.ListLatest(ctx, 2)
	if err != nil {
		t.Fatalf("list latest failed: %v", err)
	}
	if len(latest) != 2 || latest[0].ActivationID != "3" || latest[1].ActivationID != "2" {
		t.Fatalf("unexpected latest: %+v", latest)
	}

	reopened, err := NewFileActivationRepository(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	byExt, err := reopened.ListByExtension(ctx, "a", 0)
	if err != nil {
		t.Fatalf("list by extension failed: %v", err)
	}
	want := []ActivationRecord{records[2], records[0]}
	if diff := cmp.Diff(want, byExt); diff != "" {
		t.Fatalf("restored records mismatch (-want +got):\n%s", diff)
	}
}

func TestSQLActivationRepositorySave(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		execOp(insertActivationSQL, mockResult{lastInsertID: 1, rowsAffected: 1}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	repo := &SQLActivationRepository{db: db}
	record := ActivationRecord{ActivationID: "id-1", ExtensionID: "a", Trigger: "*", StartedAt: 1, DurationMS: 2}
	if err := repo.Save(context.Background(), record); err != nil {
		t.Fatalf("save failed: %v", err)
	}
}

func TestSQLActivationRepositorySaveIgnoresDuplicate(t *testing.T) {
	t.Parallel()

	op := execOp(insertActivationSQL, mockResult{})
	op.err = &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}
	db, driver := newMockDB(t, []mockOperation{op})
	defer driver.assertConsumed(t)
	defer db.Close()

	repo := &SQLActivationRepository{db: db}
	if err := repo.Save(context.Background(), ActivationRecord{ActivationID: "dup", ExtensionID: "a"}); err != nil {
		t.Fatalf("duplicate insert should be ignored, got %v", err)
	}
}

func TestSQLActivationRepositorySaveFailureIsRetryable(t *testing.T) {
	t.Parallel()

	op := execOp(insertActivationSQL, mockResult{})
	op.err = &mysql.MySQLError{Number: 1205, Message: "Lock wait timeout exceeded"}
	db, driver := newMockDB(t, []mockOperation{op})
	defer driver.assertConsumed(t)
	defer db.Close()

	repo := &SQLActivationRepository{db: db}
	err := repo.Save(context.Background(), ActivationRecord{ActivationID: "x", ExtensionID: "a"})
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure || !xerrors.RetryableError(err) {
		t.Fatalf("expected retryable storage failure, got %v", err)
	}
}

func TestSQLActivationRepositoryListLatest(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: []string{"activation_id", "extension_id", "activation_trigger", "failed", "error_code", "error_message", "started_at", "duration_ms"},
		values: [][]driver.Value{
			{"2", "b", "*", int64(1), "DEPENDENCY_LOOP", "loop", int64(20), int64(0)},
			{"1", "a", "*", int64(0), "", nil, int64(10), int64(5)},
		},
	}
	db, driver := newMockDB(t, []mockOperation{
		queryOp(selectActivationColumns+` ORDER BY started_at DESC, id DESC LIMIT ?`, rows),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	repo := &SQLActivationRepository{db: db}
	list, err := repo.ListLatest(context.Background(), 2)
	if err != nil {
		t.Fatalf("list latest failed: %v", err)
	}
	want := []ActivationRecord{
		{ActivationID: "2", ExtensionID: "b", Trigger: "*", Failed: true, ErrorCode: "DEPENDENCY_LOOP", Error: "loop", StartedAt: 20},
		{ActivationID: "1", ExtensionID: "a", Trigger: "*", StartedAt: 10, DurationMS: 5},
	}
	if diff := cmp.Diff(want, list); diff != "" {
		t.Fatalf("list mismatch (-want +got):\n%s", diff)
	}
}

func TestSQLActivationRepositoryListByExtension(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: []string{"activation_id", "extension_id", "activation_trigger", "failed", "error_code", "error_message", "started_at", "duration_ms"},
		values:  [][]driver.Value{{"1", "a", "*", int64(0), "", nil, int64(10), int64(5)}},
	}
	db, driver := newMockDB(t, []mockOperation{
		queryOp(selectActivationColumns+` WHERE extension_id = ? ORDER BY started_at DESC, id DESC LIMIT ?`, rows),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	repo := &SQLActivationRepository{db: db}
	list, err := repo.ListByExtension(context.Background(), "a", 0)
	if err != nil {
		t.Fatalf("list by extension failed: %v", err)
	}
	if len(list) != 1 || list[0].ExtensionID != "a" {
		t.Fatalf("unexpected list: %+v", list)
	}
}

func testMigrator(db *sql.DB, files fstest.MapFS) *migrator {
	return &migrator{
		db:     db,
		files:  files,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    func() time.Time { return time.UnixMilli(1000) },
	}
}

func TestMigratorAppliesPendingChangesInOrder(t *testing.T) {
	t.Parallel()

	files := fstest.MapFS{
		"0002_add_index.sql":          {Data: []byte("-- speeds up lookups\nCREATE INDEX idx_b ON b (id);")},
		"0001_create_activations.sql": {Data: []byte("CREATE TABLE a (id INT);\nCREATE TABLE b (id INT);")},
		"README.md":                   {Data: []byte("not a migration")},
	}
	ops := []mockOperation{
		execOp(createSchemaVersionsSQL, mockResult{}),
		queryOp(selectSchemaVersionsSQL, mockRowsData{columns: []string{"version"}}),
		beginOp(),
		execOp("CREATE TABLE a (id INT)", mockResult{}),
		execOp("CREATE TABLE b (id INT)", mockResult{}),
		execOp(insertSchemaVersionSQL, mockResult{rowsAffected: 1}),
		commitOp(),
		beginOp(),
		execOp("CREATE INDEX idx_b ON b (id)", mockResult{}),
		execOp(insertSchemaVersionSQL, mockResult{rowsAffected: 1}),
		commitOp(),
	}
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	done, err := testMigrator(db, files).Up(context.Background())
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if diff := cmp.Diff([]int{1, 2}, done); diff != "" {
		t.Fatalf("applied versions mismatch (-want +got):\n%s", diff)
	}
}

func TestMigratorSkipsAppliedVersions(t *testing.T) {
	t.Parallel()

	ops := []mockOperation{
		execOp(createSchemaVersionsSQL, mockResult{}),
		queryOp(selectSchemaVersionsSQL, mockRowsData{
			columns: []string{"version"},
			values:  [][]driver.Value{{int64(1)}},
		}),
	}
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	done, err := newMigrator(db).Up(context.Background())
	if err != nil || len(done) != 0 {
		t.Fatalf("expected nothing applied, got %v err %v", done, err)
	}
}

func TestMigratorRollsBackFailedChange(t *testing.T) {
	t.Parallel()

	files := fstest.MapFS{"0001_broken.sql": {Data: []byte("CREATE TABLE broken")}}
	ops := []mockOperation{
		execOp(createSchemaVersionsSQL, mockResult{}),
		queryOp(selectSchemaVersionsSQL, mockRowsData{columns: []string{"version"}}),
		beginOp(),
		{typ: opExec, query: "CREATE TABLE broken", err: errors.New("syntax error")},
		{typ: opRollback},
	}
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	_, err := testMigrator(db, files).Up(context.Background())
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected storage failure, got %v", err)
	}
}

func TestReadSchemaChangesValidatesNames(t *testing.T) {
	t.Parallel()

	if _, err := readSchemaChanges(fstest.MapFS{"create.sql": {Data: []byte("SELECT 1")}}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument for unnumbered file, got %v", err)
	}
	dup := fstest.MapFS{
		"0001_a.sql": {Data: []byte("SELECT 1")},
		"1_b.sql":    {Data: []byte("SELECT 2")},
	}
	if _, err := readSchemaChanges(dup); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected conflict for duplicate versions, got %v", err)
	}

	changes, err := readSchemaChanges(migrations.Files)
	if err != nil || len(changes) == 0 || changes[0].version != 1 {
		t.Fatalf("embedded migrations unreadable: %+v %v", changes, err)
	}
	if !strings.Contains(changes[0].statements[0], "extension_activations") {
		t.Fatalf("unexpected first statement %q", changes[0].statements[0])
	}
}

func TestNormalizeDSN(t *testing.T) {
	t.Parallel()

	dsn, err := normalizeDSN("user:pass@tcp(localhost:3306)/exthost")
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if !strings.Contains(dsn, "parseTime=true") {
		t.Fatalf("parseTime not enabled: %s", dsn)
	}
	if _, err := normalizeDSN("  "); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid argument for empty dsn, got %v", err)
	}
}

func TestSplitStatementsDropsComments(t *testing.T) {
	t.Parallel()

	got := splitStatements("-- header\nCREATE TABLE a (id INT);\n\n CREATE TABLE b (id INT);  ")
	if diff := cmp.Diff([]string{"CREATE TABLE a (id INT)", "CREATE TABLE b (id INT)"}, got); diff != "" {
		t.Fatalf("statements mismatch (-want +got):\n%s", diff)
	}
}

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops []mockOperation
	idx int32
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-mysql-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func beginOp() mockOperation { return mockOperation{typ: opBegin} }

func commitOp() mockOperation { return mockOperation{typ: opCommit} }

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) Open(name string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *mockConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	op, err := c.driver.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) Ping(ctx context.Context) error { return nil }

func (d *queueDriver) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&d.idx))
	if idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &d.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&d.idx, 1)
	if op.query != "" {
		expectedSQL := normalizeSQL(op.query)
		actualSQL := normalizeSQL(query)
		if expectedSQL != actualSQL {
			return nil, fmt.Errorf("unexpected query. want %q got %q", expectedSQL, actualSQL)
		}
	}
	return op, nil
}

type mockTx struct {
	driver *queueDriver
}

func (t *mockTx) Commit() error {
	op, err := t.driver.next(opCommit, "")
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) Rollback() error {
	op, err := t.driver.next(opRollback, "")
	if err != nil {
		return err
	}
	return op.err
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func normalizeSQL(query string) string {
	fields := strings.Fields(query)
	return strings.Join(fields, " ")
}
