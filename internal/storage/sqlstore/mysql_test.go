package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"OpenEcon-Agent/internal/config"
	"OpenEcon-Agent/internal/metrics"
	"OpenEcon-Agent/internal/prompts"
)

func TestMySQLRunMigrations(t *testing.T) {
	t.Parallel()

	files, err := loadMigrationFiles(DialectMySQL)
	if err != nil {
		t.Fatalf("load migrations failed: %v", err)
	}
	if len(files) == 0 {
		t.Fatalf("expected embedded mysql migrations")
	}

	ops := []mockOperation{
		execOp(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{
			columns: []string{"version"},
			values:  [][]driver.Value{{files[0].version}},
		}),
	}
	for _, file := range files[1:] {
		ops = append(ops, beginOp())
		for _, stmt := range file.statements {
			ops = append(ops, execOp(stmt, mockResult{}))
		}
		ops = append(ops,
			execOp(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, mockResult{rowsAffected: 1}),
			commitOp(),
		)
	}

	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	if err := runMigrations(context.Background(), db, DialectMySQL); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestMySQLMigrationRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	files, err := loadMigrationFiles(DialectMySQL)
	if err != nil {
		t.Fatalf("load migrations failed: %v", err)
	}

	failing := execOp(files[0].statements[0], mockResult{})
	failing.err = fmt.Errorf("Error 1050: table exists")
	db, driver := newMockDB(t, []mockOperation{
		execOp(`CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`, mockResult{}),
		queryOp(`SELECT version FROM schema_migrations`, mockRowsData{columns: []string{"version"}}),
		beginOp(),
		failing,
		rollbackOp(),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	if err := runMigrations(context.Background(), db, DialectMySQL); err == nil {
		t.Fatalf("expected migration error")
	}
}

func TestMySQLSettingsSeedAndSnapshot(t *testing.T) {
	t.Parallel()

	var ops []mockOperation
	for range prompts.Roles() {
		ops = append(ops, execOp(`INSERT IGNORE INTO prompts (nombre, contenido, updated_at) VALUES (?, ?, ?)`, mockResult{rowsAffected: 1}))
	}
	ops = append(ops,
		queryOp(`SELECT clave, valor FROM configuracion`, mockRowsData{
			columns: []string{"clave", "valor"},
			values:  [][]driver.Value{{config.KeyModel, "deepseek-reasoner"}},
		}),
		queryOp(`SELECT nombre, contenido FROM prompts`, mockRowsData{
			columns: []string{"nombre", "contenido"},
			values: [][]driver.Value{
				{"langgraph_trm", "Eres el agente TRM."},
				{"obsoleto", "ignorado"},
			},
		}),
		execOp(`INSERT INTO configuracion (clave, valor, updated_at) VALUES (?, ?, ?)
        ON DUPLICATE KEY UPDATE valor = VALUES(valor), updated_at = VALUES(updated_at)`, mockResult{rowsAffected: 1}),
	)

	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	ctx := context.Background()
	settings, err := NewSettings(ctx, &Store{db: db, dialect: DialectMySQL}, config.LLMConfig{Provider: "deepseek", Model: "deepseek-chat"})
	if err != nil {
		t.Fatalf("new settings failed: %v", err)
	}

	snap, err := settings.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if snap.Model != "deepseek-reasoner" {
		t.Fatalf("expected stored model, got %q", snap.Model)
	}
	if snap.Prompts[prompts.RoleExchangeRate] != "Eres el agente TRM." {
		t.Fatalf("legacy prompt name not mapped: %q", snap.Prompts[prompts.RoleExchangeRate])
	}

	if err := settings.SaveValue(ctx, config.KeyAPIKey, "sk-nuevo"); err != nil {
		t.Fatalf("save value failed: %v", err)
	}
}

func TestMySQLConsultasAppendAndRead(t *testing.T) {
	t.Parallel()

	at := time.Date(2024, 12, 1, 10, 0, 0, 0, time.UTC)
	db, driver := newMockDB(t, []mockOperation{
		execOp(`INSERT INTO consultas
        (id, consultado_en, pregunta, respuesta, latencia_ms, tokens_in, tokens_out, costo_usd, modelo, backend, ruta)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, mockResult{lastInsertID: 1, rowsAffected: 1}),
		queryOp(`SELECT `+consultaColumns+` FROM consultas ORDER BY seq DESC LIMIT ?`, mockRowsData{
			columns: strings.Split(consultaColumns, ", "),
			values: [][]driver.Value{
				{"b", at.Add(time.Minute).UnixMilli(), "p2", "r2", 20.0, int64(2), int64(5), 0.0002, "deepseek/deepseek-chat", "single_agent", ""},
				{"a", at.UnixMilli(), "p1", "r1", 10.0, int64(1), int64(4), 0.0001, "deepseek/deepseek-chat", "multi_agent", "trade"},
			},
		}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	log := NewConsultas(&Store{db: db, dialect: DialectMySQL})
	ctx := context.Background()
	if err := log.Append(ctx, metrics.Record{ID: "a", Timestamp: at, Question: "p1"}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	records, err := log.Read(ctx, 2)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(records) != 2 || records[0].ID != "a" || records[1].ID != "b" {
		t.Fatalf("records not in chronological order: %+v", records)
	}
	if !records[0].Timestamp.Equal(at) || records[0].Route != "trade" {
		t.Fatalf("unexpected record: %+v", records[0])
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
	name := fmt.Sprintf("mock-sqlstore-%d", driverSeq.Add(1))
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

func rollbackOp() mockOperation { return mockOperation{typ: opRollback} }

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) Open(string) (driver.Conn, error) {
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

func (c *mockConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	op, err := c.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) ExecContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Result, error) {
	op, err := c.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) QueryContext(_ context.Context, query string, _ []driver.NamedValue) (driver.Rows, error) {
	op, err := c.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) Ping(context.Context) error { return nil }

func (c *mockConn) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&c.driver.idx))
	if idx >= len(c.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &c.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", op.typ, expected)
	}
	atomic.AddInt32(&c.driver.idx, 1)
	if op.query != "" {
		if want, got := normalizeSQL(op.query), normalizeSQL(query); want != got {
			return nil, fmt.Errorf("unexpected query. want %q got %q", want, got)
		}
	}
	return op, nil
}

type mockTx struct {
	driver *queueDriver
}

func (t *mockTx) Commit() error {
	op, err := t.next(opCommit)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) Rollback() error {
	op, err := t.next(opRollback)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) next(expected operationType) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&t.driver.idx))
	if idx >= len(t.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &t.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", op.typ, expected)
	}
	atomic.AddInt32(&t.driver.idx, 1)
	return op, nil
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
	return strings.Join(strings.Fields(query), " ")
}
