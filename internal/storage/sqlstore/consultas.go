package sqlstore

import (
	"context"
	"database/sql"
	"time"

	xerrors "OpenEcon-Agent/internal/errors"
	"OpenEcon-Agent/internal/metrics"
	"OpenEcon-Agent/internal/metricslog"
)

// Consultas 是基于 consultas 表的咨询记录日志。
type Consultas struct {
	db *sql.DB
}

var _ metricslog.Log = (*Consultas)(nil)

// NewConsultas 创建咨询记录日志。
func NewConsultas(store *Store) *Consultas {
	return &Consultas{db: store.db}
}

const consultaColumns = `id, consultado_en, pregunta, respuesta, latencia_ms, tokens_in, tokens_out, costo_usd, modelo, backend, ruta`

// Append 实现 metricslog.Log。
func (c *Consultas) Append(ctx context.Context, record metrics.Record) error {
	const stmt = `INSERT INTO consultas
        (id, consultado_en, pregunta, respuesta, latencia_ms, tokens_in, tokens_out, costo_usd, modelo, backend, ruta)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := c.db.ExecContext(ctx, stmt,
		record.ID,
		record.Timestamp.UnixMilli(),
		record.Question,
		record.Answer,
		record.LatencyMS,
		record.InputTokens,
		record.OutputTokens,
		record.CostUSD,
		record.Model,
		record.Strategy,
		record.Route,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入咨询记录失败")
	}
	return nil
}

// Read 实现 metricslog.Log。
func (c *Consultas) Read(ctx context.Context, limit int) ([]metrics.Record, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = c.db.QueryContext(ctx, `SELECT `+consultaColumns+`
        FROM consultas ORDER BY seq DESC LIMIT ?`, limit)
	} else {
		rows, err = c.db.QueryContext(ctx, `SELECT `+consultaColumns+`
        FROM consultas ORDER BY seq DESC`)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询咨询记录失败")
	}
	defer rows.Close()

	records := []metrics.Record{}
	for rows.Next() {
		var (
			r  metrics.Record
			at int64
		)
		if err := rows.Scan(&r.ID, &at, &r.Question, &r.Answer, &r.LatencyMS, &r.InputTokens, &r.OutputTokens, &r.CostUSD, &r.Model, &r.Strategy, &r.Route); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析咨询记录失败")
		}
		r.Timestamp = time.UnixMilli(at).UTC()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历咨询记录失败")
	}

	// 查询按新到旧排列，日志约定按时间顺序返回。
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// Close 实现 metricslog.Log；连接池归 Store 所有，这里不关闭。
func (c *Consultas) Close() error { return nil }
