package pipeline

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	xerrors "OpenEcon-Agent/internal/errors"
	"OpenEcon-Agent/internal/metrics"
)

// AggregateMetrics 读取全部记录并汇总；没有记录时返回 NoData 摘要。
func (p *Pipeline) AggregateMetrics(ctx context.Context) (metrics.Summary, error) {
	records, err := p.log.Read(ctx, 0)
	if err != nil {
		return metrics.Summary{}, err
	}
	return metrics.Aggregate(records), nil
}

// History 返回最近 n 条记录，最新的在前。
func (p *Pipeline) History(ctx context.Context, n int) ([]metrics.Entry, error) {
	records, err := p.log.Read(ctx, n)
	if err != nil {
		return nil, err
	}
	return metrics.History(records, n), nil
}

// Dashboard 汇总最近 n 条记录（n<=0 表示全部）的运营指标，价格取当前服务商。
func (p *Pipeline) Dashboard(ctx context.Context, n int) (metrics.Dashboard, error) {
	snap, err := p.settings.Snapshot(ctx)
	if err != nil {
		return metrics.Dashboard{}, xerrors.Wrap(xerrors.CodeConfigFailure, err, "读取配置失败")
	}
	records, err := p.log.Read(ctx, n)
	if err != nil {
		return metrics.Dashboard{}, err
	}
	return metrics.NewDashboard(records, p.prices, snap.Provider, snap.Model, p.now()), nil
}

// ExportDashboard 在 dir 下写出咨询明细与仪表盘各表，返回写入的文件路径。
func (p *Pipeline) ExportDashboard(ctx context.Context, dir string, n int) ([]string, error) {
	dashboard, err := p.Dashboard(ctx, n)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnknown, err, "创建导出目录失败")
	}

	var written []string
	logPath := filepath.Join(dir, "01_consultas_log.csv")
	if err := writeFile(logPath, func(w io.Writer) error { return p.ExportCSV(ctx, w, n) }); err != nil {
		return nil, err
	}
	written = append(written, logPath)

	for _, sheet := range dashboard.Sheets() {
		path := filepath.Join(dir, sheet.Name)
		err := writeFile(path, func(w io.Writer) error {
			return writeCSV(w, sheet.Header, sheet.Rows)
		})
		if err != nil {
			return nil, err
		}
		written = append(written, path)
	}
	return written, nil
}

func writeFile(path string, fill func(io.Writer) error) error {
	file, err := os.Create(path)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUnknown, err, "创建导出文件失败")
	}
	if err := fill(file); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return xerrors.Wrap(xerrors.CodeUnknown, err, "写入导出文件失败")
	}
	return nil
}

var csvHeader = []string{"timestamp", "pregunta", "latencia_ms", "tokens_out", "costo_usd", "modelo", "backend"}

// ExportCSV 将最近 n 条历史写为 CSV，n<=0 表示全部。
func (p *Pipeline) ExportCSV(ctx context.Context, w io.Writer, n int) error {
	entries, err := p.History(ctx, n)
	if err != nil {
		return err
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.Timestamp.Format(time.RFC3339),
			e.Question,
			strconv.FormatFloat(e.LatencyMS, 'f', -1, 64),
			strconv.Itoa(e.OutputTokens),
			strconv.FormatFloat(e.CostUSD, 'f', -1, 64),
			e.Model,
			e.Strategy,
		})
	}
	return writeCSV(w, csvHeader, rows)
}

func writeCSV(w io.Writer, header []string, rows [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return xerrors.Wrap(xerrors.CodeUnknown, err, "写入 CSV 失败")
	}
	if err := cw.WriteAll(rows); err != nil {
		return xerrors.Wrap(xerrors.CodeUnknown, err, "写入 CSV 失败")
	}
	return nil
}
