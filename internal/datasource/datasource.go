// Package datasource 提供汇率与外贸数据的表格化读取接口。
package datasource

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	xerrors "OpenEcon-Agent/internal/errors"
)

// MonthlyRate 是某月的 TRM（美元兑比索代表性汇率）。
type MonthlyRate struct {
	Year      int     `yaml:"year" json:"year"`
	Month     int     `yaml:"month" json:"month"`
	MonthName string  `yaml:"month_name" json:"month_name"`
	Rate      float64 `yaml:"rate" json:"rate"`
	ChangePct float64 `yaml:"change_pct" json:"change_pct"`
}

// TradeMonth 是某月的进出口额（百万美元）。
type TradeMonth struct {
	Year      int     `yaml:"year" json:"year"`
	Month     int     `yaml:"month" json:"month"`
	MonthName string  `yaml:"month_name" json:"month_name"`
	Exports   float64 `yaml:"exports_usd_mill" json:"exports_usd_mill"`
	Imports   float64 `yaml:"imports_usd_mill" json:"imports_usd_mill"`
}

// Balance 返回当月贸易差额。
func (m TradeMonth) Balance() float64 { return m.Exports - m.Imports }

// Sector 是某年某出口行业的数据。
type Sector struct {
	Year            int     `yaml:"year" json:"year"`
	Name            string  `yaml:"sector" json:"sector"`
	ValueUSDMill    float64 `yaml:"value_usd_mill" json:"value_usd_mill"`
	SharePct        float64 `yaml:"share_pct" json:"share_pct"`
	AnnualChangePct float64 `yaml:"annual_change_pct" json:"annual_change_pct"`
}

// ExchangeRateSource 按年份返回按月份排序的汇率；year 为 0 表示最近一年。
type ExchangeRateSource interface {
	Rates(ctx context.Context, year int) ([]MonthlyRate, error)
}

// TradeSource 按年份返回外贸数据；year 为 0 表示最近一年。
type TradeSource interface {
	Balance(ctx context.Context, year int) ([]TradeMonth, error)
	Sectors(ctx context.Context, year int) ([]Sector, error)
}

// Dataset 是数据文件的结构。
type Dataset struct {
	ExchangeRate []MonthlyRate `yaml:"exchange_rate"`
	Trade        []TradeMonth  `yaml:"trade"`
	Sectors      []Sector      `yaml:"sectors"`
}

// Static 是基于内存数据集的实现，加载后只读。
type Static struct {
	mu   sync.RWMutex
	data Dataset
}

var (
	_ ExchangeRateSource = (*Static)(nil)
	_ TradeSource        = (*Static)(nil)
)

// NewStatic 使用给定数据集创建数据源。
func NewStatic(data Dataset) *Static {
	sort.Slice(data.ExchangeRate, func(i, j int) bool {
		return less(data.ExchangeRate[i].Year, data.ExchangeRate[i].Month, data.ExchangeRate[j].Year, data.ExchangeRate[j].Month)
	})
	sort.Slice(data.Trade, func(i, j int) bool {
		return less(data.Trade[i].Year, data.Trade[i].Month, data.Trade[j].Year, data.Trade[j].Month)
	})
	return &Static{data: data}
}

// LoadStatic 从 YAML 文件加载数据集。
func LoadStatic(path string) (*Static, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取数据集失败: %w", err)
	}
	var data Dataset
	if err := yaml.Unmarshal(content, &data); err != nil {
		return nil, fmt.Errorf("解析数据集失败: %w", err)
	}
	return NewStatic(data), nil
}

func less(y1, m1, y2, m2 int) bool {
	if y1 != y2 {
		return y1 < y2
	}
	return m1 < m2
}

// Rates 实现 ExchangeRateSource。
func (s *Static) Rates(_ context.Context, year int) ([]MonthlyRate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	year = latest(year, len(s.data.ExchangeRate), func(i int) int { return s.data.ExchangeRate[i].Year })
	var out []MonthlyRate
	for _, r := range s.data.ExchangeRate {
		if r.Year == year {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil, notFound("汇率", year)
	}
	return out, nil
}

// Balance 实现 TradeSource。
func (s *Static) Balance(_ context.Context, year int) ([]TradeMonth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	year = latest(year, len(s.data.Trade), func(i int) int { return s.data.Trade[i].Year })
	var out []TradeMonth
	for _, m := range s.data.Trade {
		if m.Year == year {
			out = append(out, m)
		}
	}
	if len(out) == 0 {
		return nil, notFound("贸易差额", year)
	}
	return out, nil
}

// Sectors 实现 TradeSource。
func (s *Static) Sectors(_ context.Context, year int) ([]Sector, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	year = latest(year, len(s.data.Sectors), func(i int) int { return s.data.Sectors[i].Year })
	var out []Sector
	for _, sec := range s.data.Sectors {
		if sec.Year == year {
			out = append(out, sec)
		}
	}
	if len(out) == 0 {
		return nil, notFound("出口行业", year)
	}
	return out, nil
}

func latest(year, n int, at func(int) int) int {
	if year != 0 {
		return year
	}
	for i := 0; i < n; i++ {
		if y := at(i); y > year {
			year = y
		}
	}
	return year
}

func notFound(what string, year int) error {
	return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("没有 %d 年的%s数据", year, what),
		xerrors.WithMetadata("year", fmt.Sprint(year)))
}
