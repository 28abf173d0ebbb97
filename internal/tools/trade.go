package tools

import (
	"context"
	"sort"

	"OpenEcon-Agent/internal/datasource"
)

type tradePoint struct {
	Month   string  `json:"mes"`
	Exports float64 `json:"exportaciones"`
	Imports float64 `json:"importaciones"`
	Balance float64 `json:"balanza"`
}

type tradeBalance struct {
	Year            int          `json:"año"`
	TotalExports    float64      `json:"total_exportaciones_usd"`
	TotalImports    float64      `json:"total_importaciones_usd"`
	AnnualBalance   float64      `json:"balanza_anual_usd"`
	Kind            string       `json:"tipo_balanza"`
	PeakExportMonth string       `json:"mes_mayor_exportacion"`
	PeakImportMonth string       `json:"mes_mayor_importacion"`
	Series          []tradePoint `json:"serie_mensual"`
	Note            string       `json:"nota"`
}

type sectorRow struct {
	Sector          string  `json:"sector"`
	ValueUSDMill    float64 `json:"valor_usd_mill"`
	SharePct        float64 `json:"participacion_pct"`
	AnnualChangePct float64 `json:"variacion_anual_pct"`
}

type sectorShare struct {
	Sector       string  `json:"sector"`
	SharePct     float64 `json:"participacion_pct"`
	ValueUSDMill float64 `json:"valor_usd_mill"`
}

type sectorGrowth struct {
	Sector          string  `json:"sector"`
	AnnualChangePct float64 `json:"variacion_anual_pct"`
}

type sectorReport struct {
	Year         int            `json:"año"`
	TotalExports float64        `json:"total_exportaciones_usd"`
	Sectors      []sectorRow    `json:"sectores_por_participacion"`
	Top3         []sectorShare  `json:"top_3_sectores"`
	Growth       []sectorGrowth `json:"sectores_con_mayor_crecimiento"`
	Note         string         `json:"nota"`
}

// TradeGroup 构建外贸工具组。
func TradeGroup(source datasource.TradeSource) *Group {
	return NewGroup(DomainTrade,
		Tool{
			Name: "consultar_balanza_comercial",
			Description: "Retorna la balanza comercial mensual de Colombia: exportaciones, importaciones " +
				"y saldo. Un saldo negativo es déficit comercial. No requiere parámetros.",
			Run: func(ctx context.Context, _ Args) Result {
				return balance(ctx, source)
			},
		},
		Tool{
			Name: "analizar_sectores_exportacion",
			Description: "Retorna la estructura de las exportaciones por sector económico: valor, " +
				"participación porcentual y variación anual. No requiere parámetros.",
			Run: func(ctx context.Context, _ Args) Result {
				return sectors(ctx, source)
			},
		},
	)
}

func balance(ctx context.Context, source datasource.TradeSource) Result {
	months, err := source.Balance(ctx, 0)
	if err != nil {
		return Failure("Error leyendo la balanza comercial: %v", err)
	}
	if len(months) == 0 {
		return Failure("Error leyendo la balanza comercial: serie vacía")
	}

	out := tradeBalance{
		Year: months[0].Year,
		Note: "Valores en millones de dólares USD · Fuente DANE/DIAN",
	}
	peakExp, peakImp := months[0], months[0]
	var exp, imp float64
	for _, m := range months {
		exp += m.Exports
		imp += m.Imports
		if m.Exports > peakExp.Exports {
			peakExp = m
		}
		if m.Imports > peakImp.Imports {
			peakImp = m
		}
		out.Series = append(out.Series, tradePoint{
			Month:   m.MonthName,
			Exports: m.Exports,
			Imports: m.Imports,
			Balance: round1(m.Balance()),
		})
	}
	out.TotalExports = round1(exp)
	out.TotalImports = round1(imp)
	out.AnnualBalance = round1(exp - imp)
	out.Kind = "déficit"
	if out.AnnualBalance >= 0 {
		out.Kind = "superávit"
	}
	out.PeakExportMonth = peakExp.MonthName
	out.PeakImportMonth = peakImp.MonthName
	return Success(out)
}

func sectors(ctx context.Context, source datasource.TradeSource) Result {
	rows, err := source.Sectors(ctx, 0)
	if err != nil {
		return Failure("Error leyendo los sectores de exportación: %v", err)
	}
	if len(rows) == 0 {
		return Failure("Error leyendo los sectores de exportación: sin datos")
	}

	byShare := append([]datasource.Sector(nil), rows...)
	sort.SliceStable(byShare, func(i, j int) bool { return byShare[i].SharePct > byShare[j].SharePct })

	out := sectorReport{
		Year: byShare[0].Year,
		Note: "Valores en millones USD · Participación sobre total exportaciones",
	}
	var total float64
	for i, s := range byShare {
		total += s.ValueUSDMill
		out.Sectors = append(out.Sectors, sectorRow{
			Sector:          s.Name,
			ValueUSDMill:    s.ValueUSDMill,
			SharePct:        s.SharePct,
			AnnualChangePct: s.AnnualChangePct,
		})
		if i < 3 {
			out.Top3 = append(out.Top3, sectorShare{Sector: s.Name, SharePct: s.SharePct, ValueUSDMill: s.ValueUSDMill})
		}
	}
	out.TotalExports = round1(total)

	growing := make([]datasource.Sector, 0, len(byShare))
	for _, s := range byShare {
		if s.AnnualChangePct > 0 {
			growing = append(growing, s)
		}
	}
	sort.SliceStable(growing, func(i, j int) bool { return growing[i].AnnualChangePct > growing[j].AnnualChangePct })
	for i, s := range growing {
		if i == 3 {
			break
		}
		out.Growth = append(out.Growth, sectorGrowth{Sector: s.Name, AnnualChangePct: s.AnnualChangePct})
	}
	return Success(out)
}
