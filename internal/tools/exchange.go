package tools

import (
	"context"
	"fmt"
	"math"

	"OpenEcon-Agent/internal/datasource"
)

type currentRate struct {
	Month          string  `json:"mes"`
	Year           int     `json:"año"`
	Rate           float64 `json:"trm"`
	ChangePct      float64 `json:"variacion_pct"`
	PreviousRate   float64 `json:"trm_mes_anterior"`
	Interpretation string  `json:"interpretacion"`
	Note           string  `json:"nota"`
}

type ratePoint struct {
	Month     string  `json:"mes"`
	Rate      float64 `json:"trm"`
	ChangePct float64 `json:"variacion_pct"`
}

type rateHistory struct {
	Period     string      `json:"periodo"`
	From       string      `json:"desde"`
	To         string      `json:"hasta"`
	Min        float64     `json:"trm_minimo"`
	Max        float64     `json:"trm_maximo"`
	Mean       float64     `json:"trm_promedio"`
	Cumulative float64     `json:"variacion_acumulada_pct"`
	Trend      string      `json:"tendencia"`
	Series     []ratePoint `json:"serie_mensual"`
}

// ExchangeRateGroup 构建汇率工具组。
func ExchangeRateGroup(source datasource.ExchangeRateSource) *Group {
	return NewGroup(DomainExchangeRate,
		Tool{
			Name: "obtener_trm_actual",
			Description: "Retorna la tasa representativa del mercado (TRM) más reciente " +
				"junto con la variación respecto al mes anterior. No requiere parámetros.",
			Run: func(ctx context.Context, _ Args) Result {
				return currentTRM(ctx, source)
			},
		},
		Tool{
			Name: "analizar_historico_trm",
			Description: "Analiza la tendencia del TRM durante los últimos N meses: mínimo, máximo, " +
				"promedio y variación acumulada del período.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"meses": map[string]any{
						"type":        "integer",
						"description": "número de meses a analizar (1-12, default 6)",
						"minimum":     1,
						"maximum":     12,
					},
				},
			},
			Run: func(ctx context.Context, args Args) Result {
				months, err := args.Int("meses", 6, 1, 12)
				if err != nil {
					return Failure("%v", err)
				}
				return historyTRM(ctx, source, months)
			},
		},
	)
}

func currentTRM(ctx context.Context, source datasource.ExchangeRateSource) Result {
	rates, err := source.Rates(ctx, 0)
	if err != nil {
		return Failure("No se pudo leer la serie TRM: %v", err)
	}
	if len(rates) < 2 {
		return Failure("La serie TRM necesita al menos dos meses, hay %d", len(rates))
	}
	last, prev := rates[len(rates)-1], rates[len(rates)-2]

	direction := "bajó"
	if last.ChangePct > 0 {
		direction = "subió"
	}
	return Success(currentRate{
		Month:        last.MonthName,
		Year:         last.Year,
		Rate:         last.Rate,
		ChangePct:    round2(last.ChangePct),
		PreviousRate: prev.Rate,
		Interpretation: fmt.Sprintf("El dólar %s %.2f%% en %s respecto a %s.",
			direction, math.Abs(last.ChangePct), last.MonthName, prev.MonthName),
		Note: "Fuente: Banco de la República",
	})
}

func historyTRM(ctx context.Context, source datasource.ExchangeRateSource, months int) Result {
	rates, err := source.Rates(ctx, 0)
	if err != nil {
		return Failure("Error analizando TRM: %v", err)
	}
	if len(rates) == 0 {
		return Failure("Error analizando TRM: serie vacía")
	}
	if len(rates) > months {
		rates = rates[len(rates)-months:]
	}

	first, last := rates[0], rates[len(rates)-1]
	if first.Rate == 0 {
		return Failure("Error analizando TRM: valor inicial igual a cero")
	}
	out := rateHistory{
		Period: fmt.Sprintf("últimos %d meses de %d", months, last.Year),
		From:   first.MonthName,
		To:     last.MonthName,
		Min:    first.Rate,
		Max:    first.Rate,
		Trend:  "bajista",
	}
	var sum float64
	for _, r := range rates {
		out.Min = math.Min(out.Min, r.Rate)
		out.Max = math.Max(out.Max, r.Rate)
		sum += r.Rate
		out.Series = append(out.Series, ratePoint{Month: r.MonthName, Rate: r.Rate, ChangePct: round2(r.ChangePct)})
	}
	out.Mean = round2(sum / float64(len(rates)))
	out.Cumulative = round2((last.Rate - first.Rate) / first.Rate * 100)
	if out.Cumulative > 0 {
		out.Trend = "alcista"
	}
	return Success(out)
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func round1(v float64) float64 { return math.Round(v*10) / 10 }
