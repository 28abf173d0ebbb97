package metrics

import (
	"sort"
	"strconv"
	"time"
)

// SLATargetMS is the latency objective a consultation should meet.
const SLATargetMS = 30000

// ProjectionVolumes are the consultation volumes used for cost projections.
var ProjectionVolumes = []int{100, 500, 1000, 5000}

// Projection is the estimated cost of a number of consultations at the
// current mean cost.
type Projection struct {
	Consultations int     `json:"consultas"`
	CostUSD       float64 `json:"costo_usd"`
}

// Dashboard extends Summary with the operational figures shown on the BI
// dashboard: quartiles, SLA compliance, provider prices and projections.
type Dashboard struct {
	Summary

	P25LatencyMS     float64      `json:"latencia_p25_ms"`
	P75LatencyMS     float64      `json:"latencia_p75_ms"`
	SLATargetMS      float64      `json:"sla_objetivo_ms"`
	SLACompliancePct float64      `json:"sla_cumplimiento_pct"`
	MeanTokens       float64      `json:"tokens_promedio"`
	Provider         string       `json:"proveedor"`
	Model            string       `json:"modelo_activo"`
	Price            Price        `json:"precio_por_mil_tokens"`
	Projections      []Projection `json:"proyecciones"`
	GeneratedAt      time.Time    `json:"generado_en"`
}

// NewDashboard builds the dashboard for records under the active provider and
// model. Empty input keeps the NoData indicator and zero figures.
func NewDashboard(records []Record, prices PriceTable, provider, model string, now time.Time) Dashboard {
	d := Dashboard{
		Summary:     Aggregate(records),
		SLATargetMS: SLATargetMS,
		Provider:    provider,
		Model:       model,
		Price:       prices.Lookup(provider),
		GeneratedAt: now,
	}

	n := len(records)
	latencies := make([]float64, 0, n)
	within := 0
	for _, r := range records {
		latencies = append(latencies, r.LatencyMS)
		if r.LatencyMS <= SLATargetMS {
			within++
		}
	}
	sort.Float64s(latencies)
	d.P25LatencyMS = Round(Percentile(latencies, 25), 1)
	d.P75LatencyMS = Round(Percentile(latencies, 75), 1)

	var meanCost float64
	if n > 0 {
		d.SLACompliancePct = Round(float64(within)/float64(n)*100, 1)
		d.MeanTokens = Round(float64(d.TotalTokens)/float64(n), 0)
		meanCost = sumCost(records) / float64(n)
	}

	d.Projections = make([]Projection, 0, len(ProjectionVolumes))
	for _, volume := range ProjectionVolumes {
		decimals := 2
		if volume < 500 {
			decimals = 4
		}
		d.Projections = append(d.Projections, Projection{
			Consultations: volume,
			CostUSD:       Round(meanCost*float64(volume), decimals),
		})
	}
	return d
}

func sumCost(records []Record) float64 {
	var total float64
	for _, r := range records {
		total += r.CostUSD
	}
	return total
}

// Sheet is one tabular export of the dashboard.
type Sheet struct {
	Name   string
	Header []string
	Rows   [][]string
}

// Sheets returns the latency, cost and KPI tables in export order.
func (d Dashboard) Sheets() []Sheet {
	latency := Sheet{
		Name:   "02_metricas_latencia.csv",
		Header: []string{"metrica", "valor", "descripcion"},
		Rows: [][]string{
			{"latencia_min_ms", formatFloat(d.MinLatencyMS), "Latencia mínima registrada"},
			{"latencia_p25_ms", formatFloat(d.P25LatencyMS), "Percentil 25 (cuartil inferior)"},
			{"latencia_p50_ms", formatFloat(d.P50LatencyMS), "Mediana (p50)"},
			{"latencia_p75_ms", formatFloat(d.P75LatencyMS), "Percentil 75 (cuartil superior)"},
			{"latencia_p95_ms", formatFloat(d.P95LatencyMS), "Percentil 95"},
			{"latencia_p99_ms", formatFloat(d.P99LatencyMS), "Percentil 99"},
			{"latencia_max_ms", formatFloat(d.MaxLatencyMS), "Latencia máxima registrada"},
			{"latencia_promedio_ms", formatFloat(d.MeanLatencyMS), "Promedio aritmético"},
			{"sla_target_ms", formatFloat(d.SLATargetMS), "SLA objetivo (30 segundos)"},
			{"sla_cumplimiento_pct", formatFloat(d.SLACompliancePct), "% consultas dentro del SLA"},
		},
	}

	costs := Sheet{
		Name:   "03_analisis_costos.csv",
		Header: []string{"categoria", "metrica", "valor", "unidad", "descripcion"},
		Rows: [][]string{
			{"Real", "total_consultas", strconv.Itoa(d.Count), "consultas", "Total consultas registradas"},
			{"Real", "costo_total_usd", formatFloat(d.TotalCostUSD), "USD", "Costo total acumulado"},
			{"Real", "costo_promedio_usd", formatFloat(d.MeanCostUSD), "USD/consulta", "Costo promedio por consulta"},
			{"Real", "tokens_promedio", formatFloat(d.MeanTokens), "tokens", "Tokens promedio por consulta"},
			{"Proveedor", "precio_input_por_1k", formatFloat(d.Price.Input), "USD/1K tokens", "Precio input - " + d.Provider},
			{"Proveedor", "precio_output_por_1k", formatFloat(d.Price.Output), "USD/1K tokens", "Precio output - " + d.Provider},
		},
	}
	for _, p := range d.Projections {
		volume := strconv.Itoa(p.Consultations)
		costs.Rows = append(costs.Rows, []string{
			"Proyeccion", "costo_" + volume + "_consultas_usd", formatFloat(p.CostUSD), "USD",
			"Costo estimado por " + volume + " consultas",
		})
	}

	kpis := Sheet{
		Name:   "04_kpi_produccion.csv",
		Header: []string{"kpi", "valor", "formato", "descripcion"},
		Rows: [][]string{
			{"total_consultas", strconv.Itoa(d.Count), "numero", "Total consultas procesadas"},
			{"latencia_p50_ms", formatFloat(d.P50LatencyMS), "ms", "Latencia mediana (p50)"},
			{"latencia_p95_ms", formatFloat(d.P95LatencyMS), "ms", "Latencia p95"},
			{"sla_cumplimiento_pct", formatFloat(d.SLACompliancePct), "porcentaje", "% consultas dentro de SLA (30s)"},
			{"costo_total_usd", formatFloat(d.TotalCostUSD), "USD", "Costo total acumulado"},
			{"costo_promedio_usd", formatFloat(d.MeanCostUSD), "USD", "Costo promedio por consulta"},
			{"llm_provider", d.Provider, "texto", "Proveedor LLM activo"},
			{"llm_model", d.Model, "texto", "Modelo LLM activo"},
			{"tokens_totales", strconv.Itoa(d.TotalTokens), "numero", "Total tokens consumidos"},
			{"generado_en", d.GeneratedAt.Format("2006-01-02 15:04"), "fecha", "Fecha de generación del reporte"},
		},
	}
	return []Sheet{latency, costs, kpis}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
