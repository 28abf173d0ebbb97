// Package metrics implements the per-request cost model and the aggregation of
// consultation records into operational metrics.
package metrics

import (
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Record is one completed consultation. Records are created once by the
// pipeline and never modified afterwards.
type Record struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Question     string    `json:"pregunta"`
	Answer       string    `json:"respuesta"`
	LatencyMS    float64   `json:"latencia_ms"`
	InputTokens  int       `json:"tokens_in"`
	OutputTokens int       `json:"tokens_out"`
	CostUSD      float64   `json:"costo_usd"`
	Model        string    `json:"modelo"`
	Strategy     string    `json:"backend"`
	Route        string    `json:"ruta,omitempty"`
}

// NewRecord builds a record, estimating tokens from the question and answer and
// pricing them for the given provider.
func NewRecord(prices PriceTable, provider, model, strategy, route, question, answer string, latency time.Duration, at time.Time) Record {
	in := EstimateTokens(question)
	out := EstimateTokens(answer)
	return Record{
		ID:           uuid.NewString(),
		Timestamp:    at,
		Question:     question,
		Answer:       answer,
		LatencyMS:    Round(float64(latency)/float64(time.Millisecond), 1),
		InputTokens:  in,
		OutputTokens: out,
		CostUSD:      Round(prices.Cost(provider, in, out), 6),
		Model:        provider + "/" + model,
		Strategy:     strategy,
		Route:        route,
	}
}

// EstimateTokens approximates the token count as one token per four characters,
// with a floor of one. It is not a tokenizer and must not be used for billing.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text) / 4
	if n < 1 {
		return 1
	}
	return n
}

// Price is the USD price per 1000 tokens.
type Price struct {
	Input  float64 `json:"input" yaml:"input"`
	Output float64 `json:"output" yaml:"output"`
}

// FallbackPrice applies to providers missing from the table.
var FallbackPrice = Price{Input: 0.001, Output: 0.003}

// PriceTable maps a provider name to its price.
type PriceTable map[string]Price

// DefaultPrices returns the built-in approximate provider prices.
func DefaultPrices() PriceTable {
	return PriceTable{
		"anthropic": {Input: 0.003, Output: 0.015},
		"openai":    {Input: 0.00015, Output: 0.0006},
		"deepseek":  {Input: 0.00014, Output: 0.00028},
		"ollama":    {Input: 0, Output: 0},
		"qwen":      {Input: 0.0005, Output: 0.0015},
		"zhipu":     {Input: 0.0007, Output: 0.0007},
		"moonshot":  {Input: 0.001, Output: 0.003},
	}
}

// With returns a copy of the table with overrides applied.
func (t PriceTable) With(overrides map[string]Price) PriceTable {
	out := make(PriceTable, len(t)+len(overrides))
	for k, v := range t {
		out[k] = v
	}
	for k, v := range overrides {
		out[strings.ToLower(k)] = v
	}
	return out
}

// Lookup returns the provider price or FallbackPrice.
func (t PriceTable) Lookup(provider string) Price {
	if p, ok := t[strings.ToLower(strings.TrimSpace(provider))]; ok {
		return p
	}
	return FallbackPrice
}

// Cost returns (in*input + out*output) / 1000.
func (t PriceTable) Cost(provider string, inputTokens, outputTokens int) float64 {
	p := t.Lookup(provider)
	return (float64(inputTokens)*p.Input + float64(outputTokens)*p.Output) / 1000
}

// Percentile returns the nearest-rank percentile of an ascending slice:
// index = max(0, ceil(n*p/100) - 1). It returns 0 for an empty slice.
func Percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(float64(len(sorted))*p/100)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Round rounds v to the given number of decimals.
func Round(v float64, decimals int) float64 {
	pow := math.Pow(10, float64(decimals))
	return math.Round(v*pow) / pow
}

// NoDataMessage is reported when there are no records to aggregate.
const NoDataMessage = "No hay consultas registradas aún."

// Summary is the aggregate view over a set of records.
type Summary struct {
	NoData  bool   `json:"sin_datos,omitempty"`
	Message string `json:"mensaje,omitempty"`

	Count            int            `json:"total_consultas"`
	MeanLatencyMS    float64        `json:"latencia_promedio_ms"`
	MinLatencyMS     float64        `json:"latencia_min_ms"`
	MaxLatencyMS     float64        `json:"latencia_max_ms"`
	P50LatencyMS     float64        `json:"latencia_p50_ms"`
	P95LatencyMS     float64        `json:"latencia_p95_ms"`
	P99LatencyMS     float64        `json:"latencia_p99_ms"`
	InputTokens      int            `json:"tokens_in_total"`
	OutputTokens     int            `json:"tokens_out_total"`
	TotalTokens      int            `json:"tokens_total"`
	TotalCostUSD     float64        `json:"costo_total_usd"`
	MeanCostUSD      float64        `json:"costo_promedio_usd"`
	CostPer1KTokens  float64        `json:"costo_por_mil_tokens"`
	ByModel          map[string]int `json:"consultas_por_modelo"`
	ByStrategy       map[string]int `json:"consultas_por_backend"`
	FirstConsultedAt time.Time      `json:"primera_consulta"`
	LastConsultedAt  time.Time      `json:"ultima_consulta"`
}

// Aggregate computes the summary of records. An empty input yields a Summary
// with NoData set instead of dividing by zero.
func Aggregate(records []Record) Summary {
	if len(records) == 0 {
		return Summary{NoData: true, Message: NoDataMessage}
	}

	n := len(records)
	latencies := make([]float64, 0, n)
	s := Summary{
		Count:            n,
		ByModel:          make(map[string]int),
		ByStrategy:       make(map[string]int),
		FirstConsultedAt: records[0].Timestamp,
		LastConsultedAt:  records[0].Timestamp,
	}

	var latencySum, cost float64
	for _, r := range records {
		latencies = append(latencies, r.LatencyMS)
		latencySum += r.LatencyMS
		cost += r.CostUSD
		s.InputTokens += r.InputTokens
		s.OutputTokens += r.OutputTokens

		model := r.Model
		if model == "" {
			model = "desconocido"
		}
		s.ByModel[model]++
		if r.Strategy != "" {
			s.ByStrategy[r.Strategy]++
		}
		if r.Timestamp.Before(s.FirstConsultedAt) {
			s.FirstConsultedAt = r.Timestamp
		}
		if r.Timestamp.After(s.LastConsultedAt) {
			s.LastConsultedAt = r.Timestamp
		}
	}
	sort.Float64s(latencies)

	s.MeanLatencyMS = Round(latencySum/float64(n), 1)
	s.MinLatencyMS = Round(latencies[0], 1)
	s.MaxLatencyMS = Round(latencies[n-1], 1)
	s.P50LatencyMS = Round(Percentile(latencies, 50), 1)
	s.P95LatencyMS = Round(Percentile(latencies, 95), 1)
	s.P99LatencyMS = Round(Percentile(latencies, 99), 1)

	s.TotalTokens = s.InputTokens + s.OutputTokens
	s.TotalCostUSD = Round(cost, 4)
	s.MeanCostUSD = Round(cost/float64(n), 6)
	tokens := s.TotalTokens
	if tokens < 1 {
		tokens = 1
	}
	s.CostPer1KTokens = Round(cost/float64(tokens)*1000, 4)
	return s
}

// Entry is the condensed history view of a record.
type Entry struct {
	Timestamp    time.Time `json:"timestamp"`
	Question     string    `json:"pregunta"`
	LatencyMS    float64   `json:"latencia_ms"`
	OutputTokens int       `json:"tokens_out"`
	CostUSD      float64   `json:"costo_usd"`
	Model        string    `json:"modelo"`
	Strategy     string    `json:"backend"`
	Route        string    `json:"ruta,omitempty"`
}

// History returns the last n records newest first, with questions truncated
// to 80 characters. n <= 0 keeps every record.
func History(records []Record, n int) []Entry {
	if n > 0 && len(records) > n {
		records = records[len(records)-n:]
	}
	out := make([]Entry, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		out = append(out, Entry{
			Timestamp:    r.Timestamp,
			Question:     Truncate(r.Question, 80),
			LatencyMS:    r.LatencyMS,
			OutputTokens: r.OutputTokens,
			CostUSD:      r.CostUSD,
			Model:        r.Model,
			Strategy:     r.Strategy,
			Route:        r.Route,
		})
	}
	return out
}

// Truncate shortens text to max characters, appending "..." when cut.
func Truncate(text string, max int) string {
	if utf8.RuneCountInString(text) <= max {
		return text
	}
	return string([]rune(text)[:max]) + "..."
}
