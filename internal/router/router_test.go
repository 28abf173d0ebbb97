package router

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenEcon-Agent/internal/errors"
	"OpenEcon-Agent/internal/llm"
)

func TestParseAdversarialOutputs(t *testing.T) {
	cases := []struct {
		name     string
		raw      string
		route    Route
		fallback bool
	}{
		{"clean json", `{"route": "trade", "justification": "balanza"}`, RouteTrade, false},
		{"fenced json", "```json\n{\"route\": \"combined\", \"justification\": \"TRM y PIB\"}\n```", RouteCombined, false},
		{"legacy alias", `{"route": "trm", "justificacion": "tasa"}`, RouteExchangeRate, false},
		{"upper case", `{"route": " RAG "}`, RouteStatistics, false},
		{"invalid route value", `{"route": "weather", "justification": "x"}`, RouteStatistics, false},
		{"non-string route", `{"route": 3}`, RouteStatistics, false},
		{"missing route key", `{"ruta": "datos"}`, RouteTrade, true},
		{"malformed json", `{"route": "trade"`, RouteTrade, true},
		{"plain text priority", "I think this is about trm and datos", RouteExchangeRate, true},
		{"plain text trade", "Esto requiere DATOS de comercio", RouteTrade, true},
		{"plain text combined", "multiple agents needed", RouteCombined, true},
		{"no keywords", "no sé qué responder", RouteStatistics, true},
		{"empty", "", RouteStatistics, true},
		{"json array", `["trade"]`, RouteTrade, true},
		{"truncated json mentions another route", `{"route":"statistics","justification":"no es sobre trade"`, RouteTrade, true},
		{"truncated canonical name", `{"route":"exchange_rate","justification":"tasa`, RouteExchangeRate, true},
		{"truncated statistics only", `{"route":"statistics","justification":"inflación`, RouteStatistics, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Parse(tc.raw)
			assert.Equal(t, tc.route, d.Route)
			assert.Equal(t, tc.fallback, d.Fallback)
		})
	}
}

func TestParseKeepsJustification(t *testing.T) {
	d := Parse(`{"route":"combined","justification":" pregunta mixta "}`)
	assert.Equal(t, "pregunta mixta", d.Justification)

	long := strings.Repeat("á", 150)
	d = Parse(long)
	assert.Equal(t, strings.Repeat("á", 100), d.Justification)
}

func TestParseIsDeterministic(t *testing.T) {
	raw := "respuesta ambigua: trm? datos? multiple?"
	first := Parse(raw)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Parse(raw))
	}
}

func TestClassifySendsPromptAtZeroTemperature(t *testing.T) {
	var seen llm.Request
	client := llm.ClientFunc(func(_ context.Context, req llm.Request) (*llm.Response, error) {
		seen = req
		return &llm.Response{Message: llm.Message{Content: `{"route":"exchange_rate","justification":"dólar"}`}}, nil
	})

	d, err := NewClassifier(client).Classify(context.Background(), "¿Cómo está el dólar?", "Clasifica.")
	require.NoError(t, err)
	assert.Equal(t, Decision{Route: RouteExchangeRate, Justification: "dólar"}, d)
	assert.Equal(t, 0.0, seen.Temperature)
	assert.Empty(t, seen.Tools)
	require.Len(t, seen.Messages, 2)
	assert.Equal(t, "Clasifica.", seen.Messages[0].Content)
	assert.Equal(t, "¿Cómo está el dólar?", seen.Messages[1].Content)
}

func TestClassifyTransportFailure(t *testing.T) {
	client := llm.ClientFunc(func(context.Context, llm.Request) (*llm.Response, error) {
		return nil, errors.New("connection reset")
	})
	_, err := NewClassifier(client).Classify(context.Background(), "¿PIB?", "")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeClassificationFailure, xerrors.CodeOf(err))
	assert.Equal(t, xerrors.StageClassification, xerrors.StageOf(err))

	_, err = NewClassifier(client).Classify(context.Background(), "  ", "")
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestParseRoute(t *testing.T) {
	for _, r := range Routes() {
		got, ok := ParseRoute(string(r))
		require.True(t, ok)
		assert.Equal(t, r, got)
	}
	_, ok := ParseRoute("clima")
	assert.False(t, ok)
}
