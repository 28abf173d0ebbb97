package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenEcon-Agent/internal/auth"
	"OpenEcon-Agent/internal/config"
	xerrors "OpenEcon-Agent/internal/errors"
	"OpenEcon-Agent/internal/metrics"
	obsmetrics "OpenEcon-Agent/internal/observability/metrics"
	"OpenEcon-Agent/internal/pipeline"
	"OpenEcon-Agent/internal/router"
	"OpenEcon-Agent/internal/task"
	"OpenEcon-Agent/internal/tools"
)

type fakeConsultations struct {
	lastRequest pipeline.Request
	err         error
	persistErr  error
	records     []metrics.Record
}

func (f *fakeConsultations) ProcessRequest(_ context.Context, req pipeline.Request) (*pipeline.Result, error) {
	f.lastRequest = req
	if f.err != nil {
		return nil, f.err
	}
	record := metrics.Record{ID: "r-1", Question: req.Question, Answer: "La TRM es 4.100 COP\n\nFuentes: [TRM]", Model: "deepseek/deepseek-chat", Strategy: "multi_agent", Route: "exchange_rate"}
	f.records = append(f.records, record)
	return &pipeline.Result{
		Record:        record,
		Route:         router.RouteExchangeRate,
		Justification: "pregunta sobre tasa de cambio",
		Specialists:   []tools.Domain{tools.DomainExchangeRate},
		PersistErr:    f.persistErr,
	}, nil
}

func (f *fakeConsultations) AggregateMetrics(context.Context) (metrics.Summary, error) {
	return metrics.Aggregate(f.records), nil
}

func (f *fakeConsultations) History(_ context.Context, n int) ([]metrics.Entry, error) {
	return metrics.History(f.records, n), nil
}

func (f *fakeConsultations) ExportCSV(_ context.Context, w io.Writer, _ int) error {
	_, err := io.WriteString(w, "timestamp,pregunta\n2024-12-01T10:00:00Z,¿TRM?\n")
	return err
}

func (f *fakeConsultations) Dashboard(_ context.Context, _ int) (metrics.Dashboard, error) {
	return metrics.NewDashboard(f.records, metrics.DefaultPrices(), "deepseek", "deepseek-chat", time.Date(2024, 12, 1, 10, 0, 0, 0, time.UTC)), nil
}

type testServer struct {
	handler   http.Handler
	fake      *fakeConsultations
	store     *task.MemoryStore
	collector *obsmetrics.Collector
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	fake := &fakeConsultations{}
	store := task.NewMemoryStore()
	queue := task.NewMemoryQueue(8)
	collector := obsmetrics.NewCollector()
	settings := config.NewStaticSettings(config.LLMConfig{Provider: "openai", Model: "gpt-4o-mini", Timeout: time.Minute})
	server := NewServer(":0", fake,
		WithTaskService(task.NewService(store, queue, 3)),
		WithSettings(settings),
		WithCollector(collector),
	)
	return &testServer{handler: server.Handler(), fake: fake, store: store, collector: collector}
}

func (ts *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func TestConsultaSuccess(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(http.MethodPost, "/api/v1/consultas", `{"pregunta":"¿Cuál es la TRM hoy?","backend":"multi_agent","temperatura":0.3}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got consultaResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Contains(t, got.Answer, "Fuentes: [TRM]")
	assert.Equal(t, "exchange_rate", got.Route)
	assert.Equal(t, []string{"exchange_rate"}, got.Specialists)
	assert.True(t, got.Persisted)
	require.NotNil(t, ts.fake.lastRequest.Temperature)
	assert.Equal(t, 0.3, *ts.fake.lastRequest.Temperature)

	assert.Contains(t, ts.collector.Render(), `openecon_http_requests_total{code="200",handler="consultas",method="POST"} 1`)
}

func TestConsultaReportsPersistenceFailureWithoutFailing(t *testing.T) {
	ts := newTestServer(t)
	ts.fake.persistErr = errors.New("disco lleno")
	rec := ts.do(http.MethodPost, "/api/v1/consultas", `{"pregunta":"¿Cuál es la TRM hoy?"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"persistido":false`)
}

func TestConsultaErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		body   string
		status int
		stage  string
	}{
		{name: "malformed body", body: `{"pregunta":`, status: http.StatusBadRequest, stage: "validation"},
		{name: "validation", err: xerrors.New(xerrors.CodeInvalidArgument, "问题过短"), status: http.StatusBadRequest, stage: "validation"},
		{name: "specialist", err: xerrors.New(xerrors.CodeSpecialistFailure, "agente sin respuesta"), status: http.StatusBadGateway, stage: "specialist"},
		{name: "synthesis", err: xerrors.New(xerrors.CodeSynthesisFailure, "vacío"), status: http.StatusBadGateway, stage: "synthesis"},
		{name: "timeout", err: xerrors.New(xerrors.CodeTimeout, "plazo agotado", xerrors.WithStage(xerrors.StageSpecialist)), status: http.StatusGatewayTimeout, stage: "specialist"},
		{name: "model unavailable", err: xerrors.New(xerrors.CodeModelUnavailable, "sin clave", xerrors.WithStage(xerrors.StageConfiguration)), status: http.StatusServiceUnavailable, stage: "configuration"},
		{name: "untyped", err: errors.New("pánico"), status: http.StatusInternalServerError, stage: "unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.fake.err = tc.err
			body := tc.body
			if body == "" {
				body = `{"pregunta":"¿Cuál es la TRM hoy?"}`
			}
			rec := ts.do(http.MethodPost, "/api/v1/consultas", body)
			assert.Equal(t, tc.status, rec.Code)

			var got errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
			if tc.stage == "unknown" {
				assert.Empty(t, got.Stage)
			} else {
				assert.Equal(t, tc.stage, got.Stage)
			}
			assert.NotEmpty(t, got.Code)
		})
	}
}

func TestMetricsHistoryAndExport(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/api/v1/metricas", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), metrics.NoDataMessage)

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, ts.do(http.MethodPost, "/api/v1/consultas", `{"pregunta":"¿Cuál es la TRM hoy?"}`).Code)
	}
	rec = ts.do(http.MethodGet, "/api/v1/metricas", "")
	var summary metrics.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 3, summary.Count)

	rec = ts.do(http.MethodGet, "/api/v1/historial?n=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []metrics.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	assert.Len(t, entries, 2)

	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/api/v1/historial?n=-1", "").Code)

	rec = ts.do(http.MethodGet, "/api/v1/historial/export", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "timestamp,pregunta"))

	rec = ts.do(http.MethodGet, "/api/v1/metricas/dashboard", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var dashboard metrics.Dashboard
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dashboard))
	assert.Equal(t, 3, dashboard.Count)
	assert.Equal(t, float64(metrics.SLATargetMS), dashboard.SLATargetMS)
	assert.Len(t, dashboard.Projections, len(metrics.ProjectionVolumes))
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/api/v1/metricas/dashboard?n=x", "").Code)
}

func TestTaskEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/api/v1/tasks", `{"id":"tarea-1","pregunta":"¿Cuánto exportó Colombia en 2023?"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "/api/v1/tasks/tarea-1", rec.Header().Get("Location"))

	rec = ts.do(http.MethodPost, "/api/v1/tasks", `{"pregunta":"¿?"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	require.NoError(t, ts.store.MarkSucceeded(context.Background(), "tarea-1", task.Result{Answer: "USD 49.500 millones", Route: "trade"}))

	rec = ts.do(http.MethodGet, "/api/v1/tasks/tarea-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got task.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, task.StatusSucceeded, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "trade", got.Result.Route)

	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/api/v1/tasks/missing", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, ts.do(http.MethodDelete, "/api/v1/tasks/tarea-1", "").Code)

	rec = ts.do(http.MethodGet, "/api/v1/tasks?status=succeeded&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []task.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	assert.Len(t, listed, 1)
	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/api/v1/tasks?status=done", "").Code)

	rec = ts.do(http.MethodPost, "/api/v1/tasks", `{"id":"tarea-2","pregunta":"¿Cuál fue la inflación de 2023?"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	filters := []struct {
		name  string
		query string
		ids   []string
	}{
		{"with result", "has_result=true", []string{"tarea-1"}},
		{"without result", "has_result=false", []string{"tarea-2"}},
		{"updated in the future", "updated_since=" + time.Now().Add(time.Hour).UTC().Format(time.RFC3339), nil},
		{"updated before epoch window", "updated_until=1000", nil},
		{"unix window", "updated_since=1000&has_result=true", []string{"tarea-1"}},
	}
	for _, tc := range filters {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(http.MethodGet, "/api/v1/tasks?"+tc.query, "")
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			var listed []task.Task
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
			ids := make([]string, 0, len(listed))
			for _, item := range listed {
				ids = append(ids, item.ID)
			}
			assert.ElementsMatch(t, tc.ids, ids)
		})
	}
	for _, query := range []string{"has_result=quizas", "updated_since=ayer", "updated_until=2024-13-01"} {
		assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/api/v1/tasks?"+query, "").Code, query)
	}

	rec = ts.do(http.MethodGet, "/api/v1/tasks/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats task.TaskStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Succeeded)
}

func TestModelosAndHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/api/v1/modelos", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var models modelosResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &models))
	assert.Equal(t, "openai/gpt-4o-mini", models.Current)
	assert.Contains(t, models.Providers["deepseek"], "deepseek-chat")

	rec = ts.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = ts.do(http.MethodGet, "/version", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var version versionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &version))
	assert.Equal(t, Version, version.APIVersion)
	assert.Equal(t, "openai", version.Provider)
	assert.Equal(t, metrics.DefaultPrices()["openai"], version.Prices)
}

func TestConfigIsMasked(t *testing.T) {
	settings := config.NewStaticSettings(config.LLMConfig{Provider: "deepseek", Model: "deepseek-chat", APIKey: "sk-muy-secreta", Timeout: time.Minute})
	handler := NewServer(":0", &fakeConsultations{}, WithSettings(settings), WithCollector(obsmetrics.NewCollector())).Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/config", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "sk-muy-secreta")
	var got configResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "deepseek", got.Provider)
	assert.Equal(t, "deepseek-chat", got.Model)
	assert.Equal(t, "***", got.APIKey)
	assert.Equal(t, Version, got.APIVersion)
}

func TestAdminEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPut, "/api/v1/prompts/supervisor", `{"contenido":"Clasifica con cuidado."}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = ts.do(http.MethodGet, "/api/v1/prompts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var current map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &current))
	assert.Equal(t, "Clasifica con cuidado.", current["supervisor"])
	assert.NotEmpty(t, current["synthesizer"])

	rec = ts.do(http.MethodPut, "/api/v1/config/model", `{"valor":"gpt-4o"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = ts.do(http.MethodGet, "/api/v1/modelos", "")
	assert.Contains(t, rec.Body.String(), `"actual":"openai/gpt-4o"`)

	rec = ts.do(http.MethodPut, "/api/v1/config/api_key", `{"valor":"sk-secreta"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "sk-secreta")

	cases := []struct {
		name, path, body string
		status           int
	}{
		{"unknown role", "/api/v1/prompts/poeta", `{"contenido":"x"}`, http.StatusBadRequest},
		{"empty prompt", "/api/v1/prompts/trade", `{"contenido":"  "}`, http.StatusBadRequest},
		{"unknown key", "/api/v1/config/temperatura", `{"valor":"0.5"}`, http.StatusBadRequest},
		{"unknown provider", "/api/v1/config/provider", `{"valor":"Nadie"}`, http.StatusBadRequest},
		{"malformed body", "/api/v1/config/model", `{`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(http.MethodPut, tc.path, tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
		})
	}
}

func TestAuthProtectsAPI(t *testing.T) {
	svc, err := auth.NewService(auth.Config{
		Mode: auth.ModeAPIKey,
		Keys: []auth.KeyConfig{
			{Name: "panel", Key: "clave-panel", Permissions: []string{auth.PermissionRead}},
			{Name: "ops", Key: "clave-ops", Permissions: []string{"*"}},
		},
	})
	require.NoError(t, err)
	settings := config.NewStaticSettings(config.LLMConfig{Provider: "openai", Model: "gpt-4o-mini"})
	handler := NewServer(":0", &fakeConsultations{},
		WithSettings(settings),
		WithCollector(obsmetrics.NewCollector()),
		WithAuth(svc),
	).Handler()

	call := func(method, path, token, body string) int {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, call(http.MethodGet, "/health", "", ""))
	assert.Equal(t, http.StatusOK, call(http.MethodGet, "/version", "", ""))
	assert.Equal(t, http.StatusUnauthorized, call(http.MethodGet, "/api/v1/config", "", ""))
	assert.Equal(t, http.StatusUnauthorized, call(http.MethodGet, "/api/v1/modelos", "", ""))
	assert.Equal(t, http.StatusOK, call(http.MethodGet, "/api/v1/modelos", "clave-panel", ""))
	assert.Equal(t, http.StatusForbidden, call(http.MethodPost, "/api/v1/consultas", "clave-panel", `{"pregunta":"¿TRM de hoy?"}`))
	assert.Equal(t, http.StatusForbidden, call(http.MethodPut, "/api/v1/config/model", "clave-panel", `{"valor":"gpt-4o"}`))
	assert.Equal(t, http.StatusOK, call(http.MethodPut, "/api/v1/config/model", "clave-ops", `{"valor":"gpt-4o"}`))
}

func TestServerWithoutServices(t *testing.T) {
	handler := NewServer(":0", nil, WithCollector(obsmetrics.NewCollector())).Handler()
	for _, path := range []string{"/api/v1/metricas", "/api/v1/metricas/dashboard", "/api/v1/config", "/api/v1/tasks/x"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/consultas", bytes.NewBufferString(`{}`)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/v1/config/model", bytes.NewBufferString(`{"valor":"x"}`)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWithContextRejectsAfterShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := httptest.NewRecorder()
	withContext(ctx, http.NotFoundHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
