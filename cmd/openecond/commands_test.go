package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenEcon-Agent/internal/metrics"
)

// fakeCompletions 模拟 OpenAI 兼容的 /chat/completions，总是直接给出答案。
func fakeCompletions(t *testing.T, answer string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-prueba", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{"role": "assistant", "content": answer},
			}},
			"usage": map[string]int{"prompt_tokens": 20, "completion_tokens": 12},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	root, err := filepath.Abs(filepath.Join("..", ".."))
	require.NoError(t, err)

	dir := t.TempDir()
	content := body + `
logging:
  level: error
  output_paths: [stderr]
data:
  datasets_path: ` + filepath.Join(root, "configs", "datos", "datasets.yaml") + `
  documents_dir: ` + filepath.Join(root, "configs", "documentos") + `
`
	path := filepath.Join(dir, "openecon.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestAskRecordsConsultationInSQLite(t *testing.T) {
	srv, calls := fakeCompletions(t, "La TRM promedio de 2024 fue cercana a 4.070 COP por dólar.")
	path := writeConfig(t, `
llm:
  provider: openai
  model: gpt-4o-mini
  api_key: sk-prueba
  base_url: `+srv.URL+`
storage:
  sql:
    driver: sqlite
`)

	out, _, err := execute(t, "ask", "--config", path, "--backend", "single_agent", "¿Cuál fue la TRM promedio en 2024?")
	require.NoError(t, err)
	assert.Contains(t, out, "4.070 COP")
	assert.Contains(t, out, "gpt-4o-mini")
	assert.Contains(t, out, "single_agent")
	assert.GreaterOrEqual(t, calls.Load(), int32(1))

	out, _, err = execute(t, "metrics", "--config", path)
	require.NoError(t, err)
	var summary metrics.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, 1, summary.Count)
	assert.Equal(t, 1, summary.ByStrategy["single_agent"])

	out, _, err = execute(t, "history", "--config", path, "-n", "5")
	require.NoError(t, err)
	var entries []metrics.Entry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	assert.Len(t, entries, 1)

	export := filepath.Join(t.TempDir(), "historial.csv")
	_, _, err = execute(t, "export", "--config", path, "-o", export)
	require.NoError(t, err)
	content, err := os.ReadFile(export)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "timestamp,pregunta,latencia_ms,tokens_out,costo_usd,modelo,backend", lines[0])

	out, _, err = execute(t, "export", "--config", path, "--dashboard")
	require.NoError(t, err)
	var dashboard metrics.Dashboard
	require.NoError(t, json.Unmarshal([]byte(out), &dashboard))
	assert.Equal(t, 1, dashboard.Count)
	assert.Equal(t, 100.0, dashboard.SLACompliancePct)
	assert.Equal(t, "openai", dashboard.Provider)
	require.Len(t, dashboard.Projections, 4)

	dir := filepath.Join(t.TempDir(), "resultados")
	out, _, err = execute(t, "export", "--config", path, "--dashboard", "-o", dir)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 4)
	assert.FileExists(t, filepath.Join(dir, "03_analisis_costos.csv"))
}

func TestAskRejectsInvalidQuestion(t *testing.T) {
	srv, calls := fakeCompletions(t, "sin uso")
	path := writeConfig(t, `
llm:
  provider: openai
  api_key: sk-prueba
  base_url: `+srv.URL+`
storage:
  metrics_log:
    driver: memory
`)

	_, _, err := execute(t, "ask", "--config", path, "hola")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INVALID_ARGUMENT")
	assert.Zero(t, calls.Load())
}

func TestMetricsWithoutRecords(t *testing.T) {
	path := writeConfig(t, `
llm:
  provider: openai
`)
	out, _, err := execute(t, "metrics", "--config", path)
	require.NoError(t, err)
	assert.Equal(t, metrics.NoDataMessage, strings.TrimSpace(out))
}

func TestConfigSetPersistsWithSQLite(t *testing.T) {
	path := writeConfig(t, `
llm:
  provider: openai
  model: gpt-4o-mini
storage:
  sql:
    driver: sqlite
`)

	_, stderr, err := execute(t, "config", "set", "--config", path, "model", "gpt-4o")
	require.NoError(t, err)
	assert.Empty(t, stderr)

	out, _, err := execute(t, "models", "--config", path)
	require.NoError(t, err)
	var models modelsOutput
	require.NoError(t, json.Unmarshal([]byte(out), &models))
	assert.Equal(t, "openai/gpt-4o", models.Current)
	assert.Contains(t, models.Providers["openai"], "gpt-4o-mini")

	_, _, err = execute(t, "config", "set", "--config", path, "provider", "desconocido")
	require.Error(t, err)
	_, _, err = execute(t, "config", "set", "--config", path, "temperatura", "0.5")
	require.Error(t, err)
}

func TestPromptsCommands(t *testing.T) {
	path := writeConfig(t, `
llm:
  provider: openai
`)

	out, _, err := execute(t, "prompts", "list", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "== supervisor ==")

	_, stderr, err := execute(t, "prompts", "set", "--config", path, "supervisor", "Enruta con cuidado.")
	require.NoError(t, err)
	assert.Contains(t, stderr, "advertencia", "without storage.sql the change is process-local")

	_, _, err = execute(t, "prompts", "set", "--config", path, "poeta", "Escribe versos.")
	require.Error(t, err)
}

func TestSubmitWaitProcessesLocally(t *testing.T) {
	srv, _ := fakeCompletions(t, "Las exportaciones de café crecieron en 2024.")
	path := writeConfig(t, `
llm:
  provider: openai
  model: gpt-4o-mini
  api_key: sk-prueba
  base_url: `+srv.URL+`
storage:
  metrics_log:
    driver: memory
`)

	out, _, err := execute(t, "submit", "--config", path, "--wait", "--id", "tarea-1", "--backend", "single_agent",
		"¿Cómo evolucionaron las exportaciones de café?")
	require.NoError(t, err)

	var final struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Result struct {
			Answer string `json:"respuesta"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &final))
	assert.Equal(t, "tarea-1", final.ID)
	assert.Equal(t, "succeeded", final.Status)
	assert.Contains(t, final.Result.Answer, "café")
}

func TestAuthHashKey(t *testing.T) {
	out, _, err := execute(t, "auth", "hash-key", "clave-panel")
	require.NoError(t, err)
	parts := strings.Split(strings.TrimSpace(out), ":")
	assert.Len(t, parts, 2)

	_, _, err = execute(t, "auth", "hash-key")
	assert.Error(t, err)
}
