// Package openecon is a Go client for the OpenEcon consultation API.
package openecon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Multi-agent consultations call the model several times,
// so it is longer than a typical REST timeout.
const DefaultHTTPTimeout = 2 * time.Minute

// Client wraps the HTTP interactions with the OpenEcon REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu     sync.RWMutex
	apiKey string
}

// ConsultRequest is the payload of a synchronous consultation.
type ConsultRequest struct {
	Question    string            `json:"pregunta"`
	Strategy    string            `json:"backend,omitempty"`
	Temperature *float64          `json:"temperatura,omitempty"`
	Prompts     map[string]string `json:"prompts,omitempty"`
}

// Record is the persisted view of one consultation.
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

// ConsultResponse is the answer to a synchronous consultation.
type ConsultResponse struct {
	Answer        string   `json:"respuesta"`
	Route         string   `json:"ruta,omitempty"`
	Justification string   `json:"justificacion,omitempty"`
	Specialists   []string `json:"agentes,omitempty"`
	Record        Record   `json:"registro"`
	Persisted     bool     `json:"persistido"`
}

// Summary aggregates every recorded consultation. NoData is set when nothing
// has been recorded yet.
type Summary struct {
	NoData          bool           `json:"sin_datos,omitempty"`
	Message         string         `json:"mensaje,omitempty"`
	Count           int            `json:"total_consultas"`
	MeanLatencyMS   float64        `json:"latencia_promedio_ms"`
	P50LatencyMS    float64        `json:"latencia_p50_ms"`
	P95LatencyMS    float64        `json:"latencia_p95_ms"`
	P99LatencyMS    float64        `json:"latencia_p99_ms"`
	TotalTokens     int            `json:"tokens_total"`
	TotalCostUSD    float64        `json:"costo_total_usd"`
	CostPer1KTokens float64        `json:"costo_por_mil_tokens"`
	ByModel         map[string]int `json:"consultas_por_modelo"`
	ByStrategy      map[string]int `json:"consultas_por_backend"`
}

// Price is the USD price per 1000 input and output tokens.
type Price struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

// Projection is the estimated cost of a consultation volume.
type Projection struct {
	Consultations int     `json:"consultas"`
	CostUSD       float64 `json:"costo_usd"`
}

// Dashboard extends Summary with quartiles, SLA compliance and cost
// projections.
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

// Config is the active runtime configuration. APIKey is "***" when a key is
// set and empty otherwise.
type Config struct {
	Provider   string `json:"llm_provider"`
	Model      string `json:"llm_model"`
	APIKey     string `json:"llm_api_key"`
	BaseURL    string `json:"base_url,omitempty"`
	APIVersion string `json:"api_version"`
}

// Version describes the server build and the active model.
type Version struct {
	APIVersion string `json:"api_version"`
	APITitle   string `json:"api_title"`
	Provider   string `json:"llm_provider,omitempty"`
	Model      string `json:"llm_model,omitempty"`
	Prices     Price  `json:"costos_por_1k_tokens"`
}

// HistoryEntry is one row of the consultation history.
type HistoryEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	Question     string    `json:"pregunta"`
	LatencyMS    float64   `json:"latencia_ms"`
	OutputTokens int       `json:"tokens_out"`
	CostUSD      float64   `json:"costo_usd"`
	Model        string    `json:"modelo"`
	Strategy     string    `json:"backend"`
	Route        string    `json:"ruta,omitempty"`
}

// TaskSubmission represents the payload required to enqueue a consultation.
// A non-empty ID makes the submission idempotent.
type TaskSubmission struct {
	ID          string         `json:"id,omitempty"`
	Question    string         `json:"pregunta"`
	Strategy    string         `json:"backend,omitempty"`
	Temperature *float64       `json:"temperatura,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// TaskResult is the outcome of a succeeded task.
type TaskResult struct {
	Answer    string  `json:"respuesta"`
	Route     string  `json:"ruta,omitempty"`
	RecordID  string  `json:"registro_id,omitempty"`
	LatencyMS float64 `json:"latencia_ms"`
}

// Task is the server view of an asynchronous consultation.
type Task struct {
	ID         string      `json:"id"`
	Question   string      `json:"pregunta"`
	Strategy   string      `json:"backend,omitempty"`
	Status     string      `json:"status"`
	Attempts   int         `json:"attempts"`
	MaxRetries int         `json:"max_retries"`
	LastError  string      `json:"last_error,omitempty"`
	ErrorCode  string      `json:"error_code,omitempty"`
	Result     *TaskResult `json:"result,omitempty"`
	CreatedAt  int64       `json:"created_at"`
	UpdatedAt  int64       `json:"updated_at"`
}

// Done reports whether the task reached a terminal status.
func (t Task) Done() bool {
	return t.Status == "succeeded" || t.Status == "failed"
}

// TaskStats counts tasks per status.
type TaskStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// ListTasksOptions filters ListTasks. Zero values are omitted.
type ListTasksOptions struct {
	Statuses  []string
	Limit     int
	Offset    int
	Query     string
	Ascending bool

	UpdatedSince time.Time
	UpdatedUntil time.Time
	HasResult    *bool
}

// Models lists the provider catalog and the active model.
type Models struct {
	Providers map[string][]string `json:"proveedores"`
	Current   string              `json:"actual,omitempty"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"codigo"`
	Stage      string `json:"etapa,omitempty"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("openecon api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("openecon api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the OpenEcon API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url: %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAPIKey sets the bearer key sent with every request. An empty key sends
// no Authorization header.
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = key
}

// Consult runs a synchronous consultation.
func (c *Client) Consult(ctx context.Context, req ConsultRequest) (ConsultResponse, error) {
	var resp ConsultResponse
	if err := c.send(ctx, http.MethodPost, "/api/v1/consultas", nil, req, &resp); err != nil {
		return ConsultResponse{}, err
	}
	return resp, nil
}

// Metrics returns the aggregate summary.
func (c *Client) Metrics(ctx context.Context) (Summary, error) {
	var summary Summary
	if err := c.send(ctx, http.MethodGet, "/api/v1/metricas", nil, nil, &summary); err != nil {
		return Summary{}, err
	}
	return summary, nil
}

// Dashboard returns the operational dashboard over the last n consultations;
// n <= 0 covers everything.
func (c *Client) Dashboard(ctx context.Context, n int) (Dashboard, error) {
	query := url.Values{}
	if n > 0 {
		query.Set("n", strconv.Itoa(n))
	}
	var dashboard Dashboard
	if err := c.send(ctx, http.MethodGet, "/api/v1/metricas/dashboard", query, nil, &dashboard); err != nil {
		return Dashboard{}, err
	}
	return dashboard, nil
}

// History returns the last n consultations, newest first.
func (c *Client) History(ctx context.Context, n int) ([]HistoryEntry, error) {
	var entries []HistoryEntry
	query := url.Values{"n": {strconv.Itoa(n)}}
	if err := c.send(ctx, http.MethodGet, "/api/v1/historial", query, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ExportCSV returns the history as CSV. n <= 0 exports everything.
func (c *Client) ExportCSV(ctx context.Context, n int) ([]byte, error) {
	query := url.Values{}
	if n > 0 {
		query.Set("n", strconv.Itoa(n))
	}
	var buf bytes.Buffer
	if err := c.send(ctx, http.MethodGet, "/api/v1/historial/export", query, nil, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SubmitTask enqueues an asynchronous consultation.
func (c *Client) SubmitTask(ctx context.Context, submission TaskSubmission) (Task, error) {
	var created Task
	if err := c.send(ctx, http.MethodPost, "/api/v1/tasks", nil, submission, &created); err != nil {
		return Task{}, err
	}
	return created, nil
}

// GetTask fetches a task by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var found Task
	if err := c.send(ctx, http.MethodGet, "/api/v1/tasks/"+taskID, nil, nil, &found); err != nil {
		return Task{}, err
	}
	return found, nil
}

// ListTasks lists tasks matching the options.
func (c *Client) ListTasks(ctx context.Context, opts ListTasksOptions) ([]Task, error) {
	var tasks []Task
	if err := c.send(ctx, http.MethodGet, "/api/v1/tasks", opts.values(), nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// TaskStats counts tasks matching the options; Limit and Offset are ignored.
func (c *Client) TaskStats(ctx context.Context, opts ListTasksOptions) (TaskStats, error) {
	opts.Limit, opts.Offset = 0, 0
	var stats TaskStats
	if err := c.send(ctx, http.MethodGet, "/api/v1/tasks/stats", opts.values(), nil, &stats); err != nil {
		return TaskStats{}, err
	}
	return stats, nil
}

// WaitForTask polls the task until it is done or ctx ends.
func (c *Client) WaitForTask(ctx context.Context, taskID string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		found, err := c.GetTask(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		if found.Done() {
			return found, nil
		}
		select {
		case <-ctx.Done():
			return Task{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Models returns the provider catalog and the active model.
func (c *Client) Models(ctx context.Context) (Models, error) {
	var models Models
	if err := c.send(ctx, http.MethodGet, "/api/v1/modelos", nil, nil, &models); err != nil {
		return Models{}, err
	}
	return models, nil
}

// Prompts returns the effective prompt per role.
func (c *Client) Prompts(ctx context.Context) (map[string]string, error) {
	var prompts map[string]string
	if err := c.send(ctx, http.MethodGet, "/api/v1/prompts", nil, nil, &prompts); err != nil {
		return nil, err
	}
	return prompts, nil
}

// UpdatePrompt stores the prompt of a role.
func (c *Client) UpdatePrompt(ctx context.Context, role, content string) error {
	body := struct {
		Content string `json:"contenido"`
	}{content}
	return c.send(ctx, http.MethodPut, "/api/v1/prompts/"+role, nil, body, nil)
}

// Config returns the active configuration with the API key masked.
func (c *Client) Config(ctx context.Context) (Config, error) {
	var cfg Config
	if err := c.send(ctx, http.MethodGet, "/api/v1/config", nil, nil, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Version returns the server version and the active model prices.
func (c *Client) Version(ctx context.Context) (Version, error) {
	var v Version
	if err := c.send(ctx, http.MethodGet, "/version", nil, nil, &v); err != nil {
		return Version{}, err
	}
	return v, nil
}

// UpdateConfig stores a runtime setting: provider, model or api_key.
func (c *Client) UpdateConfig(ctx context.Context, key, value string) error {
	body := struct {
		Value string `json:"valor"`
	}{value}
	return c.send(ctx, http.MethodPut, "/api/v1/config/"+key, nil, body, nil)
}

func (o ListTasksOptions) values() url.Values {
	query := url.Values{}
	if len(o.Statuses) > 0 {
		query.Set("status", strings.Join(o.Statuses, ","))
	}
	if o.Limit > 0 {
		query.Set("limit", strconv.Itoa(o.Limit))
	}
	if o.Offset > 0 {
		query.Set("offset", strconv.Itoa(o.Offset))
	}
	if o.Query != "" {
		query.Set("q", o.Query)
	}
	if o.Ascending {
		query.Set("order", "asc")
	}
	if !o.UpdatedSince.IsZero() {
		query.Set("updated_since", o.UpdatedSince.UTC().Format(time.RFC3339))
	}
	if !o.UpdatedUntil.IsZero() {
		query.Set("updated_until", o.UpdatedUntil.UTC().Format(time.RFC3339))
	}
	if o.HasResult != nil {
		query.Set("has_result", strconv.FormatBool(*o.HasResult))
	}
	return query
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(rel).String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	key := c.apiKey
	c.mu.RUnlock()
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	switch dst := out.(type) {
	case nil:
		return nil
	case *bytes.Buffer:
		_, err := dst.ReadFrom(resp.Body)
		return err
	default:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
}
