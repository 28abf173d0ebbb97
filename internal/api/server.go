package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"OpenEcon-Agent/internal/auth"
	"OpenEcon-Agent/internal/config"
	xerrors "OpenEcon-Agent/internal/errors"
	"OpenEcon-Agent/internal/llm"
	"OpenEcon-Agent/internal/metrics"
	obsmetrics "OpenEcon-Agent/internal/observability/metrics"
	"OpenEcon-Agent/internal/pipeline"
	"OpenEcon-Agent/internal/prompts"
	"OpenEcon-Agent/internal/task"
	"OpenEcon-Agent/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Consultations 是 API 所需的咨询能力，*pipeline.Pipeline 满足该接口。
type Consultations interface {
	ProcessRequest(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
	AggregateMetrics(ctx context.Context) (metrics.Summary, error)
	History(ctx context.Context, n int) ([]metrics.Entry, error)
	ExportCSV(ctx context.Context, w io.Writer, n int) error
	Dashboard(ctx context.Context, n int) (metrics.Dashboard, error)
}

// Version 是 API 版本，构建时可通过 -ldflags 覆盖。
var Version = "1.0.0"

const apiTitle = "OpenEcon-Agent"

// Server 负责暴露 REST 接口。
type Server struct {
	addr          string
	consultations Consultations
	tasks         *task.Service
	settings      config.Settings
	collector     *obsmetrics.Collector
	auth          *auth.Service
	prices        metrics.PriceTable
}

// Option 定义可选配置。
type Option func(*Server)

// WithTaskService 启用异步咨询接口。
func WithTaskService(svc *task.Service) Option {
	return func(s *Server) {
		s.tasks = svc
	}
}

// WithSettings 用于读取当前模型与提示词；实现 config.Admin 时启用管理接口。
func WithSettings(settings config.Settings) Option {
	return func(s *Server) {
		s.settings = settings
	}
}

// WithCollector 替换 HTTP 指标的收集器。
func WithCollector(collector *obsmetrics.Collector) Option {
	return func(s *Server) {
		if collector != nil {
			s.collector = collector
		}
	}
}

// WithPrices 设置 /version 展示的价格表。
func WithPrices(prices metrics.PriceTable) Option {
	return func(s *Server) {
		if prices != nil {
			s.prices = prices
		}
	}
}

// WithAuth 为 /api 下的接口启用 API Key 认证，nil 表示不认证。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) {
		s.auth = svc
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, consultations Consultations, opts ...Option) *Server {
	s := &Server{addr: addr, consultations: consultations, collector: obsmetrics.Default, prices: metrics.DefaultPrices()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /api/v1/consultas", "consultas", s.handleConsulta)
	s.route(mux, "GET /api/v1/metricas", "metricas", s.handleMetricas)
	s.route(mux, "GET /api/v1/metricas/dashboard", "metricas_dashboard", s.handleDashboard)
	s.route(mux, "GET /api/v1/historial", "historial", s.handleHistorial)
	s.route(mux, "GET /api/v1/historial/export", "historial_export", s.handleExport)
	s.route(mux, "POST /api/v1/tasks", "tasks_create", s.handleCreateTask)
	s.route(mux, "GET /api/v1/tasks", "tasks_list", s.handleListTasks)
	s.route(mux, "GET /api/v1/tasks/stats", "tasks_stats", s.handleTaskStats)
	s.route(mux, "GET /api/v1/tasks/{id}", "tasks_detail", s.handleTaskDetail)
	s.route(mux, "GET /api/v1/modelos", "modelos", s.handleModelos)
	s.route(mux, "GET /api/v1/prompts", "prompts", s.handlePrompts)
	s.route(mux, "PUT /api/v1/prompts/{rol}", "prompts_update", s.handleUpdatePrompt)
	s.route(mux, "GET /api/v1/config", "config", s.handleConfig)
	s.route(mux, "PUT /api/v1/config/{clave}", "config_update", s.handleUpdateConfig)
	s.route(mux, "GET /health", "health", s.handleHealth)
	s.route(mux, "GET /version", "version", s.handleVersion)

	return s.auth.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodGet:  {auth.PermissionRead},
			http.MethodPost: {auth.PermissionConsult},
			"*":             {auth.PermissionAdmin},
		},
		Skip: func(r *http.Request) bool { return r.URL.Path == "/health" || r.URL.Path == "/version" },
	})(mux)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Named("api").Info("API 服务已启动", "addr", s.addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) route(mux *http.ServeMux, pattern, name string, handler http.HandlerFunc) {
	mux.Handle(pattern, s.instrument(name, handler))
}

// instrument 记录每个接口的请求数与耗时。
func (s *Server) instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.collector.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

type consultaResponse struct {
	Answer        string         `json:"respuesta"`
	Route         string         `json:"ruta,omitempty"`
	Justification string         `json:"justificacion,omitempty"`
	Specialists   []string       `json:"agentes,omitempty"`
	Record        metrics.Record `json:"registro"`
	Persisted     bool           `json:"persistido"`
}

func (s *Server) handleConsulta(w http.ResponseWriter, r *http.Request) {
	if s.consultations == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "咨询服务未初始化"))
		return
	}
	var req pipeline.Request
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.consultations.ProcessRequest(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	specialists := make([]string, 0, len(result.Specialists))
	for _, domain := range result.Specialists {
		specialists = append(specialists, string(domain))
	}
	writeJSON(w, http.StatusOK, consultaResponse{
		Answer:        result.Record.Answer,
		Route:         string(result.Route),
		Justification: result.Justification,
		Specialists:   specialists,
		Record:        result.Record,
		Persisted:     result.PersistErr == nil,
	})
}

func (s *Server) handleMetricas(w http.ResponseWriter, r *http.Request) {
	if s.consultations == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "咨询服务未初始化"))
		return
	}
	summary, err := s.consultations.AggregateMetrics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if s.consultations == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "咨询服务未初始化"))
		return
	}
	n, err := queryInt(r, "n", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	dashboard, err := s.consultations.Dashboard(r.Context(), n)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dashboard)
}

func (s *Server) handleHistorial(w http.ResponseWriter, r *http.Request) {
	if s.consultations == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "咨询服务未初始化"))
		return
	}
	n, err := queryInt(r, "n", 10)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.consultations.History(r.Context(), n)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.consultations == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "咨询服务未初始化"))
		return
	}
	n, err := queryInt(r, "n", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	var buf strings.Builder
	if err := s.consultations.ExportCSV(r.Context(), &buf, n); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="historial.csv"`)
	_, _ = io.WriteString(w, buf.String())
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "异步咨询未启用"))
		return
	}
	var req task.Request
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	created, err := s.tasks.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/tasks/"+created.ID)
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "异步咨询未启用"))
		return
	}
	opts, err := listOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	tasks, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "异步咨询未启用"))
		return
	}
	opts, err := listOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.tasks.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "异步咨询未启用"))
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少任务 ID"))
		return
	}
	found, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

type modelosResponse struct {
	Providers map[string][]string `json:"proveedores"`
	Current   string              `json:"actual,omitempty"`
}

func (s *Server) handleModelos(w http.ResponseWriter, r *http.Request) {
	resp := modelosResponse{Providers: llm.ModelsByProvider()}
	if s.settings != nil {
		snap, err := s.settings.Snapshot(r.Context())
		if err != nil {
			writeError(w, xerrors.Wrap(xerrors.CodeConfigFailure, err, "读取配置失败"))
			return
		}
		resp.Current = snap.ModelID()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePrompts(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "设置存储未初始化"))
		return
	}
	snap, err := s.settings.Snapshot(r.Context())
	if err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeConfigFailure, err, "读取配置失败"))
		return
	}
	out := make(map[string]string, len(snap.Prompts))
	for role, text := range snap.Prompts {
		out[string(role)] = text
	}
	writeJSON(w, http.StatusOK, out)
}

type promptUpdate struct {
	Content string `json:"contenido"`
}

func (s *Server) handleUpdatePrompt(w http.ResponseWriter, r *http.Request) {
	admin, err := s.admin()
	if err != nil {
		writeError(w, err)
		return
	}
	role, ok := prompts.Parse(r.PathValue("rol"))
	if !ok {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "未知的提示词角色: "+r.PathValue("rol")))
		return
	}
	var body promptUpdate
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(body.Content) == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "提示词内容不能为空"))
		return
	}
	if err := admin.SavePrompt(r.Context(), role, body.Content); err != nil {
		writeError(w, err)
		return
	}
	logger.Audit().Info("prompt_updated", "role", role)
	writeJSON(w, http.StatusOK, map[string]any{"rol": role, "actualizado": true})
}

type configResponse struct {
	Provider   string `json:"llm_provider"`
	Model      string `json:"llm_model"`
	APIKey     string `json:"llm_api_key"`
	BaseURL    string `json:"base_url,omitempty"`
	APIVersion string `json:"api_version"`
}

// handleConfig 返回当前生效的设置，密钥只以掩码形式出现。
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "设置存储未初始化"))
		return
	}
	snap, err := s.settings.Snapshot(r.Context())
	if err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeConfigFailure, err, "读取配置失败"))
		return
	}
	resp := configResponse{
		Provider:   snap.Provider,
		Model:      snap.Model,
		BaseURL:    snap.BaseURL,
		APIVersion: Version,
	}
	if snap.APIKey != "" {
		resp.APIKey = "***"
	}
	writeJSON(w, http.StatusOK, resp)
}

type versionResponse struct {
	APIVersion string        `json:"api_version"`
	APITitle   string        `json:"api_title"`
	Provider   string        `json:"llm_provider,omitempty"`
	Model      string        `json:"llm_model,omitempty"`
	Prices     metrics.Price `json:"costos_por_1k_tokens"`
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	resp := versionResponse{APIVersion: Version, APITitle: apiTitle}
	if s.settings != nil {
		if snap, err := s.settings.Snapshot(r.Context()); err == nil {
			resp.Provider = snap.Provider
			resp.Model = snap.Model
		}
	}
	resp.Prices = s.prices.Lookup(resp.Provider)
	writeJSON(w, http.StatusOK, resp)
}

type configUpdate struct {
	Value string `json:"valor"`
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	admin, err := s.admin()
	if err != nil {
		writeError(w, err)
		return
	}
	key, ok := config.ResolveKey(r.PathValue("clave"))
	if !ok {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "未知的设置项: "+r.PathValue("clave")))
		return
	}
	var body configUpdate
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, err)
		return
	}
	value := strings.TrimSpace(body.Value)
	if key == config.KeyProvider {
		value = strings.ToLower(value)
	}
	if err := admin.SaveValue(r.Context(), key, value); err != nil {
		writeError(w, err)
		return
	}
	// 不在日志与响应中回显密钥。
	logger.Audit().Info("config_updated", "key", key)
	writeJSON(w, http.StatusOK, map[string]any{"clave": key, "actualizado": true})
}

func (s *Server) admin() (config.Admin, error) {
	admin, ok := s.settings.(config.Admin)
	if !ok || admin == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "设置存储不支持修改")
	}
	return admin, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok"}
	if s.tasks != nil {
		if stats, err := s.tasks.Stats(r.Context()); err == nil {
			status["tasks"] = stats
		} else {
			status["status"] = "degraded"
			status["error"] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, status)
}

func listOptions(r *http.Request) ([]task.ListOption, error) {
	query := r.URL.Query()
	var opts []task.ListOption
	if raw := query.Get("status"); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.TrimSpace(part))
			if !task.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的任务状态: "+part)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		return nil, err
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		return nil, err
	}
	opts = append(opts, task.WithLimit(limit), task.WithOffset(offset))
	if q := query.Get("q"); q != "" {
		opts = append(opts, task.WithQuery(q))
	}
	if query.Get("order") == "asc" {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}
	if raw := query.Get("updated_since"); raw != "" {
		since, err := parseTime("updated_since", raw)
		if err != nil {
			return nil, err
		}
		opts = append(opts, task.WithUpdatedSince(since))
	}
	if raw := query.Get("updated_until"); raw != "" {
		until, err := parseTime("updated_until", raw)
		if err != nil {
			return nil, err
		}
		opts = append(opts, task.WithUpdatedUntil(until))
	}
	if raw := query.Get("has_result"); raw != "" {
		hasResult, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "参数 has_result 必须为布尔值")
		}
		opts = append(opts, task.WithResultPresence(hasResult))
	}
	return opts, nil
}

// parseTime 接受 RFC3339 时间或 Unix 秒。
func parseTime(key, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0), nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("参数 %s 必须为 RFC3339 时间或 Unix 秒", key))
	}
	return ts, nil
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("参数 %s 必须为非负整数", key))
	}
	return value, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"codigo"`
	Stage string `json:"etapa,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		logger.Named("api").Error("请求处理失败", "code", code, "error", err)
	}
	stage := xerrors.StageOf(err)
	resp := errorResponse{Error: err.Error(), Code: string(code)}
	if stage != xerrors.StageUnknown {
		resp.Stage = string(stage)
	}
	writeJSON(w, status, resp)
}

func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, task.CodeTaskValidation:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, task.CodeTaskNotFound:
		return http.StatusNotFound
	case task.CodeTaskConflict:
		return http.StatusConflict
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeClassificationFailure, xerrors.CodeSpecialistFailure, xerrors.CodeSynthesisFailure:
		return http.StatusBadGateway
	case xerrors.CodeModelUnavailable, xerrors.CodeInitializationFailure, xerrors.CodeQueueFailure, task.CodeTaskPublish:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
