// Package pipeline 是咨询的端到端入口：校验请求、读取配置快照、执行所选策略，
// 计时并估算 token 与成本，最后追加一条指标记录。
package pipeline

import (
	"context"
	"time"

	"OpenEcon-Agent/internal/agent"
	"OpenEcon-Agent/internal/config"
	xerrors "OpenEcon-Agent/internal/errors"
	"OpenEcon-Agent/internal/graph"
	"OpenEcon-Agent/internal/llm"
	"OpenEcon-Agent/internal/llm/openai"
	"OpenEcon-Agent/internal/metrics"
	"OpenEcon-Agent/internal/metricslog"
	"OpenEcon-Agent/internal/prompts"
	"OpenEcon-Agent/internal/router"
	"OpenEcon-Agent/internal/tools"
	"OpenEcon-Agent/pkg/logger"
)

// ClientFactory 根据配置快照创建本次请求使用的模型客户端。
type ClientFactory func(snapshot config.Snapshot) (llm.Client, error)

// Observer 接收每次咨询的结果，outcome 为 "ok" 或失败阶段名。
type Observer interface {
	ObserveConsultation(strategy, route, outcome string, latency time.Duration)
	ObservePersistFailure()
}

// Result 是一次成功咨询的结果。PersistErr 非空表示记录未能写入，但答案仍然有效。
type Result struct {
	Record        metrics.Record `json:"registro"`
	Route         router.Route   `json:"ruta,omitempty"`
	Justification string         `json:"justificacion,omitempty"`
	Specialists   []tools.Domain `json:"agentes,omitempty"`
	PersistErr    error          `json:"-"`
}

// Pipeline 串联配置、智能体与指标日志。
type Pipeline struct {
	settings  config.Settings
	catalog   tools.Catalog
	log       metricslog.Log
	prices    metrics.PriceTable
	newClient ClientFactory
	limiters  *openai.Limiters
	observer  Observer
	maxSteps  int
	now       func() time.Time
}

// Option 定义可选的 Pipeline 配置。
type Option func(*Pipeline)

// WithClientFactory 替换模型客户端的构造方式。
func WithClientFactory(factory ClientFactory) Option {
	return func(p *Pipeline) {
		if factory != nil {
			p.newClient = factory
		}
	}
}

// WithPrices 设置价格表。
func WithPrices(prices metrics.PriceTable) Option {
	return func(p *Pipeline) {
		if prices != nil {
			p.prices = prices
		}
	}
}

// WithObserver 设置指标观察者。
func WithObserver(observer Observer) Option {
	return func(p *Pipeline) {
		p.observer = observer
	}
}

// WithMaxSteps 设置专家的最大模型轮数。
func WithMaxSteps(steps int) Option {
	return func(p *Pipeline) {
		p.maxSteps = steps
	}
}

// WithClock 替换时钟，便于测试。
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// New 创建 Pipeline。
func New(settings config.Settings, catalog tools.Catalog, log metricslog.Log, opts ...Option) *Pipeline {
	p := &Pipeline{
		settings:  settings,
		catalog:   catalog,
		log:       log,
		prices:    metrics.DefaultPrices(),
		limiters:  openai.NewLimiters(),
		now:       time.Now,
	}
	p.newClient = p.openAIClient
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// openAIClient 使用快照中的服务商地址与密钥创建 OpenAI 兼容客户端。
// 客户端随请求重建，限速器按服务商在 Pipeline 内共享，并发请求共用同一配额。
func (p *Pipeline) openAIClient(s config.Snapshot) (llm.Client, error) {
	return openai.NewClient(openai.Config{
		APIKey:    s.APIKey,
		BaseURL:   s.BaseURL,
		Model:     s.Model,
		Timeout:   s.Timeout,
		MaxTokens: s.MaxTokens,
		Limiter:   p.limiters.For(s.Provider, s.RPS, s.Burst),
	})
}

// Prompts 返回当前生效的提示词（存储值叠加默认值）。
func (p *Pipeline) Prompts(ctx context.Context) (map[prompts.Role]string, error) {
	snap, err := p.settings.Snapshot(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigFailure, err, "读取配置失败")
	}
	return snap.Prompts, nil
}

// ProcessRequest 执行一次完整咨询。模型失败时返回带阶段的错误且不写入记录。
func (p *Pipeline) ProcessRequest(ctx context.Context, req Request) (*Result, error) {
	in, err := validate(req)
	if err != nil {
		return nil, err
	}
	log := logger.Named("pipeline").With("strategy", in.strategy)

	// 每个请求只读取一次配置，执行期间的修改不影响本请求。
	snap, err := p.settings.Snapshot(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfigFailure, err, "读取配置失败")
	}
	client, err := p.newClient(snap)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeModelUnavailable, err, "创建模型客户端失败",
			xerrors.WithStage(xerrors.StageConfiguration),
			xerrors.WithMetadata("model", snap.ModelID()))
	}
	set := prompts.Set{Overrides: in.overrides, Stored: snap.Prompts}

	runner := agent.New(client, p.catalog, agent.WithMaxSteps(p.maxSteps), agent.WithLLMTimeout(snap.Timeout))
	result := &Result{}

	start := p.now()
	var answer string
	switch in.strategy {
	case StrategySingle:
		answer, err = runner.RunSpecialist(ctx, tools.DomainAll, in.question, set, in.temperature)
	default:
		var out *graph.Outcome
		out, err = graph.New(router.NewClassifier(client), runner, client).Run(ctx, in.question, set)
		if out != nil {
			answer = out.Answer
			result.Route = out.Route
			result.Justification = out.Justification
			result.Specialists = out.Specialists
		}
	}
	latency := p.now().Sub(start)
	if latency < 0 {
		latency = 0
	}

	if err != nil {
		stage := string(xerrors.StageOf(err))
		log.Warn("咨询失败", "stage", stage, "model", snap.ModelID(), "error", err)
		p.observe(in.strategy, result.Route, stage, latency)
		return nil, err
	}

	result.Record = metrics.NewRecord(p.prices, snap.Provider, snap.Model, string(in.strategy), string(result.Route),
		in.question, answer, latency, p.now())
	p.observe(in.strategy, result.Route, "ok", latency)

	if err := p.log.Append(ctx, result.Record); err != nil {
		result.PersistErr = err
		log.Error("指标记录写入失败，答案仍返回给调用方", "record_id", result.Record.ID, "error", err)
		if p.observer != nil {
			p.observer.ObservePersistFailure()
		}
	}

	logger.Audit().Info("consulta",
		"record_id", result.Record.ID,
		"model", result.Record.Model,
		"strategy", result.Record.Strategy,
		"route", result.Record.Route,
		"latency_ms", result.Record.LatencyMS,
		"cost_usd", result.Record.CostUSD,
		"persisted", result.PersistErr == nil,
	)
	return result, nil
}

func (p *Pipeline) observe(strategy Strategy, route router.Route, outcome string, latency time.Duration) {
	if p.observer != nil {
		p.observer.ObserveConsultation(string(strategy), string(route), outcome, latency)
	}
}
