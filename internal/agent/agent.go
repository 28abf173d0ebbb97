package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "OpenEcon-Agent/internal/errors"
	"OpenEcon-Agent/internal/llm"
	"OpenEcon-Agent/internal/prompts"
	"OpenEcon-Agent/internal/tools"
	"OpenEcon-Agent/pkg/logger"
)

// defaultMaxSteps 是一次专家运行允许的最大模型轮数。
const defaultMaxSteps = 8

// Spec 描述一次专家运行：系统提示词、可用工具组与温度。
type Spec struct {
	Prompt      string
	Group       *tools.Group
	Temperature float64
}

// Runner 驱动"模型提议工具调用 → 执行工具 → 回填结果"的有界循环。
type Runner struct {
	client     llm.Client
	catalog    tools.Catalog
	maxSteps   int
	llmTimeout time.Duration
}

// Option 定义可选的 Runner 配置。
type Option func(*Runner)

// WithMaxSteps 设置最大模型轮数。
func WithMaxSteps(steps int) Option {
	return func(r *Runner) {
		r.maxSteps = steps
	}
}

// WithLLMTimeout 设置单次调用大模型的超时时间。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		if timeout <= 0 {
			r.llmTimeout = 0
			return
		}
		r.llmTimeout = timeout
	}
}

// New 创建一个 Runner。
func New(client llm.Client, catalog tools.Catalog, opts ...Option) *Runner {
	r := &Runner{
		client:   client,
		catalog:  catalog,
		maxSteps: defaultMaxSteps,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.maxSteps <= 0 {
		r.maxSteps = defaultMaxSteps
	}
	return r
}

// RoleFor 返回工具域对应的提示词角色。
func RoleFor(domain tools.Domain) (prompts.Role, bool) {
	switch domain {
	case tools.DomainExchangeRate:
		return prompts.RoleExchangeRate, true
	case tools.DomainTrade:
		return prompts.RoleTrade, true
	case tools.DomainStatistics:
		return prompts.RoleStatistics, true
	case tools.DomainAll:
		return prompts.RoleSingleAgent, true
	default:
		return "", false
	}
}

// RunSpecialist 以领域的工具组和提示词运行专家。
func (r *Runner) RunSpecialist(ctx context.Context, domain tools.Domain, question string, set prompts.Set, temperature float64) (string, error) {
	role, ok := RoleFor(domain)
	if !ok {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "未知的专家领域: "+string(domain))
	}
	group, ok := r.catalog.For(domain)
	if !ok {
		return "", xerrors.New(xerrors.CodeSpecialistFailure, "专家工具组未配置",
			xerrors.WithMetadata("domain", string(domain)))
	}
	return r.Run(ctx, Spec{Prompt: set.For(role), Group: group, Temperature: temperature}, question)
}

// Run 执行有界推理循环并返回最终答案。
func (r *Runner) Run(ctx context.Context, spec Spec, question string) (string, error) {
	if strings.TrimSpace(question) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "问题不能为空")
	}
	if r.client == nil {
		return "", xerrors.New(xerrors.CodeSpecialistFailure, "未配置大模型客户端")
	}
	if spec.Group == nil {
		return "", xerrors.New(xerrors.CodeSpecialistFailure, "未配置工具组")
	}

	domain := string(spec.Group.Domain())
	log := logger.Named("agent").With("domain", domain)

	messages := []llm.Message{llm.System(spec.Prompt), llm.User(question)}
	specs := spec.Group.Specs()

	for step := 1; step <= r.maxSteps; step++ {
		resp, err := r.chat(ctx, llm.Request{Messages: messages, Tools: specs, Temperature: spec.Temperature})
		if err != nil {
			if stdErrors.Is(err, context.DeadlineExceeded) {
				return "", xerrors.Wrap(xerrors.CodeTimeout, err, "专家调用大模型超时",
					xerrors.WithStage(xerrors.StageSpecialist), xerrors.WithMetadata("domain", domain))
			}
			return "", xerrors.Wrap(xerrors.CodeSpecialistFailure, err, "专家调用大模型失败",
				xerrors.WithMetadata("domain", domain))
		}

		reply := resp.Message
		if len(reply.ToolCalls) == 0 {
			answer := strings.TrimSpace(reply.Content)
			if answer == "" {
				return "", xerrors.New(xerrors.CodeSpecialistFailure, "专家返回了空答案",
					xerrors.WithMetadata("domain", domain))
			}
			log.Debug("专家完成", "steps", step)
			return answer, nil
		}

		reply.Role = llm.RoleAssistant
		messages = append(messages, reply)
		for _, call := range reply.ToolCalls {
			result := spec.Group.Call(ctx, call.Name, call.Arguments)
			if !result.OK() {
				log.Info("工具返回错误结果", "tool", call.Name, "message", result.Message())
			}
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: call.ID,
				Name:       call.Name,
				Content:    result.JSON(),
			})
		}
	}

	return "", xerrors.New(xerrors.CodeSpecialistFailure,
		fmt.Sprintf("专家在 %d 轮内未给出最终答案", r.maxSteps),
		xerrors.WithMetadata("domain", domain))
}

func (r *Runner) chat(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if r.llmTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.llmTimeout)
		defer cancel()
	}
	resp, err := r.client.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("大模型返回空响应")
	}
	return resp, nil
}
