// Package graph 编排多智能体流程：监督者分类，按路由调用一到两个专家，
// 再由综合者合并为一份带来源标注的最终答案。
package graph

import (
	"context"
	"strings"

	xerrors "OpenEcon-Agent/internal/errors"
	"OpenEcon-Agent/internal/llm"
	"OpenEcon-Agent/internal/prompts"
	"OpenEcon-Agent/internal/router"
	"OpenEcon-Agent/internal/tools"
	"OpenEcon-Agent/pkg/logger"
)

// 节点使用的温度。
const (
	SpecialistTemperature = 0.1
	SynthesisTemperature  = 0.3
)

// CodeGraphViolation 表示节点违反了状态归属或转移约束，属于程序缺陷。
const CodeGraphViolation xerrors.Code = "GRAPH_VIOLATION"

func init() {
	xerrors.Register(CodeGraphViolation, xerrors.Attributes{
		Message:  "graph invariant violated",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

func violation(node Node, message string) error {
	return xerrors.New(CodeGraphViolation, message, xerrors.WithMetadata("node", string(node)))
}

// Classifier 对问题进行路由分类。
type Classifier interface {
	Classify(ctx context.Context, question, prompt string) (router.Decision, error)
}

// Specialist 在单一领域内回答问题。
type Specialist interface {
	RunSpecialist(ctx context.Context, domain tools.Domain, question string, set prompts.Set, temperature float64) (string, error)
}

// Outcome 是图运行的终态。
type Outcome struct {
	Answer        string         `json:"answer"`
	Route         router.Route   `json:"route"`
	Justification string         `json:"justification"`
	Specialists   []tools.Domain `json:"specialists"`
}

// Graph 是监督者 → 专家 → 综合者的状态机。
type Graph struct {
	classifier  Classifier
	specialists Specialist
	synthesizer llm.Client
}

// New 创建图；synthesizer 为综合节点使用的模型客户端。
func New(classifier Classifier, specialists Specialist, synthesizer llm.Client) *Graph {
	return &Graph{classifier: classifier, specialists: specialists, synthesizer: synthesizer}
}

// Run 从 supervisor 出发运行到 end。
func (g *Graph) Run(ctx context.Context, question string, set prompts.Set) (*Outcome, error) {
	if strings.TrimSpace(question) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "问题不能为空")
	}

	log := logger.Named("graph")
	state := &State{Question: question, Prompts: set}
	var invoked []tools.Domain

	node := NodeSupervisor
	for steps := 0; node != NodeEnd; steps++ {
		if steps > maxTransitions {
			return nil, violation(node, "状态转移次数超过上限")
		}

		update, err := g.step(ctx, node, state)
		if err != nil {
			return nil, err
		}
		if err := state.Apply(node, update); err != nil {
			return nil, err
		}
		if domain, ok := domainOf(node); ok {
			invoked = append(invoked, domain)
		}

		next := Next(node, state.Decision.Route)
		log.Debug("节点完成", "node", node, "next", next, "route", state.Decision.Route)
		node = next
	}

	return &Outcome{
		Answer:        *state.Final,
		Route:         state.Decision.Route,
		Justification: state.Decision.Justification,
		Specialists:   invoked,
	}, nil
}

func (g *Graph) step(ctx context.Context, node Node, state *State) (Update, error) {
	switch node {
	case NodeSupervisor:
		decision, err := g.classifier.Classify(ctx, state.Question, state.Prompts.For(prompts.RoleSupervisor))
		if err != nil {
			return Update{}, ensureStage(err, xerrors.CodeClassificationFailure, "路由分类失败")
		}
		if _, ok := router.ParseRoute(string(decision.Route)); !ok {
			decision.Route = router.RouteStatistics
		}
		return Update{Decision: &decision}, nil

	case NodeExchange, NodeTrade, NodeStatistics:
		domain, _ := domainOf(node)
		answer, err := g.specialists.RunSpecialist(ctx, domain, state.Question, state.Prompts, SpecialistTemperature)
		if err != nil {
			return Update{}, ensureStage(err, xerrors.CodeSpecialistFailure, "专家执行失败")
		}
		if strings.TrimSpace(answer) == "" {
			return Update{}, xerrors.New(xerrors.CodeSpecialistFailure, "专家返回了空答案",
				xerrors.WithMetadata("domain", string(domain)))
		}
		return answerUpdate(domain, answer), nil

	case NodeSynthesizer:
		for _, domain := range Required(state.Decision.Route) {
			if _, ok := state.Answer(domain); !ok {
				return Update{}, violation(node, "综合前缺少专家答案: "+string(domain))
			}
		}
		final, err := g.synthesize(ctx, state)
		if err != nil {
			return Update{}, err
		}
		return Update{Final: &final}, nil

	default:
		return Update{}, violation(node, "未知节点")
	}
}

// ensureStage 保留已有的统一错误，否则以给定错误码包裹。
func ensureStage(err error, code xerrors.Code, message string) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(code, err, message)
}
