// Package router 实现监督者：把问题归入四条固定路由之一。
// 模型输出无法解析时使用确定性的关键词回退，不会因此报错。
package router

import (
	"context"
	"encoding/json"
	"strings"

	xerrors "OpenEcon-Agent/internal/errors"
	"OpenEcon-Agent/internal/llm"
	"OpenEcon-Agent/pkg/logger"
)

// Route 是监督者的分类结果。
type Route string

const (
	RouteExchangeRate Route = "exchange_rate"
	RouteTrade        Route = "trade"
	RouteStatistics   Route = "statistics"
	RouteCombined     Route = "combined"
)

// aliases 兼容旧版提示词中使用的路由名。
var aliases = map[string]Route{
	"exchange_rate": RouteExchangeRate,
	"trade":         RouteTrade,
	"statistics":    RouteStatistics,
	"combined":      RouteCombined,
	"trm":           RouteExchangeRate,
	"datos":         RouteTrade,
	"rag":           RouteStatistics,
	"multiple":      RouteCombined,
}

// fallbackOrder 是关键词回退的优先级，先匹配者胜出。
var fallbackOrder = []struct {
	route    Route
	keywords []string
}{
	{RouteExchangeRate, []string{"trm", "exchange_rate"}},
	{RouteTrade, []string{"datos", "trade"}},
	{RouteCombined, []string{"multiple", "combined"}},
}

const fallbackJustificationLen = 100

// Routes 返回全部合法路由。
func Routes() []Route {
	return []Route{RouteExchangeRate, RouteTrade, RouteStatistics, RouteCombined}
}

// ParseRoute 解析路由名，接受旧别名，大小写与首尾空白不敏感。
func ParseRoute(value string) (Route, bool) {
	route, ok := aliases[strings.ToLower(strings.TrimSpace(value))]
	return route, ok
}

// Decision 是一次分类的结果。
type Decision struct {
	Route         Route  `json:"route"`
	Justification string `json:"justification"`
	// Fallback 表示结果来自关键词回退而不是模型给出的 JSON。
	Fallback bool `json:"fallback,omitempty"`
}

// Classifier 调用模型完成分类。
type Classifier struct {
	client llm.Client
}

// NewClassifier 创建分类器。
func NewClassifier(client llm.Client) *Classifier {
	return &Classifier{client: client}
}

// Classify 以温度 0 请求模型输出路由 JSON，并解析为 Decision。
func (c *Classifier) Classify(ctx context.Context, question, prompt string) (Decision, error) {
	if strings.TrimSpace(question) == "" {
		return Decision{}, xerrors.New(xerrors.CodeInvalidArgument, "问题不能为空")
	}
	if c.client == nil {
		return Decision{}, xerrors.New(xerrors.CodeClassificationFailure, "未配置大模型客户端")
	}

	resp, err := c.client.Chat(ctx, llm.Request{
		Messages:    []llm.Message{llm.System(prompt), llm.User(question)},
		Temperature: 0,
	})
	if err != nil {
		return Decision{}, xerrors.Wrap(xerrors.CodeClassificationFailure, err, "监督者调用大模型失败")
	}
	if resp == nil {
		return Decision{}, xerrors.New(xerrors.CodeClassificationFailure, "监督者收到空响应")
	}

	decision := Parse(resp.Message.Content)
	if decision.Fallback {
		logger.Named("router").Warn("分类输出无法解析，使用关键词回退", "route", decision.Route)
	}
	return decision, nil
}

// Parse 将模型原始输出解析为 Decision，结果是确定性的。
func Parse(raw string) Decision {
	var payload map[string]any
	if err := json.Unmarshal([]byte(sanitize(raw)), &payload); err == nil {
		if value, ok := payload["route"]; ok {
			route := RouteStatistics
			if s, isString := value.(string); isString {
				if parsed, known := ParseRoute(s); known {
					route = parsed
				}
			}
			return Decision{Route: route, Justification: justification(payload)}
		}
	}
	return fallback(raw)
}

// sanitize 去掉以代码围栏开头的行。
func sanitize(raw string) string {
	lines := strings.Split(strings.TrimSpace(raw), "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

func justification(payload map[string]any) string {
	for _, key := range []string{"justification", "justificacion", "justificación"} {
		if s, ok := payload[key].(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func fallback(raw string) Decision {
	text := strings.TrimSpace(raw)
	lower := strings.ToLower(text)

	route := RouteStatistics
search:
	for _, candidate := range fallbackOrder {
		for _, kw := range candidate.keywords {
			if strings.Contains(lower, kw) {
				route = candidate.route
				break search
			}
		}
	}

	runes := []rune(text)
	if len(runes) > fallbackJustificationLen {
		runes = runes[:fallbackJustificationLen]
	}
	return Decision{Route: route, Justification: string(runes), Fallback: true}
}
