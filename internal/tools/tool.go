// Package tools 实现三个领域的工具组：汇率、外贸与 DANE 文档检索。
// 每个工具都返回带标签的 Result，错误以结果形式回传给智能体，不会越过工具边界。
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"OpenEcon-Agent/internal/llm"
)

// Domain 标识一个工具组。
type Domain string

const (
	DomainExchangeRate Domain = "exchange_rate"
	DomainTrade        Domain = "trade"
	DomainStatistics   Domain = "statistics"
	// DomainAll 仅用于单智能体模式。
	DomainAll Domain = "all"
)

// Result 是工具执行结果：成功时携带数据，失败时携带可读的错误信息。
type Result struct {
	ok      bool
	data    any
	message string
}

// Success 构造成功结果。
func Success(data any) Result { return Result{ok: true, data: data} }

// Failure 构造失败结果。
func Failure(format string, args ...any) Result {
	return Result{message: fmt.Sprintf(format, args...)}
}

// OK 表示是否成功。
func (r Result) OK() bool { return r.ok }

// Data 返回成功结果的数据。
func (r Result) Data() any { return r.data }

// Message 返回失败结果的错误信息。
func (r Result) Message() string { return r.message }

// JSON 返回交给模型的文本；失败结果编码为 {"error": "..."}。
func (r Result) JSON() string {
	payload := r.data
	if !r.ok {
		payload = map[string]string{"error": r.message}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		encoded, _ = json.Marshal(map[string]string{"error": "no se pudo serializar el resultado: " + err.Error()})
	}
	return string(encoded)
}

// Args 是解码后的工具参数。
type Args map[string]any

// Int 读取整数参数，缺失时返回默认值，并裁剪到 [lo, hi]。
func (a Args) Int(key string, def, lo, hi int) (int, error) {
	value := def
	switch v := a[key].(type) {
	case nil:
	case float64:
		value = int(v)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("el parámetro %s debe ser un entero", key)
		}
		value = n
	default:
		return 0, fmt.Errorf("el parámetro %s debe ser un entero", key)
	}
	return clamp(value, lo, hi), nil
}

// String 读取字符串参数。
func (a Args) String(key string) string {
	if v, ok := a[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Tool 是一个可被模型调用的具名函数。
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Run         func(ctx context.Context, args Args) Result
}

// Spec 返回向模型公开的声明。
func (t Tool) Spec() llm.ToolSpec {
	params := t.Parameters
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return llm.ToolSpec{Name: t.Name, Description: t.Description, Parameters: params}
}

// Invoke 解码参数并执行工具，panic 与参数错误都转换为失败结果。
func (t Tool) Invoke(ctx context.Context, rawArgs string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Failure("error interno en %s: %v", t.Name, r)
		}
	}()

	args := Args{}
	if trimmed := strings.TrimSpace(rawArgs); trimmed != "" && trimmed != "null" {
		if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
			return Failure("argumentos inválidos para %s: %v", t.Name, err)
		}
	}
	return t.Run(ctx, args)
}

// Group 是绑定到单一领域的工具集合，专家智能体只能看到并调用本组工具。
type Group struct {
	domain Domain
	tools  []Tool
	index  map[string]int
}

// NewGroup 创建工具组，同名工具以后者为准。
func NewGroup(domain Domain, tools ...Tool) *Group {
	g := &Group{domain: domain, index: make(map[string]int, len(tools))}
	for _, t := range tools {
		if i, ok := g.index[t.Name]; ok {
			g.tools[i] = t
			continue
		}
		g.index[t.Name] = len(g.tools)
		g.tools = append(g.tools, t)
	}
	return g
}

// Domain 返回工具组所属领域。
func (g *Group) Domain() Domain { return g.domain }

// Names 返回工具名列表，按名称排序。
func (g *Group) Names() []string {
	names := make([]string, 0, len(g.tools))
	for _, t := range g.tools {
		names = append(names, t.Name)
	}
	sort.Strings(names)
	return names
}

// Specs 返回全部工具声明。
func (g *Group) Specs() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(g.tools))
	for _, t := range g.tools {
		specs = append(specs, t.Spec())
	}
	return specs
}

// Call 执行本组内的工具；不属于本组的名称返回失败结果。
func (g *Group) Call(ctx context.Context, name, rawArgs string) Result {
	i, ok := g.index[name]
	if !ok {
		return Failure("la herramienta %q no está disponible para el dominio %s", name, g.domain)
	}
	return g.tools[i].Invoke(ctx, rawArgs)
}

// Merge 将多个工具组合并为一个。
func Merge(domain Domain, groups ...*Group) *Group {
	var all []Tool
	for _, g := range groups {
		all = append(all, g.tools...)
	}
	return NewGroup(domain, all...)
}
