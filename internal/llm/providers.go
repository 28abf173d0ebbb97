package llm

import (
	"sort"
	"strings"
)

// Provider 描述一个兼容 OpenAI Chat Completions 协议的模型服务商。
type Provider struct {
	Name      string
	BaseURL   string
	APIKeyEnv string
	Models    []string
	// KeylessValue 用于无需鉴权的本地服务。
	KeylessValue string
}

const (
	DefaultProvider = "deepseek"
	DefaultModel    = "deepseek-chat"
)

var catalog = map[string]Provider{
	"anthropic": {
		Name:      "anthropic",
		BaseURL:   "https://api.anthropic.com/v1/",
		APIKeyEnv: "ANTHROPIC_API_KEY",
		Models:    []string{"claude-opus-4-6", "claude-sonnet-4-6", "claude-haiku-4-5-20251001"},
	},
	"openai": {
		Name:      "openai",
		BaseURL:   "https://api.openai.com/v1",
		APIKeyEnv: "OPENAI_API_KEY",
		Models:    []string{"gpt-4o", "gpt-4o-mini", "gpt-3.5-turbo"},
	},
	"deepseek": {
		Name:      "deepseek",
		BaseURL:   "https://api.deepseek.com/v1",
		APIKeyEnv: "DEEPSEEK_API_KEY",
		Models:    []string{"deepseek-chat", "deepseek-reasoner"},
	},
	"ollama": {
		Name:         "ollama",
		BaseURL:      "http://localhost:11434/v1",
		Models:       []string{"llama3.2", "mistral", "llama3.1", "qwen2.5"},
		KeylessValue: "ollama",
	},
	"qwen": {
		Name:      "qwen",
		BaseURL:   "https://dashscope.aliyuncs.com/compatible-mode/v1",
		APIKeyEnv: "QWEN_API_KEY",
		Models:    []string{"qwen-turbo", "qwen-plus", "qwen-max"},
	},
	"zhipu": {
		Name:      "zhipu",
		BaseURL:   "https://open.bigmodel.cn/api/paas/v4/",
		APIKeyEnv: "ZHIPU_API_KEY",
		Models:    []string{"glm-4-flash", "glm-4-air", "glm-4"},
	},
	"moonshot": {
		Name:      "moonshot",
		BaseURL:   "https://api.moonshot.cn/v1",
		APIKeyEnv: "MOONSHOT_API_KEY",
		Models:    []string{"moonshot-v1-8k", "moonshot-v1-32k"},
	},
}

// LookupProvider 按名称查找服务商，大小写不敏感。
func LookupProvider(name string) (Provider, bool) {
	p, ok := catalog[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// Providers 返回全部已知服务商，按名称排序。
func Providers() []Provider {
	out := make([]Provider, 0, len(catalog))
	for _, p := range catalog {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ModelsByProvider 返回服务商到可选模型列表的映射。
func ModelsByProvider() map[string][]string {
	out := make(map[string][]string, len(catalog))
	for name, p := range catalog {
		out[name] = append([]string(nil), p.Models...)
	}
	return out
}
