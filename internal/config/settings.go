package config

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	xerrors "OpenEcon-Agent/internal/errors"
	"OpenEcon-Agent/internal/llm"
	"OpenEcon-Agent/internal/prompts"
)

// 运行时设置项的键名。
const (
	KeyProvider = "llm_provider"
	KeyModel    = "llm_model"
	KeyAPIKey   = "llm_api_key"
)

// Snapshot 是一次请求开始时读取的配置快照，请求执行期间不再变化。
type Snapshot struct {
	Provider  string
	Model     string
	APIKey    string
	BaseURL   string
	Prompts   map[prompts.Role]string
	TakenAt   time.Time
	MaxTokens int
	Timeout   time.Duration
	RPS       float64
	Burst     int
}

// ModelID 返回 provider/model 形式的模型标识。
func (s Snapshot) ModelID() string {
	return s.Provider + "/" + s.Model
}

// Settings 提供每次请求读取的运行时设置。
type Settings interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// Admin 是可写的设置存储，供管理命令与接口修改模型与提示词。
type Admin interface {
	Settings
	SaveValue(ctx context.Context, key, value string) error
	SavePrompt(ctx context.Context, role prompts.Role, content string) error
}

// Resolve 将存储中的值叠加到文件配置上生成快照，空值沿用文件配置。
func (c LLMConfig) Resolve(values map[string]string, stored map[prompts.Role]string) Snapshot {
	provider := strings.ToLower(strings.TrimSpace(values[KeyProvider]))
	if provider == "" {
		provider = c.Provider
	}
	model := strings.TrimSpace(values[KeyModel])
	if model == "" {
		model = c.Model
	}

	apiKey := strings.TrimSpace(values[KeyAPIKey])
	if apiKey == "" {
		apiKey = c.keyFor(provider)
	}

	baseURL := ""
	if provider == c.Provider {
		baseURL = c.BaseURL
	}
	if baseURL == "" {
		if p, ok := llm.LookupProvider(provider); ok {
			baseURL = p.BaseURL
		}
	}

	merged := prompts.Defaults()
	for role, text := range stored {
		if strings.TrimSpace(text) != "" {
			merged[role] = text
		}
	}

	return Snapshot{
		Provider:  provider,
		Model:     model,
		APIKey:    apiKey,
		BaseURL:   baseURL,
		Prompts:   merged,
		TakenAt:   time.Now(),
		MaxTokens: c.MaxTokens,
		Timeout:   c.Timeout,
		RPS:       c.RequestsPerSecond,
		Burst:     c.Burst,
	}
}

// keyFor 依次查找文件中的 api_key（仅限同一服务商）、服务商环境变量与本地占位值。
func (c LLMConfig) keyFor(provider string) string {
	if provider == c.Provider && strings.TrimSpace(c.APIKey) != "" {
		return strings.TrimSpace(c.APIKey)
	}
	p, ok := llm.LookupProvider(provider)
	if !ok {
		return ""
	}
	if p.APIKeyEnv != "" {
		if v := strings.TrimSpace(os.Getenv(p.APIKeyEnv)); v != "" {
			return v
		}
	}
	return p.KeylessValue
}

// StaticSettings 以配置文件为基础，修改只保存在进程内存中。
type StaticSettings struct {
	mu      sync.RWMutex
	base    LLMConfig
	values  map[string]string
	prompts map[prompts.Role]string
}

var _ Admin = (*StaticSettings)(nil)

// NewStaticSettings 创建基于文件配置的设置。
func NewStaticSettings(base LLMConfig) *StaticSettings {
	return &StaticSettings{
		base:    base,
		values:  make(map[string]string),
		prompts: make(map[prompts.Role]string),
	}
}

// Snapshot 实现 Settings。
func (s *StaticSettings) Snapshot(context.Context) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.base.Resolve(s.values, s.prompts), nil
}

// SaveValue 实现 Admin。
func (s *StaticSettings) SaveValue(_ context.Context, key, value string) error {
	if err := ValidateKey(key, value); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

// SavePrompt 实现 Admin。
func (s *StaticSettings) SavePrompt(_ context.Context, role prompts.Role, content string) error {
	if prompts.Default(role) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "未知的提示词角色: "+string(role))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts[role] = content
	return nil
}

var keyAliases = map[string]string{
	"provider":  KeyProvider,
	"model":     KeyModel,
	"api_key":   KeyAPIKey,
	KeyProvider: KeyProvider,
	KeyModel:    KeyModel,
	KeyAPIKey:   KeyAPIKey,
}

// ResolveKey 将 provider、model、api_key 等简写解析为设置项键名。
func ResolveKey(name string) (string, bool) {
	key, ok := keyAliases[strings.ToLower(strings.TrimSpace(name))]
	return key, ok
}

// ValidateKey 校验可写的设置项。
func ValidateKey(key, value string) error {
	switch key {
	case KeyProvider:
		if _, ok := llm.LookupProvider(value); !ok {
			return xerrors.New(xerrors.CodeInvalidArgument, "不支持的模型服务商: "+value)
		}
	case KeyModel, KeyAPIKey:
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, "未知的设置项: "+key)
	}
	return nil
}
