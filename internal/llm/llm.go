package llm

import "context"

// Role 表示对话消息的发送方。
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message 是一条对话消息；助手消息可以携带工具调用，工具消息通过 ToolCallID 回填结果。
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	Name       string
}

// ToolCall 描述模型提出的一次工具调用，Arguments 为原始 JSON 文本。
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolSpec 是向模型公开的工具声明，Parameters 为 JSON Schema。
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request 描述一次对话补全请求。
type Request struct {
	Messages    []Message
	Tools       []ToolSpec
	Temperature float64
}

// Usage 记录服务端返回的 token 用量，未返回时为零值。
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Response 是模型返回的一条助手消息。
type Response struct {
	Message Message
	Usage   Usage
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Chat(ctx context.Context, req Request) (*Response, error)
}

// ClientFunc 允许用普通函数实现 Client。
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

// Chat 实现 Client。
func (f ClientFunc) Chat(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// System 构造系统消息。
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User 构造用户消息。
func User(content string) Message { return Message{Role: RoleUser, Content: content} }
