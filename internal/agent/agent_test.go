package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenEcon-Agent/internal/errors"
	"OpenEcon-Agent/internal/llm"
	"OpenEcon-Agent/internal/prompts"
	"OpenEcon-Agent/internal/tools"
)

// scriptedLLM replays responses in order and records every request.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []*llm.Response
	err       error
	wait      time.Duration
	requests  []llm.Request
}

func (s *scriptedLLM) Chat(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	if s.wait > 0 {
		select {
		case <-time.After(s.wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.responses) == 0 {
		return &llm.Response{Message: llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "again", Name: "eco"}}}}, nil
	}
	next := s.responses[0]
	s.responses = s.responses[1:]
	return next, nil
}

func toolCall(id, name, args string) *llm.Response {
	return &llm.Response{Message: llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: id, Name: name, Arguments: args}}}}
}

func answer(text string) *llm.Response {
	return &llm.Response{Message: llm.Message{Role: llm.RoleAssistant, Content: text}}
}

func echoGroup(domain tools.Domain) *tools.Group {
	return tools.NewGroup(domain, tools.Tool{
		Name: "eco",
		Run: func(_ context.Context, args tools.Args) tools.Result {
			return tools.Success(map[string]string{"eco": args.String("texto")})
		},
	})
}

func TestRunFeedsToolResultsBack(t *testing.T) {
	client := &scriptedLLM{responses: []*llm.Response{
		toolCall("c1", "eco", `{"texto":"hola"}`),
		answer("  La TRM cerró en 4359.  "),
	}}
	runner := New(client, tools.Catalog{})

	got, err := runner.Run(context.Background(), Spec{Prompt: "Eres TRM.", Group: echoGroup(tools.DomainExchangeRate), Temperature: 0.1}, "¿TRM?")
	require.NoError(t, err)
	assert.Equal(t, "La TRM cerró en 4359.", got)

	require.Len(t, client.requests, 2)
	first := client.requests[0]
	assert.Equal(t, 0.1, first.Temperature)
	require.Len(t, first.Tools, 1)
	assert.Equal(t, "eco", first.Tools[0].Name)
	assert.Equal(t, llm.RoleSystem, first.Messages[0].Role)
	assert.Equal(t, "Eres TRM.", first.Messages[0].Content)

	second := client.requests[1].Messages
	require.Len(t, second, 4)
	assert.Equal(t, llm.RoleAssistant, second[2].Role)
	assert.Equal(t, llm.RoleTool, second[3].Role)
	assert.Equal(t, "c1", second[3].ToolCallID)
	assert.JSONEq(t, `{"eco":"hola"}`, second[3].Content)
}

func TestRunRejectsToolsOutsideGroup(t *testing.T) {
	client := &scriptedLLM{responses: []*llm.Response{
		toolCall("c1", "consultar_balanza_comercial", ""),
		answer("No tengo acceso a comercio."),
	}}
	runner := New(client, tools.Catalog{})

	got, err := runner.Run(context.Background(), Spec{Group: echoGroup(tools.DomainExchangeRate)}, "¿Balanza?")
	require.NoError(t, err)
	assert.Equal(t, "No tengo acceso a comercio.", got)

	toolMsg := client.requests[1].Messages[3]
	assert.Contains(t, toolMsg.Content, `"error"`)
	assert.Contains(t, toolMsg.Content, "no está disponible")
}

func TestRunFailsLoudly(t *testing.T) {
	group := echoGroup(tools.DomainStatistics)

	t.Run("model error", func(t *testing.T) {
		runner := New(&scriptedLLM{err: errors.New("401 unauthorized")}, tools.Catalog{})
		_, err := runner.Run(context.Background(), Spec{Group: group}, "¿IPC?")
		require.Error(t, err)
		assert.Equal(t, xerrors.CodeSpecialistFailure, xerrors.CodeOf(err))
		assert.Equal(t, xerrors.StageSpecialist, xerrors.StageOf(err))
	})

	t.Run("empty answer", func(t *testing.T) {
		runner := New(&scriptedLLM{responses: []*llm.Response{answer("   ")}}, tools.Catalog{})
		_, err := runner.Run(context.Background(), Spec{Group: group}, "¿IPC?")
		assert.Equal(t, xerrors.CodeSpecialistFailure, xerrors.CodeOf(err))
	})

	t.Run("loop exhausted", func(t *testing.T) {
		client := &scriptedLLM{}
		runner := New(client, tools.Catalog{}, WithMaxSteps(3))
		_, err := runner.Run(context.Background(), Spec{Group: group}, "¿IPC?")
		assert.Equal(t, xerrors.CodeSpecialistFailure, xerrors.CodeOf(err))
		assert.Len(t, client.requests, 3)
	})

	t.Run("timeout", func(t *testing.T) {
		runner := New(&scriptedLLM{wait: 50 * time.Millisecond}, tools.Catalog{}, WithLLMTimeout(10*time.Millisecond))
		_, err := runner.Run(context.Background(), Spec{Group: group}, "¿IPC?")
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
		assert.Equal(t, xerrors.StageSpecialist, xerrors.StageOf(err))
	})
}

func TestRunRejectsEmptyQuestion(t *testing.T) {
	client := &scriptedLLM{}
	_, err := New(client, tools.Catalog{}).Run(context.Background(), Spec{Group: echoGroup(tools.DomainTrade)}, " \n")
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
	assert.Empty(t, client.requests)
}

func TestRunSpecialistResolvesPromptAndGroup(t *testing.T) {
	client := &scriptedLLM{responses: []*llm.Response{answer("Superávit.")}}
	catalog := tools.Catalog{Trade: echoGroup(tools.DomainTrade)}
	runner := New(client, catalog)

	set := prompts.Set{Overrides: map[prompts.Role]string{prompts.RoleTrade: "Prompt de comercio"}}
	got, err := runner.RunSpecialist(context.Background(), tools.DomainTrade, "¿Balanza?", set, 0.1)
	require.NoError(t, err)
	assert.Equal(t, "Superávit.", got)
	assert.Equal(t, "Prompt de comercio", client.requests[0].Messages[0].Content)

	_, err = runner.RunSpecialist(context.Background(), tools.DomainStatistics, "¿IPC?", set, 0.1)
	assert.Equal(t, xerrors.CodeSpecialistFailure, xerrors.CodeOf(err))

	_, err = runner.RunSpecialist(context.Background(), tools.Domain("clima"), "¿Lluvia?", set, 0.1)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestRoleFor(t *testing.T) {
	role, ok := RoleFor(tools.DomainAll)
	require.True(t, ok)
	assert.Equal(t, prompts.RoleSingleAgent, role)
	assert.NotEmpty(t, prompts.Default(role))

	_, ok = RoleFor(tools.Domain("clima"))
	assert.False(t, ok)
}
