package graph

import (
	"context"
	"fmt"
	"strings"

	xerrors "OpenEcon-Agent/internal/errors"
	"OpenEcon-Agent/internal/llm"
	"OpenEcon-Agent/internal/prompts"
	"OpenEcon-Agent/internal/tools"
)

type section struct {
	domain tools.Domain
	agent  string
	header string
	marker string
	source string
}

// sections 的顺序即综合时的拼接顺序。
var sections = []section{
	{tools.DomainExchangeRate, "TRM", "=== AGENTE TRM ===", "[TRM]", "tasa de cambio (Banco de la República)"},
	{tools.DomainTrade, "Datos", "=== AGENTE DATOS ===", "[COMERCIO]", "comercio exterior (balanza y sectores)"},
	{tools.DomainStatistics, "RAG", "=== AGENTE RAG ===", "[DANE]", "boletines y documentos del DANE"},
}

func (g *Graph) synthesize(ctx context.Context, state *State) (string, error) {
	if g.synthesizer == nil {
		return "", xerrors.New(xerrors.CodeSynthesisFailure, "未配置综合模型客户端")
	}

	var (
		agents  []string
		blocks  []string
		tags    []string
		markers []string
		unused  []string
	)
	for _, sec := range sections {
		answer, ok := state.Answer(sec.domain)
		if !ok {
			unused = append(unused, sec.marker)
			continue
		}
		agents = append(agents, sec.agent)
		blocks = append(blocks, sec.header+"\n"+answer)
		tags = append(tags, sec.marker)
		markers = append(markers, sec.marker+" "+sec.source)
	}

	user := fmt.Sprintf("Pregunta original: %s\n\nAgentes consultados: %s\n\nRespuestas de los agentes:\n\n%s\n\n"+
		"Inicia cada sección con la etiqueta de su fuente (%s) y usa solo esas etiquetas.\n\n"+
		"Sintetiza una respuesta final clara y completa:",
		state.Question, strings.Join(agents, ", "), strings.Join(blocks, "\n\n"), strings.Join(tags, ", "))

	resp, err := g.synthesizer.Chat(ctx, llm.Request{
		Messages:    []llm.Message{llm.System(state.Prompts.For(prompts.RoleSynthesizer)), llm.User(user)},
		Temperature: SynthesisTemperature,
	})
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeSynthesisFailure, err, "综合答案失败")
	}
	if resp == nil || strings.TrimSpace(resp.Message.Content) == "" {
		return "", xerrors.New(xerrors.CodeSynthesisFailure, "综合者返回了空答案")
	}

	answer := strings.TrimSpace(resp.Message.Content)
	// 未被咨询的领域标签不能出现在答案中。
	for _, marker := range unused {
		answer = strings.ReplaceAll(answer, marker+" ", "")
		answer = strings.ReplaceAll(answer, marker, "")
	}
	return answer + "\n\nFuentes: " + strings.Join(markers, "; "), nil
}
