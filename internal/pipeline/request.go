package pipeline

import (
	"fmt"
	"strings"
	"unicode/utf8"

	xerrors "OpenEcon-Agent/internal/errors"
	"OpenEcon-Agent/internal/prompts"
)

// Strategy 选择单智能体或多智能体模式。
type Strategy string

const (
	StrategySingle Strategy = "single_agent"
	StrategyMulti  Strategy = "multi_agent"
)

// 请求参数的取值范围。
const (
	MinQuestionLen     = 5
	MaxQuestionLen     = 2000
	DefaultTemperature = 0.2
)

// ParseStrategy 解析策略名，空值表示多智能体；兼容旧名 langchain 与 langgraph。
func ParseStrategy(value string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", string(StrategyMulti), "langgraph", "multi":
		return StrategyMulti, nil
	case string(StrategySingle), "langchain", "single":
		return StrategySingle, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArgument, "不支持的智能体策略: "+value)
	}
}

// Request 是一次咨询请求。
type Request struct {
	Question string `json:"pregunta"`
	// Temperature 为空时使用 DefaultTemperature，仅作用于单智能体模式。
	Temperature *float64          `json:"temperatura,omitempty"`
	Strategy    string            `json:"backend,omitempty"`
	Prompts     map[string]string `json:"prompts,omitempty"`
}

// Validate 检查请求是否可以执行，异步提交时提前拒绝非法输入。
func (r Request) Validate() error {
	_, err := validate(r)
	return err
}

type validated struct {
	question    string
	temperature float64
	strategy    Strategy
	overrides   map[prompts.Role]string
}

// validate 在调用模型前拒绝非法输入。
func validate(req Request) (validated, error) {
	question := strings.TrimSpace(req.Question)
	n := utf8.RuneCountInString(question)
	if n < MinQuestionLen {
		return validated{}, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("问题过短，至少需要 %d 个字符", MinQuestionLen))
	}
	if n > MaxQuestionLen {
		return validated{}, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("问题过长，最多 %d 个字符", MaxQuestionLen))
	}

	temperature := DefaultTemperature
	if req.Temperature != nil {
		temperature = *req.Temperature
		if temperature < 0 || temperature > 1 {
			return validated{}, xerrors.New(xerrors.CodeInvalidArgument, "温度必须在 0 到 1 之间")
		}
	}

	strategy, err := ParseStrategy(req.Strategy)
	if err != nil {
		return validated{}, err
	}

	overrides, err := prompts.Normalize(req.Prompts)
	if err != nil {
		return validated{}, err
	}

	return validated{question: question, temperature: temperature, strategy: strategy, overrides: overrides}, nil
}
