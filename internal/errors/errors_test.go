package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageFollowsCode(t *testing.T) {
	err := Wrap(CodeSpecialistFailure, stdErrors.New("boom"), "agente TRM falló")
	assert.Equal(t, StageSpecialist, StageOf(err))
	assert.Equal(t, CodeSpecialistFailure, CodeOf(err))
	assert.True(t, RetryableError(err))
}

func TestStageOverrideAndNesting(t *testing.T) {
	inner := New(CodeSynthesisFailure, "")
	outer := Wrap(CodeModelUnavailable, inner, "模型不可用")
	assert.Equal(t, StageSynthesis, StageOf(outer), "stage should come from the wrapped error")

	forced := New(CodeModelUnavailable, "x", WithStage(StageClassification))
	assert.Equal(t, StageClassification, StageOf(forced))

	assert.Equal(t, StageUnknown, StageOf(stdErrors.New("plain")))
}

func TestIsComparesCodes(t *testing.T) {
	err := fmt.Errorf("ctx: %w", New(CodeInvalidArgument, "问题不能为空"))
	require.True(t, stdErrors.Is(err, New(CodeInvalidArgument, "")))
	assert.False(t, stdErrors.Is(err, New(CodeStorageFailure, "")))
}

func TestRegisterCustomCode(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	Register(code, Attributes{Message: "custom", Severity: SeverityInfo, Stage: StagePersistence})
	err := New(code, "")
	assert.Equal(t, "custom", err.Message())
	assert.Equal(t, StagePersistence, err.Stage())
	assert.Equal(t, SeverityInfo, SeverityOf(err))
	assert.False(t, ShouldAlert(err))
}
