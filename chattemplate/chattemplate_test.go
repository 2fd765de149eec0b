package chattemplate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wgpuinfer/core/errs"
)

func TestApplyChatML(t *testing.T) {
	out, err := Apply("chatml", "hello")
	require.NoError(t, err)
	assert.Equal(t, "<|im_start|>user\nhello<|im_end|>\n<|im_start|>assistant\n", out)
}

func TestApplyGemma(t *testing.T) {
	out, err := Apply("gemma", "hi")
	require.NoError(t, err)
	assert.Equal(t, "<start_of_turn>user\nhi<end_of_turn>\n<start_of_turn>model\n", out)
}

func TestApplyUnknownKindFails(t *testing.T) {
	_, err := Apply("mystery", "hello")
	assert.ErrorIs(t, err, errs.Of(errs.InvalidConfig))
}

func TestKnown(t *testing.T) {
	assert.True(t, Known("llama3"))
	assert.True(t, Known("phi3"))
	assert.False(t, Known(""))
	assert.False(t, Known("mystery"))
}

func TestPromptTextIsNotEscaped(t *testing.T) {
	out, err := Apply("chatml", `a < b && "c"`)
	require.NoError(t, err)
	assert.Contains(t, out, `a < b && "c"`)
}
