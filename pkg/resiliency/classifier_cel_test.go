package resiliency

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCELClassifier(t *testing.T) {
	c, err := NewCELClassifier(`status == 409 || (network && !canceled) || message.contains("nonce too low")`)
	require.NoError(t, err)
	assert.Contains(t, c.Expression(), "status == 409")

	retry, ok := c.Classify(&HTTPError{Status: 409})
	assert.True(t, ok)
	assert.True(t, retry)

	retry, ok = c.Classify(fmt.Errorf("anchor: %w", errors.New("Nonce too low")))
	assert.True(t, ok)
	assert.True(t, retry)

	retry, ok = c.Classify(timeoutErr{})
	assert.True(t, ok)
	assert.True(t, retry)

	retry, ok = c.Classify(&HTTPError{Status: 503})
	assert.True(t, ok)
	assert.False(t, retry, "the expression is authoritative when it evaluates")

	_, ok = c.Classify(nil)
	assert.False(t, ok)
}

func TestCELClassifier_TimeoutVariable(t *testing.T) {
	c, err := NewCELClassifier(`timeout`)
	require.NoError(t, err)

	retry, _ := c.Classify(fmt.Errorf("wrapped: %w", context.DeadlineExceeded))
	assert.True(t, retry)
	retry, _ = c.Classify(errBoom)
	assert.False(t, retry)
}

func TestNewCELClassifier_Rejects(t *testing.T) {
	_, err := NewCELClassifier(`status +`)
	require.Error(t, err)

	_, err = NewCELClassifier(`status + 1`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must return bool")

	_, err = NewCELClassifier(`unknown_var == 1`)
	require.Error(t, err)
}

func TestCELClassifier_WithRetrier(t *testing.T) {
	c, err := NewCELClassifier(`status == 404`)
	require.NoError(t, err)
	sl := &recordedSleep{}
	r := NewRetrier(DefaultRetryConfig(), WithClassifier(c), WithSleep(sl.sleep))

	calls := 0
	err = r.Execute(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return &HTTPError{Status: 404}
		}
		return nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}
