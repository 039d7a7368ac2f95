package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsecutiveFailures(t *testing.T) {
	retry := ConsecutiveFailures{Threshold: 3}
	suspend := ConsecutiveFailures{Threshold: 3, Mode: RecoverySuspend}

	for _, p := range []ConsecutiveFailures{retry, suspend} {
		assert.False(t, p.ShouldDiscard(2, 1000))
		assert.True(t, p.ShouldDiscard(3, 1))
		assert.True(t, p.ShouldDiscard(4, 1))
	}

	assert.False(t, retry.Suspended(10))
	assert.False(t, suspend.Suspended(0))
	assert.False(t, suspend.Suspended(2))
	assert.True(t, suspend.Suspended(3))

	assert.False(t, ConsecutiveFailures{Threshold: 0, Mode: RecoverySuspend}.Suspended(0))
	assert.Equal(t, "consecutive_failures(threshold=3, mode=retry)", retry.String())
}

func TestCriticalSize(t *testing.T) {
	p := CriticalSize{MaxPending: 500}
	assert.False(t, p.ShouldDiscard(100, 499))
	assert.True(t, p.ShouldDiscard(1, 500))
	assert.False(t, p.Suspended(1000))
	assert.Equal(t, "critical_size(max_pending=500)", p.String())
}

func TestParseRecoveryMode(t *testing.T) {
	m, err := ParseRecoveryMode("")
	require.NoError(t, err)
	assert.Equal(t, RecoveryRetry, m)

	m, err = ParseRecoveryMode("suspend")
	require.NoError(t, err)
	assert.Equal(t, RecoverySuspend, m)

	_, err = ParseRecoveryMode("forever")
	assert.Error(t, err)
}
