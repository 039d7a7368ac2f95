package metrics

import "fmt"

// DefaultErrorThreshold is the number of consecutive failed writes after
// which failed batches are discarded.
const DefaultErrorThreshold = 5

// RecoveryMode selects what happens once the error threshold is reached.
type RecoveryMode string

const (
	// RecoveryRetry keeps attempting writes on every flush. Failed batches
	// are discarded while the counter stays at or over the threshold.
	RecoveryRetry RecoveryMode = "retry"
	// RecoverySuspend stops writing altogether: every flush drops the
	// pending batch until the counter is reset.
	RecoverySuspend RecoveryMode = "suspend"
)

// DiscardPolicy decides when buffered data is given up to keep memory
// bounded while the sink is failing.
type DiscardPolicy interface {
	// ShouldDiscard is consulted after a failed write with the updated
	// consecutive failure count and the size of the failed batch.
	ShouldDiscard(failures, batchSize int) bool
	// Suspended reports whether a flush should drop its batch without
	// attempting a write.
	Suspended(failures int) bool
	// String describes the policy for logs
	String() string
}

// ConsecutiveFailures discards a failed batch once Threshold writes in a
// row have failed.
type ConsecutiveFailures struct {
	Threshold int
	Mode      RecoveryMode
}

func (p ConsecutiveFailures) ShouldDiscard(failures, _ int) bool {
	return failures >= p.Threshold
}

func (p ConsecutiveFailures) Suspended(failures int) bool {
	return p.Mode == RecoverySuspend && failures > 0 && failures >= p.Threshold
}

func (p ConsecutiveFailures) String() string {
	mode := p.Mode
	if mode == "" {
		mode = RecoveryRetry
	}
	return fmt.Sprintf("consecutive_failures(threshold=%d, mode=%s)", p.Threshold, mode)
}

// CriticalSize discards a failed batch when it holds at least MaxPending
// points, regardless of how many writes failed before it.
type CriticalSize struct {
	MaxPending int
}

func (p CriticalSize) ShouldDiscard(_, batchSize int) bool {
	return batchSize >= p.MaxPending
}

func (p CriticalSize) Suspended(int) bool { return false }

func (p CriticalSize) String() string {
	return fmt.Sprintf("critical_size(max_pending=%d)", p.MaxPending)
}

// ParseRecoveryMode validates a textual recovery mode; empty means retry.
func ParseRecoveryMode(s string) (RecoveryMode, error) {
	switch RecoveryMode(s) {
	case "", RecoveryRetry:
		return RecoveryRetry, nil
	case RecoverySuspend:
		return RecoverySuspend, nil
	default:
		return "", fmt.Errorf("unknown recovery mode %q", s)
	}
}
