package limiter

import "time"

// Decision outcomes reported to a Recorder.
const (
	OutcomeAllowed     = "allowed"
	OutcomeLimited     = "limited"
	OutcomeBlacklisted = "blacklisted"
	OutcomeWhitelisted = "whitelisted"
)

// Recorder receives limiter metrics. Implementations must be safe for
// concurrent use.
type Recorder interface {
	RecordDecision(outcome string, elapsed time.Duration)
	RecordRejection(dimension string)
	RecordAlert(dimension string)
	RecordStoreError(dimension string)
}

type NoopRecorder struct{}

func (NoopRecorder) RecordDecision(string, time.Duration) {}
func (NoopRecorder) RecordRejection(string)               {}
func (NoopRecorder) RecordAlert(string)                   {}
func (NoopRecorder) RecordStoreError(string)              {}
