package scheduler

import "github.com/mohitkumar/dagjob/server/model"

// Decision is the outcome of the block-strategy check for a trigger
// arriving while a prior run of the same job may still be active.
type Decision int

const (
	PROCEED Decision = iota
	DISCARD
	PROCEED_AFTER_KILL
)

// Decide resolves a job's block strategy. DISCARD is a policy outcome,
// not an error; the caller logs and drops the trigger. The caller must
// hold the job's dispatch lock so check-then-act is atomic per jobId.
func Decide(strategy model.BlockStrategy, hasActiveRun bool) Decision {
	if !hasActiveRun {
		return PROCEED
	}
	switch strategy {
	case model.BLOCK_SERIAL_DISCARD:
		return DISCARD
	case model.BLOCK_COVER_EARLY:
		return PROCEED_AFTER_KILL
	default:
		return PROCEED
	}
}
