package audit

import (
	"errors"
	"fmt"
)

var (
	// ErrWriteFailed means the audit record could not be durably appended.
	// The triggering mutation must not be committed: an unlogged privileged
	// change is worse than a failed one.
	ErrWriteFailed = errors.New("audit write failed")
)

// ChainIntegrityError reports the first record whose stored hash does not
// match the replayed chain. It is only ever produced by verification; normal
// operation does not recompute past hashes. Never auto-repaired.
type ChainIntegrityError struct {
	OrgID   uint
	Seq     uint64 // sync_event.id of the offending record
	EventID string
	Reason  string
}

func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf("audit chain integrity violation: org=%d seq=%d event=%s: %s", e.OrgID, e.Seq, e.EventID, e.Reason)
}
