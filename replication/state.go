package replication

import (
	"github.com/zeebo/errs"
)

var (
	// PromotionError is the error class for reconcile, compress, export and
	// synchronize failures.
	PromotionError = errs.Class("promotion")
	// DeliveryError is the error class for change files that could not be
	// delivered to the export path.
	DeliveryError = errs.Class("delivery")
)

// State is a step of a replica run.
type State int

// Replica run states, in order.
const (
	Idle State = iota
	Locked
	Fetching
	Applying
	PromotionGate
	Reconciling
	Synchronizing
	Exporting
	Delivering
	Unlocked
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Locked:
		return "locked"
	case Fetching:
		return "fetching"
	case Applying:
		return "applying"
	case PromotionGate:
		return "promotion gate"
	case Reconciling:
		return "reconciling"
	case Synchronizing:
		return "synchronizing"
	case Exporting:
		return "exporting"
	case Delivering:
		return "delivering"
	case Unlocked:
		return "unlocked"
	default:
		return "unknown"
	}
}

// Outcome is how a replica run ended.
type Outcome int

// Run outcomes.
const (
	// Failed means the run stopped on an error.
	Failed Outcome = iota
	// Busy means another run held the lock.
	Busy
	// NoChanges means nothing was applied so promotion was skipped.
	NoChanges
	// Promoted means changes were applied and synchronized to production.
	Promoted
	// Exported means a change message was written and synchronized.
	Exported
)

func (o Outcome) String() string {
	switch o {
	case Failed:
		return "failed"
	case Busy:
		return "busy"
	case NoChanges:
		return "no changes"
	case Promoted:
		return "promoted"
	case Exported:
		return "exported"
	default:
		return "unknown"
	}
}

// Report summarizes one replica run.
type Report struct {
	Replica string
	RunID   string
	Outcome Outcome
	// Applied is the number of change records applied across datasets.
	Applied int
	// Exported is the number of changes written to the change message.
	Exported int
	// Artifact is the delivered change file, if any.
	Artifact string
	// States lists the states the run passed through.
	States []State
	// Err holds the failure of a Failed run and any non-fatal errors.
	Err error
}

func (r *Report) enter(s State) { r.States = append(r.States, s) }

func (r *Report) fail(err error) {
	r.Outcome = Failed
	r.Err = errs.Combine(r.Err, err)
}

// Reached reports whether the run passed through s.
func (r Report) Reached(s State) bool {
	for _, v := range r.States {
		if v == s {
			return true
		}
	}
	return false
}
