package apply

import "github.com/viant/featuresync/cdc"

// Result is the outcome of applying one record.
type Result int

const (
	// NotApplied means the operation ran but changed nothing, such as a
	// delete that matched no feature.
	NotApplied Result = iota
	// Applied means the store was changed.
	Applied
	// AlreadyApplied means an insert found its feature already present.
	AlreadyApplied
	// Skipped means the record carried an unknown operation and was not
	// attempted.
	Skipped
	// Failed means a lookup or mutation returned an error.
	Failed
)

func (r Result) String() string {
	switch r {
	case NotApplied:
		return "not applied"
	case Applied:
		return "applied"
	case AlreadyApplied:
		return "already applied"
	case Skipped:
		return "skipped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Succeeded reports whether the record may be acknowledged.
func (r Result) Succeeded() bool { return r == Applied || r == AlreadyApplied }

// Stats counts attempted and successful operations of a dataset run.
type Stats struct {
	Inserts, InsertsApplied int
	Updates, UpdatesApplied int
	Deletes, DeletesApplied int
	Skipped                 int
	Failed                  int
}

// Add records the result of one operation.
func (s *Stats) Add(op cdc.Operation, r Result) {
	ok := r.Succeeded()
	switch op {
	case cdc.Insert:
		s.Inserts++
		if ok {
			s.InsertsApplied++
		}
	case cdc.Update:
		s.Updates++
		if ok {
			s.UpdatesApplied++
		}
	case cdc.Delete:
		s.Deletes++
		if ok {
			s.DeletesApplied++
		}
	}
	switch r {
	case Skipped:
		s.Skipped++
	case Failed:
		s.Failed++
	}
}

// Applied returns the number of successful operations.
func (s Stats) Applied() int { return s.InsertsApplied + s.UpdatesApplied + s.DeletesApplied }
