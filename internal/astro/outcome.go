package astro

// UnableToSolve is the reason reported when an engine finishes unresolved.
const UnableToSolve = "unable to solve image"

// Outcome is the result of one solving session: Solved or Failed.
type Outcome interface {
	isOutcome()
}

// Solved carries the artifacts of a successful solve.
type Solved struct {
	Stars    []StarDetection
	Solution PlateSolution
}

// Failed reports a session that completed without a solution.
type Failed struct {
	Reason string
}

func (Solved) isOutcome() {}
func (Failed) isOutcome() {}

func (f Failed) String() string {
	return "failed: " + f.Reason
}

// IsSolved reports whether o is a Solved outcome.
func IsSolved(o Outcome) bool {
	_, ok := o.(Solved)
	return ok
}
