package sync

// Decision is the action chosen for one file or directory. It is computed on
// every run and never stored.
type Decision string

const (
	DecisionUpToDate        Decision = "UpToDate"
	DecisionPush            Decision = "Push"
	DecisionPull            Decision = "Pull"
	DecisionCreateRemoteDir Decision = "CreateRemoteDir"
	DecisionCreateLocalDir  Decision = "CreateLocalDir"
	// DecisionUnknown marks a unit that failed before a decision was reached.
	DecisionUnknown Decision = "Unknown"
)

func (d Decision) String() string {
	return string(d)
}

// Transfers reports whether the decision moves file bytes.
func (d Decision) Transfers() bool {
	return d == DecisionPush || d == DecisionPull
}
