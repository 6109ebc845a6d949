package orchestrator

// ProcessError is one isolated per-template failure inside a batch.
type ProcessError struct {
	File     string `json:"file"`
	Template string `json:"templateName"`
	Error    string `json:"error"`
	Hint     string `json:"hint,omitempty"`
}

// Result is the outcome of one batch run. It is always fully populated,
// even under partial failure; only project-level misconfiguration aborts
// without a result.
type Result struct {
	Built   []string       `json:"built"`
	Applied []string       `json:"applied"`
	Skipped []string       `json:"skipped"`
	Errors  []ProcessError `json:"errors"`
}

// Status is the read-only classification of one template for listing and
// registration tooling.
type Status struct {
	Path             string `json:"path"`
	Name             string `json:"name"`
	WIP              bool   `json:"wip"`
	NeedsBuild       bool   `json:"needsBuild"`
	NeedsApply       bool   `json:"needsApply"`
	LastBuildDate    string `json:"lastBuildDate,omitempty"`
	LastBuildError   string `json:"lastBuildError,omitempty"`
	LastAppliedDate  string `json:"lastAppliedDate,omitempty"`
	LastAppliedError string `json:"lastAppliedError,omitempty"`
}
