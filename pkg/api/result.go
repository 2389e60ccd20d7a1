package api

// ResultType classifies the items yielded by a run.
type ResultType string

const (
	ResultProbe  ResultType = "probe"
	ResultInput  ResultType = "input"
	ResultOutput ResultType = "output"
	ResultError  ResultType = "error"
	ResultEnd    ResultType = "end"
)

// HarnessResult is one item of a run's result sequence. Exactly one of the
// payload fields is set, matching Type.
type HarnessResult struct {
	Type ResultType `json:"type"`

	Probe *ProbeMessage `json:"probe,omitempty"`
	Input *InputRequest `json:"input,omitempty"`

	// Output result.
	Node    *NodeDescriptor `json:"node,omitempty"`
	Outputs OutputValues    `json:"outputs,omitempty"`
	Path    []int           `json:"path,omitempty"`

	// Error result.
	Error string `json:"error,omitempty"`
	Err   error  `json:"-"`
}

// Terminal reports whether the run has no further results after this one.
func (r HarnessResult) Terminal() bool {
	return r.Type == ResultError || r.Type == ResultEnd
}
