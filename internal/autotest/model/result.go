package model

// StepResult is one upsert of a step result. ID is zero until the coordinator
// assigned one in its first response.
type StepResult struct {
	ID     int64          `json:"id,omitempty"`
	StepID int64          `json:"auto_test_step_id"`
	State  StepState      `json:"state"`
	Log    map[string]any `json:"log"`
}

// ResultUpdate is a partial update of a submission result; empty fields are omitted.
type ResultUpdate struct {
	State       ResultState `json:"state,omitempty"`
	SetupStdout *string     `json:"setup_stdout,omitempty"`
	SetupStderr *string     `json:"setup_stderr,omitempty"`
}
