package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	appErr "autotest/pkg/errors"
)

// Step is one individually scored unit of work.
type Step struct {
	ID     int64           `json:"id"`
	Name   string          `json:"name,omitempty"`
	Weight float64         `json:"weight"`
	Kind   string          `json:"test_type_name"`
	Data   json.RawMessage `json:"data"`
}

// Suite is an ordered list of steps sharing one clean sandbox state.
type Suite struct {
	ID    int64  `json:"id"`
	Steps []Step `json:"steps"`
}

// Set is an ordered list of suites gated by StopPoints.
type Set struct {
	ID         int64   `json:"id"`
	Suites     []Suite `json:"suites"`
	StopPoints float64 `json:"stop_points"`
}

// BaseSystemRef names an enabled base system from the catalog.
type BaseSystemRef struct {
	ID string `json:"id"`
}

// UnmarshalJSON accepts both string and numeric ids.
func (r *BaseSystemRef) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	id, err := rawID(raw.ID)
	if err != nil {
		return err
	}
	r.ID = id
	return nil
}

// Fixture is a file that is downloaded into every sandbox before cloning.
type Fixture struct {
	Name string
	ID   int64
}

// UnmarshalJSON accepts the coordinator's [name, id] pair as well as an object.
func (f *Fixture) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var pair []json.RawMessage
		if err := json.Unmarshal(data, &pair); err != nil {
			return err
		}
		if len(pair) != 2 {
			return fmt.Errorf("fixture pair must have 2 elements, got %d", len(pair))
		}
		if err := json.Unmarshal(pair[0], &f.Name); err != nil {
			return fmt.Errorf("fixture name: %w", err)
		}
		return json.Unmarshal(pair[1], &f.ID)
	}
	var obj struct {
		Name string `json:"name"`
		ID   int64  `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	f.Name, f.ID = obj.Name, obj.ID
	return nil
}

// Instructions describe one run. Values are built by ParseInstructions and treated as read-only.
type Instructions struct {
	RunnerID          string          `json:"runner_id"`
	RunID             int64           `json:"run_id"`
	AutoTestID        int64           `json:"auto_test_id"`
	ResultIDs         []int64         `json:"result_ids"`
	Sets              []Set           `json:"sets"`
	BaseSystems       []BaseSystemRef `json:"base_systems"`
	Fixtures          []Fixture       `json:"fixtures"`
	SetupScript       string          `json:"setup_script"`
	HeartbeatInterval int             `json:"heartbeat_interval"`
}

// ParseInstructions decodes and validates a coordinator response body.
func ParseInstructions(data []byte) (*Instructions, error) {
	var ins Instructions
	if err := json.Unmarshal(data, &ins); err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidInstructions, "decode instructions failed")
	}
	if err := ins.Validate(); err != nil {
		return nil, err
	}
	return &ins, nil
}

// Validate checks the invariants every consumer relies on.
func (ins *Instructions) Validate() error {
	if ins.RunnerID == "" {
		return appErr.ValidationError("runner_id", "required")
	}
	if ins.RunID <= 0 {
		return appErr.ValidationError("run_id", "must be positive")
	}
	if ins.AutoTestID <= 0 {
		return appErr.ValidationError("auto_test_id", "must be positive")
	}
	if ins.HeartbeatInterval <= 0 {
		return appErr.ValidationError("heartbeat_interval", "must be positive")
	}

	seenResults := make(map[int64]struct{}, len(ins.ResultIDs))
	for _, id := range ins.ResultIDs {
		if id <= 0 {
			return appErr.ValidationError("result_ids", "ids must be positive")
		}
		if _, ok := seenResults[id]; ok {
			return appErr.ValidationError("result_ids", fmt.Sprintf("duplicate id %d", id))
		}
		seenResults[id] = struct{}{}
	}

	seenSteps := make(map[int64]struct{})
	for _, set := range ins.Sets {
		if set.StopPoints < 0 {
			return appErr.ValidationError("stop_points", fmt.Sprintf("set %d has negative stop points", set.ID))
		}
		for _, suite := range set.Suites {
			for _, step := range suite.Steps {
				if step.Kind == "" {
					return appErr.ValidationError("test_type_name", fmt.Sprintf("step %d has no kind", step.ID))
				}
				if step.Weight < 0 {
					return appErr.ValidationError("weight", fmt.Sprintf("step %d has negative weight", step.ID))
				}
				if _, ok := seenSteps[step.ID]; ok {
					return appErr.ValidationError("steps", fmt.Sprintf("duplicate step id %d", step.ID))
				}
				seenSteps[step.ID] = struct{}{}
			}
		}
	}

	for _, fixture := range ins.Fixtures {
		if fixture.Name == "" || fixture.ID <= 0 {
			return appErr.ValidationError("fixtures", "fixtures need a name and a positive id")
		}
	}
	for _, bs := range ins.BaseSystems {
		if bs.ID == "" {
			return appErr.ValidationError("base_systems", "base system id is required")
		}
	}
	return nil
}

// Heartbeat returns the heartbeat interval as a duration.
func (ins *Instructions) Heartbeat() time.Duration {
	return time.Duration(ins.HeartbeatInterval) * time.Second
}

// StepCount returns the number of steps across all sets.
func (ins *Instructions) StepCount() int {
	n := 0
	for _, set := range ins.Sets {
		for _, suite := range set.Suites {
			n += len(suite.Steps)
		}
	}
	return n
}

func rawID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}
