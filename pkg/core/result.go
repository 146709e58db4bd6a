package core

import "encoding/json"

// Result is an executor's output for one work unit. Score is normalized to
// [0,1]; Detail carries kind-specific structure (per-question tallies for
// knowledge tests, per-phase outcomes and the judge verdict for coding
// tasks).
type Result struct {
	Score   float64         `json:"score"`
	Passed  bool            `json:"passed"`
	Summary string          `json:"summary,omitempty"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}

// Encode serializes the result for storage on the work unit.
func (r *Result) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeResult deserializes a stored unit result. Returns nil for units
// that never produced one.
func DecodeResult(data []byte) (*Result, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
