package pipeline

import (
	"encoding/json"

	"skyplate/internal/errors"
)

// ResultView is the wire form of a Result for HTTP, SSE, websocket and gRPC clients.
type ResultView struct {
	ID     string         `json:"id"`
	Type   JobType        `json:"type"`
	Input  string         `json:"input"`
	Status string         `json:"status"`
	Error  string         `json:"error,omitempty"`
	Kind   string         `json:"kind,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// Status is "completed" or "failed", the same values stored for the job.
func (r Result) Status() string {
	if r.Error != nil {
		return "failed"
	}
	return "completed"
}

// View flattens r for serialisation.
func (r Result) View() ResultView {
	v := ResultView{
		ID:     r.Job.ID,
		Type:   r.Job.Type,
		Input:  r.Job.InputPath,
		Status: r.Status(),
		Meta:   r.Meta,
	}
	if r.Error != nil {
		v.Error = r.Error.Error()
		if kind := errors.Kind(r.Error); kind != nil {
			v.Kind = kind.Error()
		}
	}
	return v
}

// Map returns the view as plain JSON values.
func (v ResultView) Map() (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
