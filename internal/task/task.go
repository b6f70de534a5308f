// Package task defines the queue envelope and the typed views workers
// execute. The envelope is a type tag plus a flat string map, stable
// across producer and consumer versions.
package task

import (
	"encoding/json"

	"github.com/storeroute/storeroute/pkg/errors"
)

// Task is the generic envelope carried by the queue.
type Task struct {
	Type       string            `json:"type"`
	Properties map[string]string `json:"properties"`
}

// New returns an empty envelope of the given type.
func New(taskType string) Task {
	return Task{Type: taskType, Properties: make(map[string]string)}
}

// Property returns the value stored under key.
func (t Task) Property(key string) (string, bool) {
	v, ok := t.Properties[key]
	return v, ok
}

// Marshal encodes the envelope.
func (t Task) Marshal() ([]byte, error) {
	props := t.Properties
	if props == nil {
		props = map[string]string{}
	}
	data, err := json.Marshal(Task{Type: t.Type, Properties: props})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSerializationFailed, "encode task").
			WithComponent("task")
	}
	return data, nil
}

// Unmarshal decodes an envelope. An envelope without a type is rejected.
func Unmarshal(data []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return Task{}, errors.Wrap(err, errors.ErrCodeSerializationFailed, "decode task").
			WithComponent("task")
	}
	if t.Type == "" {
		return Task{}, errors.NewError(errors.ErrCodeSerializationFailed, "task envelope has no type").
			WithComponent("task")
	}
	if t.Properties == nil {
		t.Properties = make(map[string]string)
	}
	return t, nil
}
