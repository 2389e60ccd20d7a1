package taskqueue

import (
	"encoding/json"
	"fmt"
)

// EncodeTask serializes t as JSON.
func EncodeTask(t Task) ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("taskqueue: encode task %s: %w", t.ID, err)
	}
	return data, nil
}

// DecodeTask parses a task written by EncodeTask.
func DecodeTask(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("taskqueue: decode task: %w", err)
	}
	return &t, nil
}
