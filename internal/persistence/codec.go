package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/boardflow/pkg/api"
)

// runDocument is the stored form of a RunRecord. Every backend keeps it as a
// JSON payload next to whatever columns it indexes on.
type runDocument struct {
	ID           string                `json:"id"`
	Board        string                `json:"board"`
	Status       api.Status            `json:"status"`
	Inputs       api.InputValues       `json:"inputs,omitempty"`
	State        *api.ReanimationState `json:"state,omitempty"`
	PendingInput *api.InputRequest     `json:"pendingInput,omitempty"`
	Outputs      []api.OutputValues    `json:"outputs,omitempty"`
	Error        string                `json:"error,omitempty"`
	CreatedAt    time.Time             `json:"createdAt"`
	UpdatedAt    time.Time             `json:"updatedAt"`
}

// EncodeRun serializes rec. Values that are not plain JSON data yield a
// SerializationError.
func EncodeRun(rec *api.RunRecord) ([]byte, error) {
	if rec == nil {
		return nil, errors.New("persistence: nil run record")
	}
	doc := runDocument{
		ID:           rec.ID,
		Board:        rec.Board,
		Status:       rec.Status,
		Inputs:       rec.Inputs,
		State:        rec.State,
		PendingInput: rec.PendingInput,
		Outputs:      rec.Outputs,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
	if rec.Err != nil {
		doc.Error = rec.Err.Error()
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, &api.SerializationError{Err: fmt.Errorf("run %s: %w", rec.ID, err)}
	}
	return data, nil
}

// DecodeRun is the inverse of EncodeRun.
func DecodeRun(data []byte) (*api.RunRecord, error) {
	if len(data) == 0 {
		return nil, ErrRunNotFound
	}
	var doc runDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("persistence: decode run: %w", err)
	}
	rec := &api.RunRecord{
		ID:           doc.ID,
		Board:        doc.Board,
		Status:       doc.Status,
		Inputs:       doc.Inputs,
		State:        doc.State,
		PendingInput: doc.PendingInput,
		Outputs:      doc.Outputs,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}
	if doc.Error != "" {
		rec.Err = errors.New(doc.Error)
	}
	return rec, nil
}


// EncodeBoard and DecodeBoard store boards in their JSON board format.
func EncodeBoard(g api.GraphDescriptor) ([]byte, error) {
	return json.Marshal(g)
}

func DecodeBoard(data []byte) (api.GraphDescriptor, error) {
	g, err := api.ParseGraph(data)
	if err != nil {
		return api.GraphDescriptor{}, err
	}
	return *g, nil
}

func unixNano(n int64) time.Time {
	return time.Unix(0, n)
}
