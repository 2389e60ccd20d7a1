// Package protocol implements the message channel between a host and a
// worker: a flat JSON envelope, the message kinds both sides agree on and a
// pipelined connection that correlates requests and responses by id.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/boardflow/pkg/api"
)

// Kind discriminates envelopes. The names are part of the wire format.
type Kind string

const (
	KindStart         Kind = "start"
	KindNodeStart     Kind = "node-start"
	KindNodeEnd       Kind = "node-end"
	KindInputRequest  Kind = "input-request"
	KindInputResponse Kind = "input-response"
	KindLoadRequest   Kind = "load-request"
	KindLoadResponse  Kind = "load-response"
	KindProxyRequest  Kind = "proxy-request"
	KindProxyResponse Kind = "proxy-response"
	KindOutput        Kind = "output"
	KindError         Kind = "error"
	// KindEnd marks the successful end of a remote run.
	KindEnd Kind = "end"
)

var responseKinds = map[Kind]Kind{
	KindInputRequest: KindInputResponse,
	KindLoadRequest:  KindLoadResponse,
	KindProxyRequest: KindProxyResponse,
}

// Known reports whether k is part of the protocol.
func (k Kind) Known() bool {
	switch k {
	case KindStart, KindNodeStart, KindNodeEnd, KindInputRequest, KindInputResponse,
		KindLoadRequest, KindLoadResponse, KindProxyRequest, KindProxyResponse,
		KindOutput, KindError, KindEnd:
		return true
	}
	return false
}

// IsRequest reports whether k opens an exchange that is answered later.
// start is answered by the end or error closing the run.
func (k Kind) IsRequest() bool {
	_, ok := responseKinds[k]
	return ok || k == KindStart
}

// IsResponse reports whether k answers a request.
func (k Kind) IsResponse() bool {
	switch k {
	case KindInputResponse, KindLoadResponse, KindProxyResponse, KindError:
		return true
	}
	return false
}

// Response returns the kind answering k, or KindError when k has none.
func (k Kind) Response() Kind {
	if r, ok := responseKinds[k]; ok {
		return r
	}
	return KindError
}

// Envelope is a single protocol message. Only the fields relevant to a kind
// are set.
type Envelope struct {
	Type Kind   `json:"type"`
	ID   string `json:"id"`

	Board      *api.GraphDescriptor  `json:"board,omitempty"`
	URL        string                `json:"url,omitempty"`
	Node       *api.NodeDescriptor   `json:"node,omitempty"`
	Inputs     api.InputValues       `json:"inputs,omitempty"`
	Outputs    api.OutputValues      `json:"outputs,omitempty"`
	Path       []int                 `json:"path,omitempty"`
	Schema     *api.Schema           `json:"schema,omitempty"`
	State      *api.ReanimationState `json:"state,omitempty"`
	Capability string                `json:"capability,omitempty"`
	Caller     string                `json:"caller,omitempty"`
	Error      string                `json:"error,omitempty"`
	Timestamp  time.Time             `json:"timestamp"`
}

// NewID returns a fresh correlation id.
func NewID() string {
	return uuid.NewString()
}

// ErrorEnvelope builds the error answer to the message id.
func ErrorEnvelope(id string, err error) Envelope {
	return Envelope{Type: KindError, ID: id, Error: err.Error(), Timestamp: time.Now()}
}

// Encode renders env as JSON.
func Encode(env Envelope) ([]byte, error) {
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, &api.SerializationError{Err: err}
	}
	return data, nil
}

// Decode parses a JSON envelope. Undecodable input yields a
// *api.ProtocolError; unknown kinds decode fine and are left to the
// connection to reject, so the answer can carry the original id.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		var probe struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(data, &probe)
		return Envelope{ID: probe.ID}, &api.ProtocolError{ID: probe.ID, Message: "malformed envelope: " + err.Error()}
	}
	if env.Type == "" {
		return env, &api.ProtocolError{ID: env.ID, Message: "envelope has no type"}
	}
	return env, nil
}
