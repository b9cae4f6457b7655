// Package transport implements the minimal JMAP-over-HTTP-JSON inbound
// surface: a single request envelope containing an ordered list of
// method calls, dispatched in sequence through pkg/jmap and serialized
// back into a matching response envelope. It deliberately does not
// implement full RFC 8620 routing (capability negotiation, query and
// queryChanges method bodies beyond what pkg/jmap already supports) —
// see SPEC_FULL.md's non-goals.
package transport

import (
	"encoding/json"
	"fmt"
)

// RequestEnvelope is the top-level JSON body of a POST to the JMAP
// endpoint: an ordered list of method calls, each a three-tuple of
// (name, arguments, client-chosen call id) per RFC 8620 §3.3.
type RequestEnvelope struct {
	Using       []string     `json:"using,omitempty"`
	MethodCalls []MethodCall `json:"methodCalls"`
}

// ResponseEnvelope mirrors RequestEnvelope's shape for the reply.
type ResponseEnvelope struct {
	MethodResponses []MethodCall `json:"methodResponses"`
	SessionState    string       `json:"sessionState,omitempty"`
}

// MethodCall is one [name, arguments, callId] triplet. It round-trips
// through JSON as a 3-element array rather than an object, matching
// RFC 8620's wire shape.
type MethodCall struct {
	Name   string
	Args   json.RawMessage
	CallID string
}

func (m MethodCall) MarshalJSON() ([]byte, error) {
	args := m.Args
	if args == nil {
		args = json.RawMessage("{}")
	}
	return json.Marshal([3]interface{}{m.Name, args, m.CallID})
}

func (m *MethodCall) UnmarshalJSON(data []byte) error {
	var raw [3]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("transport: malformed method call: %w", err)
	}
	if err := json.Unmarshal(raw[0], &m.Name); err != nil {
		return fmt.Errorf("transport: malformed method name: %w", err)
	}
	m.Args = raw[1]
	if err := json.Unmarshal(raw[2], &m.CallID); err != nil {
		return fmt.Errorf("transport: malformed call id: %w", err)
	}
	return nil
}

func methodError(callID string, kind string, description string) MethodCall {
	args, _ := json.Marshal(map[string]interface{}{
		"type":        kind,
		"description": description,
	})
	return MethodCall{Name: "error", Args: args, CallID: callID}
}

func methodResult(name, callID string, args interface{}) MethodCall {
	raw, err := json.Marshal(args)
	if err != nil {
		return methodError(callID, "internalError", err.Error())
	}
	return MethodCall{Name: name, Args: raw, CallID: callID}
}
