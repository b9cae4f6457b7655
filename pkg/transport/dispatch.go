package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jmap-core/jmapd/pkg/jmap"
	"github.com/jmap-core/jmapd/pkg/metrics"
	"github.com/jmap-core/jmapd/pkg/types"
)

// typeCollections maps a method call's JMAP type name ("Email",
// "Mailbox") to the collection pkg/jmap registers kinds under. Only
// types with a registered ObjectKind resolve here; anything else is an
// unknownMethod error, same as a verb pkg/jmap doesn't implement.
var typeCollections = map[string]types.Collection{
	"Email":   types.CollectionMail,
	"Mailbox": types.CollectionMailbox,
}

func splitMethodName(name string) (typeName, verb string, ok bool) {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '/' {
			return name[:i], name[i+1:], true
		}
	}
	return "", "", false
}

func parseAccountID(raw string) (types.AccountID, error) {
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed accountId %q: %w", raw, err)
	}
	return types.AccountID(n), nil
}

type getArgs struct {
	AccountID  string   `json:"accountId"`
	IDs        []string `json:"ids"`
	Properties []string `json:"properties"`
}

type setArgs struct {
	AccountID string                            `json:"accountId"`
	IfInState string                            `json:"ifInState"`
	Create    map[string]map[string]interface{} `json:"create"`
	Update    map[string]map[string]interface{} `json:"update"`
	Destroy   []string                          `json:"destroy"`
}

type changesArgs struct {
	AccountID  string `json:"accountId"`
	SinceState string `json:"sinceState"`
	MaxChanges int    `json:"maxChanges"`
}

// dispatch runs one method call against the coordinator and returns the
// single MethodCall to append to the response envelope. It never
// returns a Go error: every failure mode, from a malformed call to an
// internal storage error, is rendered as a "type":"error" method
// response per §7's propagation policy — one method call's failure
// never aborts the rest of the envelope.
func (s *Server) dispatch(ctx context.Context, call MethodCall) MethodCall {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDurationVec(metrics.APIRequestDuration, call.Name)
	}()

	var result MethodCall
	typeName, verb, ok := splitMethodName(call.Name)
	collection, typeKnown := typeCollections[typeName]
	switch {
	case !ok:
		result = methodError(call.CallID, string(jmap.ErrUnknownMethod), "method name must be \"Type/verb\"")
	case !typeKnown:
		result = methodError(call.CallID, string(jmap.ErrUnknownMethod), fmt.Sprintf("unknown type %q", typeName))
	default:
		result = s.dispatchVerb(ctx, collection, typeName, verb, call)
	}

	outcome := "ok"
	if result.Name == "error" {
		outcome = "error"
	}
	metrics.APIRequestsTotal.WithLabelValues(call.Name, outcome).Inc()
	return result
}

func (s *Server) dispatchVerb(ctx context.Context, collection types.Collection, typeName, verb string, call MethodCall) MethodCall {
	switch verb {
	case "get":
		return s.dispatchGet(collection, typeName, call)
	case "set":
		return s.dispatchSet(ctx, collection, typeName, call)
	case "changes":
		return s.dispatchChanges(collection, typeName, call)
	default:
		return methodError(call.CallID, string(jmap.ErrUnknownMethod), fmt.Sprintf("unsupported verb %q", verb))
	}
}

func (s *Server) dispatchGet(collection types.Collection, typeName string, call MethodCall) MethodCall {
	var args getArgs
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return methodError(call.CallID, string(jmap.ErrInvalidArgs), err.Error())
	}
	account, err := parseAccountID(args.AccountID)
	if err != nil {
		return methodError(call.CallID, string(jmap.ErrInvalidArgs), err.Error())
	}

	res, err := s.coordinator.Get(collection, account, args.IDs, args.Properties)
	if err != nil {
		return jerrResponse(call.CallID, err)
	}

	return methodResult(typeName+"/get", call.CallID, map[string]interface{}{
		"accountId": args.AccountID,
		"state":     res.State,
		"list":      res.List,
		"notFound":  res.NotFound,
	})
}

func (s *Server) dispatchSet(ctx context.Context, collection types.Collection, typeName string, call MethodCall) MethodCall {
	var args setArgs
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return methodError(call.CallID, string(jmap.ErrInvalidArgs), err.Error())
	}
	account, err := parseAccountID(args.AccountID)
	if err != nil {
		return methodError(call.CallID, string(jmap.ErrInvalidArgs), err.Error())
	}

	res, err := s.coordinator.Set(ctx, collection, account, &jmap.SetRequest{
		Create:    args.Create,
		Update:    args.Update,
		Destroy:   args.Destroy,
		IfInState: args.IfInState,
	}, true)
	if err != nil {
		return jerrResponse(call.CallID, err)
	}

	return methodResult(typeName+"/set", call.CallID, map[string]interface{}{
		"accountId":    args.AccountID,
		"oldState":     res.OldState,
		"newState":     res.NewState,
		"created":      res.Created,
		"updated":      res.Updated,
		"destroyed":    res.Destroyed,
		"notCreated":   errorMap(res.NotCreated),
		"notUpdated":   errorMap(res.NotUpdated),
		"notDestroyed": errorMap(res.NotDestroyed),
	})
}

func (s *Server) dispatchChanges(collection types.Collection, typeName string, call MethodCall) MethodCall {
	var args changesArgs
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return methodError(call.CallID, string(jmap.ErrInvalidArgs), err.Error())
	}
	account, err := parseAccountID(args.AccountID)
	if err != nil {
		return methodError(call.CallID, string(jmap.ErrInvalidArgs), err.Error())
	}

	res, err := s.coordinator.Changes(collection, account, args.SinceState, args.MaxChanges)
	if err != nil {
		return jerrResponse(call.CallID, err)
	}

	return methodResult(typeName+"/changes", call.CallID, map[string]interface{}{
		"accountId":      args.AccountID,
		"oldState":       res.OldState,
		"newState":       res.NewState,
		"hasMoreChanges": res.HasMoreChanges,
		"created":        res.Created,
		"updated":        res.Updated,
		"destroyed":      res.Destroyed,
	})
}

// errorMap converts a collection of per-object *jmap.Error values into
// the wire error-object shape {"type": ..., "description": ...}. An
// internalError's detail is left out of the description.
func errorMap(in map[string]*jmap.Error) map[string]interface{} {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for id, e := range in {
		obj := map[string]interface{}{"type": string(e.Kind)}
		if e.Detail != "" && e.Kind != jmap.ErrInternal {
			obj["description"] = e.Detail
		}
		if e.Path != "" {
			obj["property"] = e.Path
		}
		out[id] = obj
	}
	return out
}

// jerrResponse renders a request-level error (one that aborts the whole
// method call, per §7) as a "type":"error" method response. An
// internalError's detail, and the text of any non-JMAP error, is replaced
// by a generic description so storage details never reach the client.
func jerrResponse(callID string, err error) MethodCall {
	if jerr, ok := err.(*jmap.Error); ok && jerr.Kind != jmap.ErrInternal {
		return methodError(callID, string(jerr.Kind), jerr.Detail)
	}
	return methodError(callID, string(jmap.ErrInternal), "internal server error")
}
