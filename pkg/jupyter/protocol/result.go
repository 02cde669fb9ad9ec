package protocol

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/t9md/hydrogen/internal/common/errors"
)

// Kind tags a normalized result.
type Kind string

const (
	KindStatus         Kind = "status"
	KindExecutionCount Kind = "execution_count"
	KindStream         Kind = "stream"
	KindResult         Kind = "execute_result"
	KindError          Kind = "error"
	KindCompletion     Kind = "completion"
	KindInspection     Kind = "inspection"
)

// Result is the normalized form of a reply or broadcast delivered to a
// request's handler.
type Result struct {
	Kind Kind
	// Data holds the status string, the execution count or the inspection bundle.
	Data interface{}
	// Found is set on inspection results.
	Found bool
	// Content holds completion replies verbatim and outputs in notebook shape,
	// including output_type.
	Content map[string]interface{}
}

// Handler receives the results of one request.
type Handler func(Result)

// Status returns the status string of a KindStatus result.
func (r Result) Status() string {
	s, _ := r.Data.(string)
	return s
}

// IsIdle reports whether r is the idle status that ends an execution.
func (r Result) IsIdle() bool {
	return r.Kind == KindStatus && r.Status() == StateIdle
}

// OutputType returns the notebook output_type of an output result.
func (r Result) OutputType() string {
	if r.Content == nil {
		return ""
	}
	s, _ := r.Content["output_type"].(string)
	return s
}

// Text returns the text of a stream result.
func (r Result) Text() string {
	if r.Content == nil {
		return ""
	}
	s, _ := r.Content["text"].(string)
	return s
}

// MarshalJSON renders r in the shape editors consume: {stream, data} for
// status and counters, {data, found} for inspections and the content
// object for completions and outputs.
func (r Result) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case KindStatus, KindExecutionCount:
		return json.Marshal(map[string]interface{}{"stream": string(r.Kind), "data": r.Data})
	case KindInspection:
		return json.Marshal(map[string]interface{}{"data": r.Data, "found": r.Found})
	default:
		return json.Marshal(orEmpty(r.Content))
	}
}

// StatusResult builds a KindStatus result.
func StatusResult(status string) Result {
	return Result{Kind: KindStatus, Data: status}
}

// TranslateShellReply normalizes a shell reply. A status other than "ok"
// or "error" is a protocol error.
func TranslateShellReply(msg *Message) (Result, error) {
	status, _ := msg.Content["status"].(string)
	switch status {
	case "error":
		return StatusResult("error"), nil
	case "ok":
	default:
		return Result{}, apperrors.Protocol(fmt.Sprintf("unexpected content.status %q in %s", status, msg.Header.MsgType))
	}

	switch msg.Header.MsgType {
	case MsgCompleteReply:
		return Result{Kind: KindCompletion, Content: msg.Content}, nil
	case MsgInspectReply:
		found, _ := msg.Content["found"].(bool)
		return Result{Kind: KindInspection, Data: msg.Content["data"], Found: found}, nil
	default:
		return StatusResult("ok"), nil
	}
}

// TranslateIOMessage normalizes an iopub broadcast other than status.
// It reports false for message types that carry no output.
func TranslateIOMessage(msg *Message) (Result, bool) {
	if msg.Header.MsgType == MsgExecuteInput {
		return Result{Kind: KindExecutionCount, Data: msg.Content["execution_count"]}, true
	}

	UpgradeV4(msg)

	var kind Kind
	switch msg.Header.MsgType {
	case MsgStream:
		kind = KindStream
	case MsgExecuteResult, MsgDisplayData:
		kind = KindResult
	case MsgError:
		kind = KindError
	default:
		return Result{}, false
	}

	output := make(map[string]interface{}, len(msg.Content)+1)
	for k, v := range msg.Content {
		output[k] = v
	}
	output["output_type"] = msg.Header.MsgType
	return Result{Kind: kind, Content: output}, true
}
