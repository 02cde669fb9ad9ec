// Package outputs accumulates the results of one execution into the list
// of notebook outputs an editor displays.
package outputs

import (
	"strings"
	"sync"

	"github.com/t9md/hydrogen/pkg/jupyter/protocol"
)

// StatusRunning is the status of an execution that has not replied yet.
const StatusRunning = "running"

// Output is one notebook output, including its output_type.
type Output map[string]interface{}

func (o Output) outputType() string {
	s, _ := o["output_type"].(string)
	return s
}

func (o Output) name() string {
	s, _ := o["name"].(string)
	return s
}

func (o Output) text() string {
	s, _ := o["text"].(string)
	return s
}

// Reduce appends output to outputs. A stream output is merged into the
// last output when both are streams of the same name, or into the one
// before it when the last is a stream of the other name.
func Reduce(outputs []Output, output Output) []Output {
	last := len(outputs) - 1
	if last >= 0 && output.outputType() == protocol.MsgStream && outputs[last].outputType() == protocol.MsgStream {
		if outputs[last].name() == output.name() {
			outputs[last] = appendText(outputs[last], output)
			return outputs
		}
		if last >= 1 && outputs[last-1].name() == output.name() {
			outputs[last-1] = appendText(outputs[last-1], output)
			return outputs
		}
	}
	return append(outputs, copyOutput(output))
}

func appendText(prev, next Output) Output {
	merged := copyOutput(prev)
	merged["text"] = EscapeCarriageReturnSafe(prev.text() + next.text())
	return merged
}

func copyOutput(o Output) Output {
	c := make(Output, len(o))
	for k, v := range o {
		c[k] = v
	}
	return c
}

// EscapeCarriageReturn applies carriage returns the way a terminal would:
// text after a \r overwrites the start of its line.
func EscapeCarriageReturn(text string) string {
	if !strings.Contains(text, "\r") {
		return text
	}
	text = normalizeCRLF(text)
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = overlay(line)
	}
	return strings.Join(lines, "\n")
}

// EscapeCarriageReturnSafe is EscapeCarriageReturn, except that the
// unterminated last line is left alone so a later chunk can still
// overwrite it.
func EscapeCarriageReturnSafe(text string) string {
	if !strings.Contains(text, "\r") {
		return text
	}
	if !strings.Contains(text, "\n") {
		return EscapeCarriageReturn(text)
	}
	text = normalizeCRLF(text)
	idx := strings.LastIndex(text, "\n")
	return EscapeCarriageReturn(text[:idx]) + text[idx:]
}

// normalizeCRLF turns any run of \r before a \n into a plain newline.
func normalizeCRLF(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	pending := 0
	for _, r := range text {
		switch r {
		case '\r':
			pending++
			continue
		case '\n':
			pending = 0
		}
		for ; pending > 0; pending-- {
			b.WriteByte('\r')
		}
		b.WriteRune(r)
	}
	for ; pending > 0; pending-- {
		b.WriteByte('\r')
	}
	return b.String()
}

func overlay(line string) string {
	if !strings.Contains(line, "\r") {
		return line
	}
	trailing := strings.HasSuffix(line, "\r")
	segments := strings.Split(line, "\r")
	out := []rune(segments[0])
	for _, seg := range segments[1:] {
		r := []rune(seg)
		if len(r) >= len(out) {
			out = r
			continue
		}
		copy(out, r)
	}
	if trailing {
		return string(out) + "\r"
	}
	return string(out)
}

// Snapshot is a copy of a Store's state.
type Snapshot struct {
	Status         string      `json:"status"`
	ExecutionCount interface{} `json:"execution_count"`
	Outputs        []Output    `json:"outputs"`
	Done           bool        `json:"done"`
}

// Store collects the results of one execution.
type Store struct {
	mu             sync.Mutex
	status         string
	executionCount interface{}
	outputs        []Output
	done           chan struct{}
	isDone         bool
}

// NewStore creates an empty store in StatusRunning.
func NewStore() *Store {
	return &Store{status: StatusRunning, done: make(chan struct{})}
}

// Append records res. It is a protocol.Handler.
func (s *Store) Append(res protocol.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch res.Kind {
	case protocol.KindExecutionCount:
		s.executionCount = res.Data
	case protocol.KindStatus:
		if res.IsIdle() {
			if !s.isDone {
				s.isDone = true
				close(s.done)
			}
			return
		}
		s.status = res.Status()
	case protocol.KindStream, protocol.KindResult, protocol.KindError:
		s.outputs = Reduce(s.outputs, Output(res.Content))
	}
}

// Done is closed once the execution reports idle.
func (s *Store) Done() <-chan struct{} {
	return s.done
}

// Snapshot returns a copy of the store.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	outs := make([]Output, len(s.outputs))
	for i, o := range s.outputs {
		outs[i] = copyOutput(o)
	}
	return Snapshot{
		Status:         s.status,
		ExecutionCount: s.executionCount,
		Outputs:        outs,
		Done:           s.isDone,
	}
}
