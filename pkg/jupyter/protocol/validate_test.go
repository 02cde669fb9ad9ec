package protocol

import "testing"

func wellFormed() *Message {
	return &Message{
		Header:       Header{MsgID: "m1", MsgType: MsgStream},
		ParentHeader: Header{MsgID: "execute_request_abc", MsgType: MsgExecuteRequest},
		Content:      map[string]interface{}{"name": "stdout", "text": "hi"},
	}
}

func TestIsWellFormed(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m *Message)
		want   bool
	}{
		{"complete message", func(m *Message) {}, true},
		{"missing content", func(m *Message) { m.Content = nil }, false},
		{"empty content is present", func(m *Message) { m.Content = map[string]interface{}{} }, true},
		{"starting status", func(m *Message) { m.Content = map[string]interface{}{"execution_state": "starting"} }, false},
		{"idle status", func(m *Message) { m.Content = map[string]interface{}{"execution_state": "idle"} }, true},
		{"missing parent msg_id", func(m *Message) { m.ParentHeader.MsgID = "" }, false},
		{"missing parent msg_type", func(m *Message) { m.ParentHeader.MsgType = "" }, false},
		{"missing msg_id", func(m *Message) { m.Header.MsgID = "" }, false},
		{"missing msg_type", func(m *Message) { m.Header.MsgType = "" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := wellFormed()
			tt.mutate(m)
			if got := IsWellFormed(m); got != tt.want {
				t.Errorf("IsWellFormed() = %v, want %v", got, tt.want)
			}
		})
	}

	if IsWellFormed(nil) {
		t.Error("IsWellFormed(nil) should be false")
	}
}

func TestIsWellFormed_StartingAlwaysDropped(t *testing.T) {
	m := wellFormed()
	m.Header.MsgType = MsgStatus
	m.Content = map[string]interface{}{"execution_state": "starting"}
	if IsWellFormed(m) {
		t.Error("starting status must be dropped even when every field is present")
	}
}

func TestUpgradeV4(t *testing.T) {
	pyout := &Message{Header: Header{MsgType: MsgPyout}, Content: map[string]interface{}{}}
	UpgradeV4(pyout)
	if pyout.Header.MsgType != MsgExecuteResult {
		t.Errorf("pyout upgraded to %s", pyout.Header.MsgType)
	}

	pyerr := &Message{Header: Header{MsgType: MsgPyerr}, Content: map[string]interface{}{}}
	UpgradeV4(pyerr)
	if pyerr.Header.MsgType != MsgError {
		t.Errorf("pyerr upgraded to %s", pyerr.Header.MsgType)
	}

	stream := &Message{Header: Header{MsgType: MsgStream}, Content: map[string]interface{}{"name": "stdout", "data": "old"}}
	UpgradeV4(stream)
	if stream.Content["text"] != "old" {
		t.Errorf("Expected text synthesized from data, got %v", stream.Content["text"])
	}

	v5 := &Message{Header: Header{MsgType: MsgStream}, Content: map[string]interface{}{"text": "new", "data": "old"}}
	UpgradeV4(v5)
	if v5.Content["text"] != "new" {
		t.Errorf("Existing text must be kept, got %v", v5.Content["text"])
	}
}
