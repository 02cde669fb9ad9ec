package protocol

import (
	"encoding/json"
	"reflect"
	"testing"

	apperrors "github.com/t9md/hydrogen/internal/common/errors"
)

func reply(msgType string, content map[string]interface{}) *Message {
	return &Message{
		Header:       Header{MsgID: "r1", MsgType: msgType},
		ParentHeader: Header{MsgID: "execute_abc", MsgType: MsgExecuteRequest},
		Content:      content,
	}
}

func TestTranslateShellReply(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
		want Result
	}{
		{
			name: "execute ok",
			msg:  reply(MsgExecuteReply, map[string]interface{}{"status": "ok", "execution_count": 1.0}),
			want: StatusResult("ok"),
		},
		{
			name: "error of any type",
			msg:  reply(MsgCompleteReply, map[string]interface{}{"status": "error"}),
			want: StatusResult("error"),
		},
		{
			name: "other reply type ok",
			msg:  reply(MsgKernelInfoReply, map[string]interface{}{"status": "ok"}),
			want: StatusResult("ok"),
		},
		{
			name: "inspect ok",
			msg: reply(MsgInspectReply, map[string]interface{}{
				"status": "ok", "found": true, "data": map[string]interface{}{"text/plain": "doc"},
			}),
			want: Result{Kind: KindInspection, Data: map[string]interface{}{"text/plain": "doc"}, Found: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := TranslateShellReply(tt.msg)
			if err != nil {
				t.Fatalf("TranslateShellReply() error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("TranslateShellReply() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestTranslateShellReply_CompletePassesContentThrough(t *testing.T) {
	content := map[string]interface{}{"status": "ok", "matches": []interface{}{"print"}}
	got, err := TranslateShellReply(reply(MsgCompleteReply, content))
	if err != nil {
		t.Fatalf("TranslateShellReply() error: %v", err)
	}
	if got.Kind != KindCompletion {
		t.Errorf("Expected completion kind, got %s", got.Kind)
	}

	data, err := json.Marshal(got)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != `{"matches":["print"],"status":"ok"}` {
		t.Errorf("Unexpected completion JSON: %s", data)
	}
}

func TestTranslateShellReply_UnknownStatus(t *testing.T) {
	_, err := TranslateShellReply(reply(MsgExecuteReply, map[string]interface{}{"status": "aborted"}))
	if err == nil {
		t.Fatal("Expected protocol error")
	}
	if !apperrors.IsProtocol(err) {
		t.Errorf("Expected protocol error, got %v", err)
	}
}

func TestTranslateIOMessage(t *testing.T) {
	count, ok := TranslateIOMessage(reply(MsgExecuteInput, map[string]interface{}{"execution_count": 3.0, "code": "1+1"}))
	if !ok || count.Kind != KindExecutionCount || count.Data != 3.0 {
		t.Errorf("Unexpected execute_input translation: %+v", count)
	}

	stream, ok := TranslateIOMessage(reply(MsgStream, map[string]interface{}{"name": "stdout", "text": "hi"}))
	if !ok || stream.Kind != KindStream || stream.Text() != "hi" || stream.OutputType() != "stream" {
		t.Errorf("Unexpected stream translation: %+v", stream)
	}

	display, ok := TranslateIOMessage(reply(MsgDisplayData, map[string]interface{}{"data": map[string]interface{}{}}))
	if !ok || display.Kind != KindResult || display.OutputType() != MsgDisplayData {
		t.Errorf("Unexpected display_data translation: %+v", display)
	}

	pyerr, ok := TranslateIOMessage(reply(MsgPyerr, map[string]interface{}{"ename": "ZeroDivisionError"}))
	if !ok || pyerr.Kind != KindError || pyerr.OutputType() != MsgError {
		t.Errorf("Unexpected pyerr translation: %+v", pyerr)
	}

	if _, ok := TranslateIOMessage(reply("comm_open", map[string]interface{}{})); ok {
		t.Error("comm_open should not translate to an output")
	}
}

func TestTranslateIOMessage_DoesNotAliasContent(t *testing.T) {
	msg := reply(MsgStream, map[string]interface{}{"name": "stdout", "text": "hi"})
	res, _ := TranslateIOMessage(msg)
	res.Content["text"] = "changed"
	if msg.Content["text"] != "hi" {
		t.Error("translated output must not share the message content map")
	}
	if _, ok := msg.Content["output_type"]; ok {
		t.Error("output_type must not leak into the message content")
	}
}

func TestResultJSON(t *testing.T) {
	tests := []struct {
		result Result
		want   string
	}{
		{StatusResult("ok"), `{"data":"ok","stream":"status"}`},
		{Result{Kind: KindExecutionCount, Data: 2}, `{"data":2,"stream":"execution_count"}`},
		{Result{Kind: KindInspection, Data: nil, Found: false}, `{"data":null,"found":false}`},
	}
	for _, tt := range tests {
		data, err := json.Marshal(tt.result)
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		if string(data) != tt.want {
			t.Errorf("Marshal(%+v) = %s, want %s", tt.result, data, tt.want)
		}
	}
}
