package protocol

// IsWellFormed reports whether msg can be dispatched. Messages without
// content, without parent or own id and type, and the "starting" status
// broadcast kernels emit before any request are all rejected.
func IsWellFormed(msg *Message) bool {
	if msg == nil || msg.Content == nil {
		return false
	}
	if state, ok := msg.Content["execution_state"].(string); ok && state == StateStarting {
		return false
	}
	if msg.ParentHeader.MsgID == "" || msg.ParentHeader.MsgType == "" {
		return false
	}
	if msg.Header.MsgID == "" || msg.Header.MsgType == "" {
		return false
	}
	return true
}

// UpgradeV4 renames protocol v4 message types in place and fills
// stream text from the v4 data field.
func UpgradeV4(msg *Message) {
	switch msg.Header.MsgType {
	case MsgPyout:
		msg.Header.MsgType = MsgExecuteResult
	case MsgPyerr:
		msg.Header.MsgType = MsgError
	case MsgStream:
		if msg.Content == nil {
			return
		}
		if text, _ := msg.Content["text"].(string); text == "" {
			if data, ok := msg.Content["data"]; ok {
				msg.Content["text"] = data
			}
		}
	}
}
