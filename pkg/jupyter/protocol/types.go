// Package protocol implements the Jupyter messaging protocol (v5) envelope,
// the request payloads hydrogen sends, and the normalization of the replies
// and broadcasts it receives.
package protocol

// Version is the protocol version stamped on every outgoing header.
const Version = "5.0"

// ZeroSession is the session id used for every outgoing message.
const ZeroSession = "00000000-0000-0000-0000-000000000000"

// Channel names one of the kernel sockets.
type Channel string

const (
	ChannelShell   Channel = "shell"
	ChannelControl Channel = "control"
	ChannelStdin   Channel = "stdin"
	ChannelIOPub   Channel = "iopub"
)

// Message types sent by hydrogen
const (
	MsgExecuteRequest    = "execute_request"
	MsgCompleteRequest   = "complete_request"
	MsgInspectRequest    = "inspect_request"
	MsgShutdownRequest   = "shutdown_request"
	MsgKernelInfoRequest = "kernel_info_request"
	MsgInterruptRequest  = "interrupt_request"
	MsgInputReply        = "input_reply"
)

// Message types received from kernels
const (
	MsgExecuteReply    = "execute_reply"
	MsgCompleteReply   = "complete_reply"
	MsgInspectReply    = "inspect_reply"
	MsgShutdownReply   = "shutdown_reply"
	MsgKernelInfoReply = "kernel_info_reply"
	MsgInputRequest    = "input_request"

	MsgStatus        = "status"
	MsgExecuteInput  = "execute_input"
	MsgExecuteResult = "execute_result"
	MsgDisplayData   = "display_data"
	MsgStream        = "stream"
	MsgError         = "error"

	// protocol v4 names
	MsgPyout = "pyout"
	MsgPyerr = "pyerr"
)

// Kernel-reported execution states carried by status broadcasts.
const (
	StateStarting = "starting"
	StateIdle     = "idle"
	StateBusy     = "busy"
)

// Header identifies a message. A zero Header stands for an empty
// parent_header object.
type Header struct {
	MsgID    string `json:"msg_id"`
	MsgType  string `json:"msg_type"`
	Session  string `json:"session"`
	Username string `json:"username"`
	Date     string `json:"date"`
	Version  string `json:"version"`
}

// IsZero reports whether h carries no fields.
func (h Header) IsZero() bool {
	return h == Header{}
}

// Message is a decoded wire envelope.
type Message struct {
	// Identities holds the routing frames that preceded the delimiter.
	Identities   [][]byte
	Header       Header
	ParentHeader Header
	Metadata     map[string]interface{}
	// Content is nil when the message carried no content.
	Content map[string]interface{}
	Buffers [][]byte
	// Channel is set on messages that travel over the gateway websocket.
	Channel Channel
}

// MsgType returns the header message type.
func (m *Message) MsgType() string { return m.Header.MsgType }

// ParentID returns the id of the request this message answers.
func (m *Message) ParentID() string { return m.ParentHeader.MsgID }

// ContentString returns content[key] when it is a string.
func (m *Message) ContentString(key string) string {
	if m.Content == nil {
		return ""
	}
	s, _ := m.Content[key].(string)
	return s
}
