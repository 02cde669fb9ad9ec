package kernel

import (
	"context"

	"go.uber.org/zap"

	"github.com/t9md/hydrogen/internal/common/logger"
	"github.com/t9md/hydrogen/internal/kernel/tracker"
	"github.com/t9md/hydrogen/internal/tracing"
	"github.com/t9md/hydrogen/pkg/jupyter/protocol"
)

// InputReplier sends an input_reply on the stdin channel.
type InputReplier func(parent protocol.Header, value string) error

// Dispatcher routes decoded inbound messages to request handlers, the
// state machine and the watch listeners. It holds the logic common to
// every transport; transports only decode frames and call Dispatch.
type Dispatcher struct {
	Language string
	Tracker  *tracker.Tracker
	Watchers *tracker.Watchers
	State    *StateMachine
	Prompter Prompter
	Reply    InputReplier
	Logger   *logger.Logger
}

// Dispatch handles one message received on ch. Malformed messages are
// dropped; a protocol violation in a shell reply is returned so the caller
// can report it without stopping its receive loop.
func (d *Dispatcher) Dispatch(ctx context.Context, ch protocol.Channel, msg *protocol.Message) error {
	if !protocol.IsWellFormed(msg) {
		d.Logger.Debug("dropping message",
			zap.String("channel", string(ch)),
			zap.String("msg_type", msg.Header.MsgType))
		return nil
	}

	tracing.TraceKernelInbound(ctx, d.Language, string(ch), msg.Header.MsgType, msg.ParentHeader.MsgID)

	switch ch {
	case protocol.ChannelShell, protocol.ChannelControl:
		return d.handleReply(msg)
	case protocol.ChannelStdin:
		d.handleStdin(ctx, msg)
	case protocol.ChannelIOPub:
		d.handleIOPub(msg)
	}
	return nil
}

func (d *Dispatcher) handleReply(msg *protocol.Message) error {
	req, ok := d.Tracker.Reply(msg.ParentHeader.MsgID)
	if !ok {
		return nil
	}
	res, err := protocol.TranslateShellReply(msg)
	if err != nil {
		return err
	}
	req.Deliver(res)
	return nil
}

func (d *Dispatcher) handleStdin(ctx context.Context, msg *protocol.Message) {
	if msg.Header.MsgType != protocol.MsgInputRequest {
		return
	}
	password, _ := msg.Content["password"].(bool)
	req := PromptRequest{
		Language:  d.Language,
		RequestID: msg.ParentHeader.MsgID,
		Prompt:    msg.ContentString("prompt"),
		Password:  password,
	}
	parent := msg.Header

	// the answer may take as long as the user does; keep the stdin loop free
	go func() {
		value := ""
		if d.Prompter == nil {
			d.Logger.Warn("input requested but no prompter configured", zap.String("request_id", req.RequestID))
		} else {
			v, err := d.Prompter.Prompt(ctx, req)
			if err != nil {
				d.Logger.Warn("input prompt failed", zap.String("request_id", req.RequestID), zap.Error(err))
			}
			value = v
		}
		if d.Reply == nil {
			return
		}
		if err := d.Reply(parent, value); err != nil {
			d.Logger.Error("failed to send input_reply", zap.Error(err))
		}
	}()
}

func (d *Dispatcher) handleIOPub(msg *protocol.Message) {
	parentID := msg.ParentHeader.MsgID

	if msg.Header.MsgType == protocol.MsgStatus {
		state := msg.ContentString("execution_state")
		d.State.SetFromKernel(state)
		if state != protocol.StateIdle {
			return
		}
		req, ok := d.Tracker.Idle(parentID)
		if !ok || !req.Kind.MultiReply() {
			return
		}
		req.Deliver(protocol.StatusResult(protocol.StateIdle))
		// watch executions report their own kind so listeners do not re-run on them
		d.Watchers.Notify(tracker.Trigger{RequestID: req.ID, Kind: req.Kind})
		return
	}

	req, ok := d.Tracker.Lookup(parentID)
	if !ok {
		return
	}
	res, ok := protocol.TranslateIOMessage(msg)
	if !ok {
		return
	}
	req.Deliver(res)
}
