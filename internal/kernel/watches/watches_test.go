package watches

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	apperrors "github.com/t9md/hydrogen/internal/common/errors"
	"github.com/t9md/hydrogen/internal/common/logger"
	"github.com/t9md/hydrogen/internal/kernel"
	"github.com/t9md/hydrogen/internal/kernel/tracker"
	"github.com/t9md/hydrogen/pkg/jupyter/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeRunner answers every watch with a stream echoing its code.
type fakeRunner struct {
	watchers *tracker.Watchers

	mu   sync.Mutex
	runs []string
	err  error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{watchers: tracker.NewWatchers()}
}

func (r *fakeRunner) ExecuteWatch(_ context.Context, code string, h protocol.Handler) (string, error) {
	r.mu.Lock()
	r.runs = append(r.runs, code)
	err := r.err
	r.mu.Unlock()
	if err != nil {
		return "", err
	}
	h(protocol.Result{Kind: protocol.KindStream, Content: map[string]interface{}{
		"output_type": "stream", "name": "stdout", "text": "=" + code,
	}})
	h(protocol.StatusResult("ok"))
	return "watch_1", nil
}

func (r *fakeRunner) AddWatchCallback(fn func(tracker.Trigger)) func() {
	return r.watchers.Add(fn)
}

func (r *fakeRunner) runList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.runs...)
}

func TestSet_AddRunsAndReusesBlankSlot(t *testing.T) {
	r := newFakeRunner()
	s := New(r, logger.NewNop())
	defer s.Close()

	assert.Equal(t, 0, s.Add(context.Background(), ""))
	assert.Empty(t, r.runList(), "blank watches never run")

	assert.Equal(t, 0, s.Add(context.Background(), "x"))
	assert.Equal(t, 1, s.Add(context.Background(), "y * 2"))
	assert.Equal(t, []string{"x", "y * 2"}, r.runList())

	views := s.List()
	require.Len(t, views, 2)
	assert.Equal(t, "x", views[0].Code)
	require.Len(t, views[0].Output.Outputs, 1)
	assert.Equal(t, "=x", views[0].Output.Outputs[0]["text"])
	assert.Equal(t, "ok", views[0].Output.Status)
}

func TestSet_ReRunsOnlyAfterExecute(t *testing.T) {
	r := newFakeRunner()
	s := New(r, logger.NewNop())
	defer s.Close()

	s.Add(context.Background(), "a")
	s.Add(context.Background(), "b")
	require.Len(t, r.runList(), 2)

	r.watchers.Notify(tracker.Trigger{RequestID: "watch_1", Kind: tracker.KindWatch})
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, r.runList(), 2)

	r.watchers.Notify(tracker.Trigger{RequestID: "execute_request_1", Kind: tracker.KindExecute})
	require.Eventually(t, func() bool { return len(r.runList()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a", "b", "a", "b"}, r.runList())
}

func TestSet_RunResetsOutput(t *testing.T) {
	r := newFakeRunner()
	s := New(r, logger.NewNop())
	defer s.Close()

	s.Add(context.Background(), "a")
	s.Run(context.Background())

	views := s.List()
	require.Len(t, views, 1)
	assert.Len(t, views[0].Output.Outputs, 1, "each run starts a fresh store")
}

func TestSet_Remove(t *testing.T) {
	r := newFakeRunner()
	s := New(r, logger.NewNop())
	defer s.Close()

	s.Add(context.Background(), "a")
	s.Add(context.Background(), "b")
	require.NoError(t, s.Remove(0))
	views := s.List()
	require.Len(t, views, 1)
	assert.Equal(t, "b", views[0].Code)
	assert.Equal(t, 0, views[0].Index)

	err := s.Remove(5)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestSet_RunErrorsAreLogged(t *testing.T) {
	r := newFakeRunner()
	r.err = errors.New("kernel is restarting")
	s := New(r, logger.NewNop())
	defer s.Close()

	s.Add(context.Background(), "a")
	views := s.List()
	require.Len(t, views, 1)
	assert.Empty(t, views[0].Output.Outputs)
}

func TestSet_CloseUnsubscribes(t *testing.T) {
	r := newFakeRunner()
	s := New(r, logger.NewNop())
	s.Add(context.Background(), "a")
	s.Close()

	assert.Equal(t, 0, r.watchers.Len())
	r.watchers.Notify(tracker.Trigger{Kind: tracker.KindExecute})
	assert.Len(t, r.runList(), 1)
}

// dispatchRunner tracks watch executions the way a live session does, so
// tests can feed kernel messages through a real Dispatcher.
type dispatchRunner struct {
	d   *kernel.Dispatcher
	ids chan string
}

func newDispatchRunner() *dispatchRunner {
	state := kernel.NewStateMachine()
	state.Set(kernel.StateIdle)
	return &dispatchRunner{
		d: &kernel.Dispatcher{
			Language: "python",
			Tracker:  tracker.New(),
			Watchers: tracker.NewWatchers(),
			State:    state,
			Logger:   logger.NewNop(),
		},
		ids: make(chan string, 4),
	}
}

func (r *dispatchRunner) ExecuteWatch(_ context.Context, _ string, h protocol.Handler) (string, error) {
	req := r.d.Tracker.Register(tracker.KindWatch, protocol.MsgExecuteRequest, h)
	r.ids <- req.ID
	return req.ID, nil
}

func (r *dispatchRunner) AddWatchCallback(fn func(tracker.Trigger)) func() {
	return r.d.Watchers.Add(fn)
}

func (r *dispatchRunner) deliver(t *testing.T, ch protocol.Channel, msgType, parentID string, content map[string]interface{}) {
	t.Helper()
	msg := protocol.NewMessage(msgType, msgType+"-in", content)
	msg.ParentHeader = protocol.Header{MsgID: parentID, MsgType: protocol.MsgExecuteRequest}
	require.NoError(t, r.d.Dispatch(context.Background(), ch, msg))
}

func TestSet_WatchDoneAfterReplyAndIdle(t *testing.T) {
	r := newDispatchRunner()
	s := New(r, logger.NewNop())
	defer s.Close()

	s.Add(context.Background(), "x + 1")
	id := <-r.ids

	r.deliver(t, protocol.ChannelIOPub, protocol.MsgExecuteResult, id, map[string]interface{}{
		"execution_count": float64(2),
		"data":            map[string]interface{}{"text/plain": "2"},
		"metadata":        map[string]interface{}{},
	})
	r.deliver(t, protocol.ChannelShell, protocol.MsgExecuteReply, id, map[string]interface{}{"status": "ok"})

	views := s.List()
	require.Len(t, views, 1)
	assert.False(t, views[0].Output.Done, "not done before idle")

	r.deliver(t, protocol.ChannelIOPub, protocol.MsgStatus, id, map[string]interface{}{"execution_state": "idle"})

	views = s.List()
	require.Len(t, views, 1)
	assert.True(t, views[0].Output.Done)
	assert.Equal(t, "ok", views[0].Output.Status)
	assert.Len(t, views[0].Output.Outputs, 1)
	assert.Equal(t, 0, r.d.Tracker.Len())

	select {
	case extra := <-r.ids:
		t.Fatalf("watch idle re-ran the watches (%s)", extra)
	case <-time.After(30 * time.Millisecond):
	}
}
