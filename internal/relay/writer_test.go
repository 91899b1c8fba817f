package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaycall-core/server/internal/agent/model"
)

type fakeWS struct {
	mu       sync.Mutex
	messages []string
	controls []int
	closed   bool
	failOn   int
}

func (f *fakeWS) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeWS) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn > 0 && len(f.messages)+1 == f.failOn {
		return errors.New("broken pipe")
	}
	f.messages = append(f.messages, string(data))
	return nil
}

func (f *fakeWS) WriteControl(messageType int, _ []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controls = append(f.controls, messageType)
	return nil
}

func (f *fakeWS) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeWS) snapshot() ([]string, []int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...), append([]int(nil), f.controls...), f.closed
}

func TestOutboundWriter_OrderAndFlush(t *testing.T) {
	ws := &fakeWS{}
	w := newOutboundWriter(ws, 16, time.Hour, time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	for _, tok := range []string{"a", "b", "c"} {
		require.NoError(t, w.Send(model.TextEvent(tok)))
	}
	require.NoError(t, w.Send(model.TerminalEvent()))

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	require.Eventually(t, func() bool {
		msgs, _, _ := ws.snapshot()
		return len(msgs) == 4
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	msgs, controls, closed := ws.snapshot()
	assert.Equal(t, `{"type":"text","token":"a","last":false}`, msgs[0])
	assert.Equal(t, `{"type":"text","token":"","last":true}`, msgs[3])
	assert.Equal(t, []int{websocket.CloseMessage}, controls)
	assert.True(t, closed)

	assert.ErrorIs(t, w.Send(model.TextEvent("late")), errWriterClosed)
}

func TestOutboundWriter_StopsOnWriteError(t *testing.T) {
	ws := &fakeWS{failOn: 2}
	w := newOutboundWriter(ws, 4, time.Hour, time.Second)
	require.NoError(t, w.Send(model.TextEvent("a")))
	require.NoError(t, w.Send(model.TextEvent("b")))

	err := w.Run(context.Background())
	assert.Error(t, err)
	_, _, closed := ws.snapshot()
	assert.True(t, closed)
}

func TestOutboundWriter_Pings(t *testing.T) {
	ws := &fakeWS{}
	w := newOutboundWriter(ws, 4, 10*time.Millisecond, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, controls, _ := ws.snapshot()
		return len(controls) >= 2
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	_, controls, _ := ws.snapshot()
	assert.Equal(t, websocket.PingMessage, controls[0])
}
