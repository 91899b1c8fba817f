package relay

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relaycall-core/server/internal/agent/model"
)

var errWriterClosed = errors.New("relay: connection closed")

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// outboundWriter is the only goroutine that writes to the socket. Frames
// keep the order they were sent in; a ping goes out on every idle interval.
type outboundWriter struct {
	ws           wsWriter
	frames       chan []byte
	done         chan struct{}
	pingInterval time.Duration
	writeTimeout time.Duration
}

func newOutboundWriter(ws wsWriter, queue int, pingInterval, writeTimeout time.Duration) *outboundWriter {
	if queue <= 0 {
		queue = 64
	}
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &outboundWriter{
		ws:           ws,
		frames:       make(chan []byte, queue),
		done:         make(chan struct{}),
		pingInterval: pingInterval,
		writeTimeout: writeTimeout,
	}
}

// Send encodes ev and queues it. It fails once the writer has stopped.
func (w *outboundWriter) Send(ev model.Event) error {
	payload, err := Encode(ev)
	if err != nil {
		return err
	}
	select {
	case <-w.done:
		return errWriterClosed
	default:
	}
	select {
	case w.frames <- payload:
		return nil
	case <-w.done:
		return errWriterClosed
	}
}

// Run writes frames until ctx is done or a write fails. Frames already
// queued when ctx ends are flushed before the close frame.
func (w *outboundWriter) Run(ctx context.Context) error {
	defer close(w.done)
	defer w.ws.Close()

	ping := time.NewTicker(w.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			w.flush()
			_ = w.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(w.writeTimeout))
			return nil
		case <-ping.C:
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(w.writeTimeout)); err != nil {
				return err
			}
		case payload := <-w.frames:
			if err := w.write(payload); err != nil {
				return err
			}
		}
	}
}

func (w *outboundWriter) flush() {
	for {
		select {
		case payload := <-w.frames:
			if err := w.write(payload); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (w *outboundWriter) write(payload []byte) error {
	if err := w.ws.SetWriteDeadline(time.Now().Add(w.writeTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(websocket.TextMessage, payload)
}

var _ model.Sink = (*outboundWriter)(nil)
