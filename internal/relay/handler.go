package relay

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/relaycall-core/server/internal/agent/engine"
	"github.com/relaycall-core/server/internal/agent/model"
	logx "github.com/relaycall-core/server/pkg/logger"
)

type Config struct {
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
}

// ConfigFromServer maps the server settings onto the relay.
func ConfigFromServer(cfg model.ServerConfig) Config {
	return Config{
		PingInterval:    cfg.PingInterval,
		WriteTimeout:    cfg.WriteTimeout,
		MaxMessageBytes: cfg.MaxMessageBytes,
	}
}

// Handler upgrades ConversationRelay connections and runs one call per
// connection.
type Handler struct {
	engine   *engine.Engine
	cfg      Config
	upgrader websocket.Upgrader
}

func NewHandler(e *engine.Engine, cfg Config) *Handler {
	return &Handler{
		engine: e,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP owns three goroutines per connection: the reader (this one),
// the session loop that hands events to the engine in arrival order, and
// the single socket writer. Interrupts skip the queue so they can cancel
// the turn the loop is blocked on.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logx.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	if h.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.cfg.MaxMessageBytes)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := newOutboundWriter(conn, 0, h.cfg.PingInterval, h.cfg.WriteTimeout)
	g, gctx := errgroup.WithContext(ctx)
	call := h.engine.Open(gctx, out)

	g.Go(func() error {
		return out.Run(gctx)
	})
	g.Go(func() error {
		call.Run()
		return nil
	})

	readErr := h.read(conn, call)
	call.Close()
	cancel()
	_ = g.Wait()

	ev := logx.Info()
	if s := call.Session(); s != nil {
		ev = ev.Str("call_sid", s.ID)
	}
	if readErr != nil && !websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		ev = ev.AnErr("reason", readErr)
	}
	ev.Msg("relay connection closed")
}

// read pumps frames until the socket fails or the call ends. Decode errors
// are logged and skipped.
func (h *Handler) read(conn *websocket.Conn, call *engine.Call) error {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.TextMessage {
			continue
		}

		in, err := Decode(data)
		if err != nil {
			var de *DecodeError
			if errors.As(err, &de) {
				logx.Warn().Str("code", de.Code).Str("param", de.Param).Msg(de.Message)
			}
			continue
		}

		if in.Type == model.InboundInterrupt {
			_ = call.Handle(in)
			continue
		}
		if !call.Enqueue(in) {
			return context.Canceled
		}
	}
}
