package rpchttp

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/bavix/boardfarm/internal/auth"
	"github.com/bavix/boardfarm/internal/console"
	"github.com/bavix/boardfarm/internal/dispatch"
	customerrors "github.com/bavix/boardfarm/internal/errors"
	"github.com/bavix/boardfarm/internal/flash"
	"github.com/bavix/boardfarm/internal/registry"
)

const (
	defaultWebSocketReadLimit    = 64 << 10
	flashWebSocketReadLimit      = 4 << 20
	defaultWebSocketTimeout      = 60 * time.Second
	defaultWebSocketPingInterval = 30 * time.Second
	defaultWebSocketPingTimeout  = 5 * time.Second
	defaultWebSocketWriteTimeout = 10 * time.Second
	maxCloseReason               = 123
)

// Text commands accepted on the flash stream.
const (
	FlashCommandEnd    = "end"
	FlashCommandCancel = "cancel"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }} //nolint:gochecknoglobals // websocket upgrader

// keepalive configures read deadlines and pings the peer until ctx ends.
func keepalive(ctx context.Context, conn *websocket.Conn, readLimit int64) {
	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(defaultWebSocketTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(defaultWebSocketTimeout))

		return nil
	})

	go func() {
		ticker := time.NewTicker(defaultWebSocketPingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(defaultWebSocketPingTimeout)); err != nil {
					return
				}
			}
		}
	}()
}

// closeWith sends a close frame carrying the error kind and closes conn.
func closeWith(conn *websocket.Conn, err error) {
	code, reason := websocket.CloseNormalClosure, ""

	if err != nil {
		reason = customerrors.Kind(err)

		switch reason {
		case customerrors.KindDisconnected, customerrors.KindDeviceRemoved, customerrors.KindCancelled:
			code = websocket.CloseGoingAway
		case customerrors.KindInternal:
			code = websocket.CloseInternalServerErr
		default:
			code = websocket.CloseTryAgainLater
		}
	}

	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}

	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason),
		time.Now().Add(defaultWebSocketWriteTimeout))
	_ = conn.Close()
}

func writeMessage(conn *websocket.Conn, mt int, data []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteTimeout))

	return conn.WriteMessage(mt, data)
}

func writeJSON(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteTimeout))

	return conn.WriteJSON(v)
}

// drain discards inbound frames until the peer goes away, keeping control
// frames flowing.
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

// DeviceEvent is one message on the registry stream. The first message is
// always a snapshot.
type DeviceEvent struct {
	Kind    string                `json:"kind"`
	Device  *dispatch.DeviceView  `json:"device,omitempty"`
	Devices []dispatch.DeviceView `json:"devices,omitempty"`
}

const eventSnapshot = "snapshot"

func (s *Server) handleWatchDevices(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		badRequest(w, r, err)

		return
	}

	sub := s.d.Registry().Subscribe()
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("WebSocket upgrade failed")

		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	keepalive(ctx, conn, defaultWebSocketReadLimit)

	go func() {
		defer cancel()

		drain(conn)
	}()

	err = s.pumpDevices(ctx, conn, sub, f)
	if ctx.Err() != nil {
		err = nil
	}

	closeWith(conn, err)
}

func (s *Server) pumpDevices(ctx context.Context, conn *websocket.Conn, sub *registry.Subscription, f registry.Filter) error {
	if err := writeJSON(conn, DeviceEvent{Kind: eventSnapshot, Devices: s.d.ListDevices(f)}); err != nil {
		return nil //nolint:nilerr // peer went away
	}

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return err
		}

		if !f.Matches(ev.Device) {
			continue
		}

		view := s.d.View(ev.Device)
		if err := writeJSON(conn, DeviceEvent{Kind: string(ev.Kind), Device: &view}); err != nil {
			return nil //nolint:nilerr // peer went away
		}
	}
}

func wantInput(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("input"))

	return v
}

// handleConsoleStream fans console output out as binary frames. With
// ?input=1 the stream also holds the device lease and forwards inbound
// frames to the console.
func (s *Server) handleConsoleStream(w http.ResponseWriter, r *http.Request) {
	id, err := deviceID(r)
	if err != nil {
		respondError(w, r, err)

		return
	}

	var in *dispatch.ConsoleInput

	if wantInput(r) {
		if !allowed(r, auth.PermissionWriteConsole) {
			respond(w, r, http.StatusForbidden, map[string]string{"error": "insufficient permissions"})

			return
		}

		in, err = s.d.OpenConsoleInput(r.Context(), id)
		if err != nil {
			respondError(w, r, err)

			return
		}

		defer in.Close()
	}

	sub, err := s.d.StreamConsole(r.Context(), id)
	if err != nil {
		respondError(w, r, err)

		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("WebSocket upgrade failed")

		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	keepalive(ctx, conn, defaultWebSocketReadLimit)

	inputErr := make(chan error, 1)

	go func() {
		inputErr <- forwardInput(conn, in)

		cancel()
	}()

	err = pumpConsole(ctx, conn, sub)
	if ctx.Err() != nil {
		select {
		case err = <-inputErr:
		default:
			err = nil
		}
	}

	closeWith(conn, err)
}

// forwardInput copies inbound frames to the console. A nil input only
// drains. It returns nil when the peer goes away.
func forwardInput(conn *websocket.Conn, in *dispatch.ConsoleInput) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil //nolint:nilerr // peer went away
		}

		if in == nil || len(data) == 0 {
			continue
		}

		if _, err := in.Write(data); err != nil {
			return err
		}
	}
}

func pumpConsole(ctx context.Context, conn *websocket.Conn, sub *console.Subscriber) error {
	for {
		data, err := sub.Next(ctx)
		if err != nil {
			return err
		}

		if err := writeMessage(conn, websocket.BinaryMessage, data); err != nil {
			return nil //nolint:nilerr // peer went away
		}
	}
}

// handleFlashStream runs a flash session fed from binary frames. A text
// frame "end" (or an empty binary frame) marks the end of the image and
// "cancel" aborts the session. Every status change is sent as JSON.
func (s *Server) handleFlashStream(w http.ResponseWriter, r *http.Request) {
	id, err := deviceID(r)
	if err != nil {
		respondError(w, r, err)

		return
	}

	req, err := flashRequest(r.URL.Query())
	if err != nil {
		badRequest(w, r, err)

		return
	}

	pr, pw := io.Pipe()
	req.Image = pr

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess, err := s.d.StartFlash(ctx, id, req)
	if err != nil {
		respondError(w, r, err)

		return
	}

	defer func() { _ = pr.CloseWithError(customerrors.ErrCancelled) }()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sess.Cancel()
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("WebSocket upgrade failed")

		return
	}

	keepalive(ctx, conn, flashWebSocketReadLimit)

	go feedImage(conn, pw, sess, cancel)

	err = sess.Watch(ctx, func(st flash.Status) error {
		return writeJSON(conn, st)
	})
	if err == nil {
		err = sess.Err()
	}

	closeWith(conn, err)
}

// feedImage copies image frames into the session pipe. Losing the peer
// before the image is complete cancels the session.
func feedImage(conn *websocket.Conn, pw *io.PipeWriter, sess *flash.Session, cancel context.CancelFunc) {
	complete := false

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if !complete {
				_ = pw.CloseWithError(customerrors.ErrCancelled)

				cancel()
			}

			return
		}

		if complete {
			continue
		}

		switch {
		case mt == websocket.TextMessage && string(data) == FlashCommandCancel:
			sess.Cancel()
		case mt == websocket.TextMessage && string(data) == FlashCommandEnd,
			mt == websocket.BinaryMessage && len(data) == 0:
			complete = true

			_ = pw.Close()
		case mt == websocket.BinaryMessage:
			if _, err := pw.Write(data); err != nil {
				// The session stopped reading; keep draining until close.
				complete = true
			}
		}
	}
}
