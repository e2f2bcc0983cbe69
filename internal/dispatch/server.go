package dispatch

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/websocket"

	"github.com/jmylchreest/fetcharr/pkg/encoderwire"
)

// helloTimeout bounds how long an accepted connection may sit silent before
// introducing itself.
const helloTimeout = 10 * time.Second

var (
	// ErrUnauthorized is returned when a connection presents no (or a wrong)
	// bearer token.
	ErrUnauthorized = errors.New("dispatch: invalid or missing token")
	// errHelloRequired is returned when a connection's first frame is not a
	// valid HELLO.
	errHelloRequired = errors.New("dispatch: first frame must be HELLO with an encoder id")
)

// Handler returns the WebSocket endpoint encoder agents connect to. The
// upgrade is bearer-token authenticated when a token is configured; the
// token rides in the Authorization header or a token query parameter.
func (d *Dispatcher) Handler() http.Handler {
	return &websocket.Server{
		Handshake: func(cfg *websocket.Config, req *http.Request) error {
			if err := d.authorize(req); err != nil {
				d.logger.Warn("worker connection refused",
					slog.String("remote", req.RemoteAddr))
				return err
			}
			return nil
		},
		Handler: d.serveConn,
	}
}

func (d *Dispatcher) authorize(req *http.Request) error {
	if d.cfg.Token == "" {
		return nil
	}
	presented := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
	if presented == req.Header.Get("Authorization") {
		// No bearer header; fall back to the query parameter for agents
		// behind proxies that strip Authorization.
		presented = req.URL.Query().Get("token")
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(d.cfg.Token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// serveConn drives one worker connection: HELLO handshake, then the frame
// loop until the peer goes away. Cleanup requeues whatever the worker held.
func (d *Dispatcher) serveConn(conn *websocket.Conn) {
	ctx := d.frameContext()
	remote := conn.Request().RemoteAddr

	sess, err := d.awaitHello(ctx, conn)
	if err != nil {
		d.logger.Warn("worker handshake failed",
			slog.String("remote", remote), slog.Any("error", err))
		_ = conn.Close()
		return
	}

	logger := d.logger.With(slog.String("encoder_id", sess.encoderID))
	logger.Info("worker connected",
		slog.String("remote", remote),
		slog.Int("max_concurrent", sess.maxConcurrent),
		slog.Int("adopted_jobs", sess.currentJobs()))
	d.Kick()

	reason := d.readFrames(ctx, sess, logger)
	d.handleDisconnect(ctx, sess, reason, logger)
}

// awaitHello reads and applies the connection's first frame, registering the
// session. A previous session for the same encoder id is displaced: its
// read loop skips cleanup once it notices it no longer owns the id.
func (d *Dispatcher) awaitHello(ctx context.Context, conn *websocket.Conn) (*session, error) {
	_ = conn.SetReadDeadline(time.Now().Add(helloTimeout))

	var frame encoderwire.Frame
	if err := websocket.JSON.Receive(conn, &frame); err != nil {
		return nil, err
	}
	if frame.Type != encoderwire.FrameHello || frame.EncoderID == "" {
		return nil, errHelloRequired
	}

	sess := &session{
		encoderID:   frame.EncoderID,
		running:     make(map[string]bool),
		offers:      make(map[string]time.Time),
		connectedAt: time.Now(),
		conn:        conn,
	}

	d.mu.Lock()
	previous := d.sessions[sess.encoderID]
	d.sessions[sess.encoderID] = sess
	d.mu.Unlock()
	if previous != nil {
		previous.close()
	}

	if err := d.applyHello(ctx, sess, &frame); err != nil {
		d.mu.Lock()
		if d.sessions[sess.encoderID] == sess {
			delete(d.sessions, sess.encoderID)
		}
		d.mu.Unlock()
		return nil, err
	}
	return sess, nil
}

// readFrames pumps the connection until it errors out, returning the reason
// the worker was lost.
func (d *Dispatcher) readFrames(ctx context.Context, sess *session, logger *slog.Logger) string {
	timeout := d.cfg.HeartbeatTimeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}

	for {
		_ = sess.conn.SetReadDeadline(time.Now().Add(2 * timeout))

		var frame encoderwire.Frame
		if err := websocket.JSON.Receive(sess.conn, &frame); err != nil {
			switch {
			case errors.Is(err, io.EOF):
				return "connection closed"
			default:
				return err.Error()
			}
		}

		d.mu.Lock()
		sess.lastFrameAt = time.Now()
		d.mu.Unlock()

		d.handleFrame(ctx, sess, &frame, logger)
	}
}

func (d *Dispatcher) handleFrame(ctx context.Context, sess *session, frame *encoderwire.Frame, logger *slog.Logger) {
	switch frame.Type {
	case encoderwire.FrameHello:
		// Agents re-introduce themselves freely; capacity and capabilities
		// may have changed.
		if err := d.applyHello(ctx, sess, frame); err != nil {
			logger.Warn("re-hello rejected", slog.Any("error", err))
		}
		d.Kick()
	case encoderwire.FrameHeartbeat:
		d.handleHeartbeat(ctx, sess, frame)
	case encoderwire.FrameAccept:
		d.handleAccept(ctx, sess, frame, logger)
	case encoderwire.FrameReject:
		d.handleReject(ctx, sess, frame, logger)
	case encoderwire.FrameProgress:
		d.handleProgress(ctx, sess, frame, logger)
	case encoderwire.FrameCompleted:
		d.handleCompleted(ctx, sess, frame, logger)
	case encoderwire.FrameFailed:
		d.handleFailed(ctx, sess, frame, logger)
	default:
		// Unknown frame types are tolerated for forward compatibility.
		logger.Debug("ignoring unknown frame", slog.String("type", frame.Type.String()))
	}
}

// handleDisconnect tears down a lost worker: the persisted row goes offline
// and every assignment it held returns to the queue with its attempt
// consumed (workers that merely reconnect re-adopt running jobs in the new
// connection's HELLO instead).
func (d *Dispatcher) handleDisconnect(ctx context.Context, sess *session, reason string, logger *slog.Logger) {
	d.mu.Lock()
	current := d.sessions[sess.encoderID]
	if current != sess {
		// A newer connection owns this encoder id; it adopted the state.
		d.mu.Unlock()
		logger.Debug("stale connection closed", slog.String("reason", reason))
		return
	}
	delete(d.sessions, sess.encoderID)
	d.mu.Unlock()
	sess.close()

	logger.Info("worker disconnected", slog.String("reason", reason))
	d.markWorkerOffline(ctx, sess.encoderID)
	d.requeueWorkerJobs(ctx, sess.encoderID, reason, logger)
	d.Kick()
}

// frameContext returns the context frame handling runs under. Connection
// lifetimes outlive individual HTTP requests, so handlers bind to the
// dispatcher's context rather than the upgrade request's.
func (d *Dispatcher) frameContext() context.Context {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.baseCtx != nil {
		return d.baseCtx
	}
	return context.Background()
}
