// Package agent implements the encoder worker. It holds a websocket
// session to the dispatcher, advertises capabilities and host stats, and
// runs accepted encode jobs through ffmpeg.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/websocket"

	"github.com/jmylchreest/fetcharr/pkg/encoderwire"
)

const (
	defaultHeartbeatInterval = 15 * time.Second
	defaultReconnectDelay    = 5 * time.Second
	defaultReconnectMaxDelay = 60 * time.Second
	dialTimeout              = 10 * time.Second
)

var errNotConnected = errors.New("not connected to dispatcher")

// Config holds the dispatcher connection settings for one agent process.
type Config struct {
	// ServerURL is the dispatcher websocket endpoint. http and https
	// schemes are rewritten to ws and wss.
	ServerURL string

	// Token authenticates the connection.
	Token string

	// EncoderID identifies this worker. It must stay stable across
	// restarts so the dispatcher can hand running jobs back after a
	// reconnect.
	EncoderID string

	// Name is the human-readable worker name shown in the dispatcher.
	Name string

	// MaxConcurrent caps simultaneous encodes. Zero advertises the worker
	// without taking work.
	MaxConcurrent int

	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	ReconnectMaxDelay time.Duration
}

// EncodeJob carries one accepted offer to the runner.
type EncodeJob struct {
	JobID      string
	InputPath  string
	OutputPath string
	Config     map[string]any
}

// EncodeResult reports a finished encode back to the dispatcher.
type EncodeResult struct {
	OutputPath       string
	Size             int64
	CompressionRatio float64
	Duration         time.Duration
}

// EncodeRunner runs one encode job to completion, calling report as
// progress becomes known.
type EncodeRunner interface {
	Run(ctx context.Context, job EncodeJob, report func(encoderwire.ProgressPayload)) (EncodeResult, error)
}

// encodeJob tracks one in-flight encode. Jobs outlive the websocket
// session that delivered them; only a CANCEL frame or agent shutdown stops
// one early.
type encodeJob struct {
	id        string
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

// Agent is the dispatcher-facing worker loop.
type Agent struct {
	cfg    Config
	caps   encoderwire.Capabilities
	runner EncodeRunner
	stats  *StatsCollector
	logger *slog.Logger

	baseCtx context.Context

	mu   sync.Mutex
	conn *websocket.Conn
	jobs map[string]*encodeJob

	// sendMu keeps concurrent job goroutines from interleaving frames on
	// the shared connection.
	sendMu sync.Mutex
}

// New validates the config and builds an agent.
func New(cfg Config, caps encoderwire.Capabilities, runner EncodeRunner, stats *StatsCollector, logger *slog.Logger) (*Agent, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("server url is required")
	}
	if cfg.EncoderID == "" {
		return nil, errors.New("encoder id is required")
	}
	if runner == nil {
		return nil, errors.New("encode runner is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.ReconnectMaxDelay < cfg.ReconnectDelay {
		cfg.ReconnectMaxDelay = defaultReconnectMaxDelay
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Agent{
		cfg:    cfg,
		caps:   caps,
		runner: runner,
		stats:  stats,
		logger: logger.With(slog.String("component", "agent")),
		jobs:   make(map[string]*encodeJob),
	}, nil
}

// Run connects to the dispatcher and keeps the session alive until ctx is
// cancelled, reconnecting with exponential backoff. Encodes keep running
// across reconnects; the dispatcher re-adopts them when the next HELLO
// arrives.
func (a *Agent) Run(ctx context.Context) error {
	a.baseCtx = ctx
	delay := a.cfg.ReconnectDelay

	for {
		registered, err := a.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if registered {
			delay = a.cfg.ReconnectDelay
		}
		if err != nil {
			a.logger.Warn("dispatcher session ended",
				slog.Any("error", err),
				slog.Duration("retry_in", delay))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > a.cfg.ReconnectMaxDelay {
			delay = a.cfg.ReconnectMaxDelay
		}
	}
}

// runSession dials, registers, and reads frames until the connection
// drops. The returned bool reports whether registration succeeded, which
// resets the reconnect backoff.
func (a *Agent) runSession(ctx context.Context) (bool, error) {
	conn, err := a.dial()
	if err != nil {
		return false, err
	}

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.conn = nil
		a.mu.Unlock()
		conn.Close()
	}()

	if err := a.sendHello(ctx); err != nil {
		return false, fmt.Errorf("sending hello: %w", err)
	}
	a.logger.Info("registered with dispatcher",
		slog.String("encoder_id", a.cfg.EncoderID),
		slog.Int("max_concurrent", a.cfg.MaxConcurrent),
		slog.Int("running_jobs", a.activeJobs()))

	sessionCtx, cancelSession := context.WithCancel(ctx)
	defer cancelSession()
	go a.heartbeatLoop(sessionCtx)
	go func() {
		// Unblocks the Receive below on shutdown.
		<-sessionCtx.Done()
		conn.Close()
	}()

	for {
		var frame encoderwire.Frame
		if err := websocket.JSON.Receive(conn, &frame); err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			if errors.Is(err, io.EOF) {
				return true, errors.New("dispatcher closed the connection")
			}
			return true, err
		}
		a.handleFrame(&frame)
	}
}

func (a *Agent) dial() (*websocket.Conn, error) {
	wsCfg, err := websocket.NewConfig(dialURL(a.cfg.ServerURL), "http://localhost/")
	if err != nil {
		return nil, fmt.Errorf("parsing dispatcher url: %w", err)
	}
	if a.cfg.Token != "" {
		wsCfg.Header = http.Header{"Authorization": {"Bearer " + a.cfg.Token}}
	}
	wsCfg.Dialer = &net.Dialer{Timeout: dialTimeout}

	conn, err := websocket.DialConfig(wsCfg)
	if err != nil {
		return nil, fmt.Errorf("dialing dispatcher: %w", err)
	}
	return conn, nil
}

// dialURL maps http server URLs onto the websocket scheme so operators can
// paste the same base URL they use for the API.
func dialURL(raw string) string {
	switch {
	case strings.HasPrefix(raw, "http://"):
		return "ws://" + strings.TrimPrefix(raw, "http://")
	case strings.HasPrefix(raw, "https://"):
		return "wss://" + strings.TrimPrefix(raw, "https://")
	}
	return raw
}

func (a *Agent) sendHello(ctx context.Context) error {
	hello := encoderwire.HelloPayload{
		Name:          a.cfg.Name,
		MaxConcurrent: a.cfg.MaxConcurrent,
		Capabilities:  a.caps,
	}
	if a.stats != nil {
		hello.Stats = a.stats.Collect(ctx)
	}
	return a.send(encoderwire.NewHello(a.cfg.EncoderID, hello))
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.sendHeartbeat(ctx); err != nil {
				a.logger.Debug("heartbeat send failed", slog.Any("error", err))
				return
			}
		}
	}
}

func (a *Agent) sendHeartbeat(ctx context.Context) error {
	beat := encoderwire.HeartbeatPayload{CurrentJobs: a.activeJobs()}
	if a.stats != nil {
		beat.Stats = a.stats.Collect(ctx)
	}
	return a.send(encoderwire.NewHeartbeat(a.cfg.EncoderID, beat))
}

func (a *Agent) handleFrame(frame *encoderwire.Frame) {
	switch frame.Type {
	case encoderwire.FrameOffer:
		a.handleOffer(frame)
	case encoderwire.FrameCancel:
		a.handleCancel(frame.JobID)
	case encoderwire.FramePing:
		if err := a.sendHeartbeat(a.baseCtx); err != nil {
			a.logger.Debug("ping response failed", slog.Any("error", err))
		}
	default:
		a.logger.Debug("ignoring unexpected frame", slog.String("type", string(frame.Type)))
	}
}

func (a *Agent) handleOffer(frame *encoderwire.Frame) {
	var offer encoderwire.OfferPayload
	if err := frame.DecodePayload(&offer); err != nil {
		a.logger.Warn("undecodable offer",
			slog.String("job_id", frame.JobID), slog.Any("error", err))
		a.sendOrLog(encoderwire.NewReject(a.cfg.EncoderID, frame.JobID, "malformed offer"))
		return
	}

	a.mu.Lock()
	if _, held := a.jobs[frame.JobID]; held {
		// Duplicate offer for a job already running here, answer it
		// without starting a second encode.
		a.mu.Unlock()
		a.sendOrLog(encoderwire.NewAccept(a.cfg.EncoderID, frame.JobID))
		return
	}
	if a.cfg.MaxConcurrent <= 0 || len(a.jobs) >= a.cfg.MaxConcurrent {
		a.mu.Unlock()
		a.logger.Info("rejecting offer at capacity",
			slog.String("job_id", frame.JobID),
			slog.Int("running", a.activeJobs()))
		a.sendOrLog(encoderwire.NewReject(a.cfg.EncoderID, frame.JobID, encoderwire.ReasonAtCapacity))
		return
	}

	jobCtx, cancel := context.WithCancel(a.baseCtx)
	job := &encodeJob{id: frame.JobID, cancel: cancel}
	a.jobs[frame.JobID] = job
	a.mu.Unlock()

	if err := a.send(encoderwire.NewAccept(a.cfg.EncoderID, frame.JobID)); err != nil {
		// The connection died under the accept. Give the slot back; the
		// dispatcher recovers the offer when it notices the disconnect.
		a.mu.Lock()
		delete(a.jobs, frame.JobID)
		a.mu.Unlock()
		cancel()
		a.logger.Warn("accept send failed, dropping offer",
			slog.String("job_id", frame.JobID), slog.Any("error", err))
		return
	}

	a.logger.Info("accepted encode job",
		slog.String("job_id", frame.JobID),
		slog.String("input", offer.InputPath),
		slog.String("output", offer.OutputPath))

	go a.runJob(jobCtx, job, offer)
}

func (a *Agent) runJob(ctx context.Context, job *encodeJob, offer encoderwire.OfferPayload) {
	defer func() {
		a.mu.Lock()
		delete(a.jobs, job.id)
		a.mu.Unlock()
		job.cancel()
	}()

	result, err := a.runner.Run(ctx, EncodeJob{
		JobID:      job.id,
		InputPath:  offer.InputPath,
		OutputPath: offer.OutputPath,
		Config:     offer.Config,
	}, func(p encoderwire.ProgressPayload) {
		if sendErr := a.send(encoderwire.NewProgress(job.id, p)); sendErr != nil {
			a.logger.Debug("progress send failed",
				slog.String("job_id", job.id), slog.Any("error", sendErr))
		}
	})

	if job.cancelled.Load() {
		// The dispatcher asked for the cancel, it does not want a FAILED
		// report back.
		a.logger.Info("encode cancelled", slog.String("job_id", job.id))
		return
	}

	if err != nil {
		a.logger.Warn("encode failed",
			slog.String("job_id", job.id), slog.Any("error", err))
		if sendErr := a.send(encoderwire.NewFailed(job.id, err.Error())); sendErr != nil {
			a.logger.Warn("failure report lost, dispatcher will requeue on stall",
				slog.String("job_id", job.id), slog.Any("error", sendErr))
		}
		return
	}

	a.logger.Info("encode completed",
		slog.String("job_id", job.id),
		slog.String("output", result.OutputPath),
		slog.Int64("size_bytes", result.Size),
		slog.Duration("took", result.Duration))

	completed := encoderwire.CompletedPayload{
		OutputPath:       result.OutputPath,
		Size:             result.Size,
		CompressionRatio: result.CompressionRatio,
		DurationMs:       result.Duration.Milliseconds(),
	}
	if sendErr := a.send(encoderwire.NewCompleted(job.id, completed)); sendErr != nil {
		a.logger.Warn("completion report lost, dispatcher will requeue on stall",
			slog.String("job_id", job.id), slog.Any("error", sendErr))
	}
}

func (a *Agent) handleCancel(jobID string) {
	a.mu.Lock()
	job, ok := a.jobs[jobID]
	a.mu.Unlock()
	if !ok {
		a.logger.Debug("cancel for unknown job", slog.String("job_id", jobID))
		return
	}

	a.logger.Info("cancelling encode", slog.String("job_id", jobID))
	job.cancelled.Store(true)
	job.cancel()
}

func (a *Agent) activeJobs() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.jobs)
}

func (a *Agent) send(frame encoderwire.Frame) error {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return errNotConnected
	}

	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	return websocket.JSON.Send(conn, frame)
}

func (a *Agent) sendOrLog(frame encoderwire.Frame) {
	if err := a.send(frame); err != nil {
		a.logger.Debug("frame send failed",
			slog.String("type", string(frame.Type)), slog.Any("error", err))
	}
}
