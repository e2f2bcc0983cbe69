package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/jmylchreest/fetcharr/pkg/encoderwire"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDispatcher is a scriptable server side of the wire protocol. Each
// agent connection lands on the conns channel for the test to drive.
type fakeDispatcher struct {
	t     *testing.T
	srv   *httptest.Server
	conns chan *websocket.Conn
	done  chan struct{}

	mu          sync.Mutex
	authHeaders []string
}

func newFakeDispatcher(t *testing.T) *fakeDispatcher {
	t.Helper()

	fd := &fakeDispatcher{
		t:     t,
		conns: make(chan *websocket.Conn, 8),
		done:  make(chan struct{}),
	}

	handler := websocket.Server{
		Handshake: func(_ *websocket.Config, r *http.Request) error {
			fd.mu.Lock()
			fd.authHeaders = append(fd.authHeaders, r.Header.Get("Authorization"))
			fd.mu.Unlock()
			return nil
		},
		Handler: func(conn *websocket.Conn) {
			fd.conns <- conn
			// The handler returning closes the socket, so hold it open
			// until the test finishes.
			<-fd.done
		},
	}

	fd.srv = httptest.NewServer(handler)
	t.Cleanup(func() {
		close(fd.done)
		fd.srv.Close()
	})
	return fd
}

func (fd *fakeDispatcher) url() string {
	return fd.srv.URL
}

func (fd *fakeDispatcher) lastAuthHeader() string {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	if len(fd.authHeaders) == 0 {
		return ""
	}
	return fd.authHeaders[len(fd.authHeaders)-1]
}

// accept waits for the next agent connection.
func (fd *fakeDispatcher) accept(t *testing.T) *dispatcherConn {
	t.Helper()
	select {
	case conn := <-fd.conns:
		return &dispatcherConn{t: t, conn: conn}
	case <-time.After(2 * time.Second):
		t.Fatal("agent never connected")
		return nil
	}
}

// dispatcherConn drives one agent session frame by frame.
type dispatcherConn struct {
	t    *testing.T
	conn *websocket.Conn
}

func (c *dispatcherConn) send(frame encoderwire.Frame) {
	c.t.Helper()
	require.NoError(c.t, websocket.JSON.Send(c.conn, frame))
}

func (c *dispatcherConn) recv(timeout time.Duration) encoderwire.Frame {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(timeout)))
	var frame encoderwire.Frame
	require.NoError(c.t, websocket.JSON.Receive(c.conn, &frame))
	return frame
}

// recvType reads until a frame of the wanted type arrives, skipping
// heartbeats that interleave with job traffic.
func (c *dispatcherConn) recvType(want encoderwire.FrameType, timeout time.Duration) encoderwire.Frame {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		require.Positive(c.t, remaining, "no %s frame within %s", want, timeout)
		frame := c.recv(remaining)
		if frame.Type == want {
			return frame
		}
		require.Equal(c.t, encoderwire.FrameHeartbeat, frame.Type,
			"unexpected %s frame while waiting for %s", frame.Type, want)
	}
}

func (c *dispatcherConn) expectNoFrame(wait time.Duration) {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(wait)))
	var frame encoderwire.Frame
	err := websocket.JSON.Receive(c.conn, &frame)
	require.Error(c.t, err, "expected silence, got a %s frame", frame.Type)
	var netErr net.Error
	require.ErrorAs(c.t, err, &netErr)
	require.True(c.t, netErr.Timeout())
}

func (c *dispatcherConn) expectHello(encoderID string) encoderwire.HelloPayload {
	c.t.Helper()
	frame := c.recv(2 * time.Second)
	require.Equal(c.t, encoderwire.FrameHello, frame.Type)
	require.Equal(c.t, encoderID, frame.EncoderID)
	var hello encoderwire.HelloPayload
	require.NoError(c.t, frame.DecodePayload(&hello))
	return hello
}

func (c *dispatcherConn) close() {
	_ = c.conn.Close()
}

// stubRunner is a scriptable EncodeRunner.
type stubRunner struct {
	mu      sync.Mutex
	started []EncodeJob

	// release, when non-nil, blocks Run until closed or the job context
	// is cancelled.
	release chan struct{}

	reports []encoderwire.ProgressPayload
	result  EncodeResult
	err     error
}

func (r *stubRunner) Run(ctx context.Context, job EncodeJob, report func(encoderwire.ProgressPayload)) (EncodeResult, error) {
	r.mu.Lock()
	r.started = append(r.started, job)
	release := r.release
	reports := r.reports
	result := r.result
	err := r.err
	r.mu.Unlock()

	for _, p := range reports {
		report(p)
	}

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return EncodeResult{}, ctx.Err()
		}
	}
	return result, err
}

func (r *stubRunner) startedJobs() []EncodeJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EncodeJob(nil), r.started...)
}

// startAgent runs an agent against the fake dispatcher until test cleanup.
func startAgent(t *testing.T, fd *fakeDispatcher, cfg Config, runner EncodeRunner) {
	t.Helper()

	if cfg.ServerURL == "" {
		cfg.ServerURL = fd.url()
	}
	if cfg.EncoderID == "" {
		cfg.EncoderID = "worker-1"
	}
	if cfg.HeartbeatInterval == 0 {
		// Keep periodic traffic out of frame-order assertions.
		cfg.HeartbeatInterval = time.Minute
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 20 * time.Millisecond
	}

	a, err := New(cfg, encoderwire.Capabilities{Codecs: []string{"h264", "aac"}}, runner, nil, quietLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = a.Run(ctx) }()
}

func TestAgentRegistersWithHello(t *testing.T) {
	fd := newFakeDispatcher(t)
	startAgent(t, fd, Config{
		Token:         "secret-token",
		EncoderID:     "enc-1",
		Name:          "living-room",
		MaxConcurrent: 3,
	}, &stubRunner{})

	conn := fd.accept(t)
	hello := conn.expectHello("enc-1")

	assert.Equal(t, "living-room", hello.Name)
	assert.Equal(t, 3, hello.MaxConcurrent)
	assert.Contains(t, hello.Capabilities.Codecs, "h264")
	assert.Equal(t, "Bearer secret-token", fd.lastAuthHeader())
}

func TestAgentRunsOfferedJobToCompletion(t *testing.T) {
	fd := newFakeDispatcher(t)
	runner := &stubRunner{
		result: EncodeResult{
			OutputPath:       "/out/movie.mkv",
			Size:             1000,
			CompressionRatio: 0.5,
			Duration:         1500 * time.Millisecond,
		},
	}
	startAgent(t, fd, Config{EncoderID: "enc-1", MaxConcurrent: 2}, runner)

	conn := fd.accept(t)
	conn.expectHello("enc-1")

	conn.send(encoderwire.NewOffer("job-1", encoderwire.OfferPayload{
		InputPath:  "/in/movie.mkv",
		OutputPath: "/out/movie.mkv",
		Config:     map[string]any{"codec": "h264"},
	}))

	accept := conn.recv(2 * time.Second)
	require.Equal(t, encoderwire.FrameAccept, accept.Type)
	assert.Equal(t, "job-1", accept.JobID)
	assert.Equal(t, "enc-1", accept.EncoderID)

	completed := conn.recvType(encoderwire.FrameCompleted, 2*time.Second)
	assert.Equal(t, "job-1", completed.JobID)
	var payload encoderwire.CompletedPayload
	require.NoError(t, completed.DecodePayload(&payload))
	assert.Equal(t, "/out/movie.mkv", payload.OutputPath)
	assert.Equal(t, int64(1000), payload.Size)
	assert.InDelta(t, 0.5, payload.CompressionRatio, 0.001)
	assert.Equal(t, int64(1500), payload.DurationMs)

	jobs := runner.startedJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "/in/movie.mkv", jobs[0].InputPath)
	assert.Equal(t, "h264", jobs[0].Config["codec"])
}

func TestAgentStreamsProgress(t *testing.T) {
	fd := newFakeDispatcher(t)
	runner := &stubRunner{
		reports: []encoderwire.ProgressPayload{
			{Pct: 42.5, Speed: 2.1, ETASeconds: 30},
		},
		result: EncodeResult{OutputPath: "/out/a.mkv", Size: 10},
	}
	startAgent(t, fd, Config{EncoderID: "enc-1", MaxConcurrent: 1}, runner)

	conn := fd.accept(t)
	conn.expectHello("enc-1")
	conn.send(encoderwire.NewOffer("job-1", encoderwire.OfferPayload{InputPath: "/in/a.mkv", OutputPath: "/out/a.mkv"}))
	conn.recvType(encoderwire.FrameAccept, 2*time.Second)

	progress := conn.recvType(encoderwire.FrameProgress, 2*time.Second)
	assert.Equal(t, "job-1", progress.JobID)
	var p encoderwire.ProgressPayload
	require.NoError(t, progress.DecodePayload(&p))
	assert.InDelta(t, 42.5, p.Pct, 0.001)
	assert.InDelta(t, 2.1, p.Speed, 0.001)
	assert.Equal(t, int64(30), p.ETASeconds)

	conn.recvType(encoderwire.FrameCompleted, 2*time.Second)
}

func TestAgentReportsFailure(t *testing.T) {
	fd := newFakeDispatcher(t)
	runner := &stubRunner{err: errors.New("ffmpeg: exit status 1: no such codec")}
	startAgent(t, fd, Config{EncoderID: "enc-1", MaxConcurrent: 1}, runner)

	conn := fd.accept(t)
	conn.expectHello("enc-1")
	conn.send(encoderwire.NewOffer("job-1", encoderwire.OfferPayload{InputPath: "/in/a.mkv", OutputPath: "/out/a.mkv"}))
	conn.recvType(encoderwire.FrameAccept, 2*time.Second)

	failed := conn.recvType(encoderwire.FrameFailed, 2*time.Second)
	assert.Equal(t, "job-1", failed.JobID)
	var payload encoderwire.FailedPayload
	require.NoError(t, failed.DecodePayload(&payload))
	assert.Contains(t, payload.Error, "no such codec")
}

func TestAgentRejectsOverCapacity(t *testing.T) {
	fd := newFakeDispatcher(t)
	runner := &stubRunner{
		release: make(chan struct{}),
		result:  EncodeResult{OutputPath: "/out/a.mkv"},
	}
	startAgent(t, fd, Config{EncoderID: "enc-1", MaxConcurrent: 1}, runner)

	conn := fd.accept(t)
	conn.expectHello("enc-1")

	conn.send(encoderwire.NewOffer("job-1", encoderwire.OfferPayload{InputPath: "/in/a.mkv", OutputPath: "/out/a.mkv"}))
	conn.recvType(encoderwire.FrameAccept, 2*time.Second)

	conn.send(encoderwire.NewOffer("job-2", encoderwire.OfferPayload{InputPath: "/in/b.mkv", OutputPath: "/out/b.mkv"}))
	reject := conn.recvType(encoderwire.FrameReject, 2*time.Second)
	assert.Equal(t, "job-2", reject.JobID)
	var payload encoderwire.RejectPayload
	require.NoError(t, reject.DecodePayload(&payload))
	assert.True(t, encoderwire.IsCapacityReason(payload.Reason))

	// Finishing job-1 frees the slot for the next offer.
	close(runner.release)
	conn.recvType(encoderwire.FrameCompleted, 2*time.Second)

	conn.send(encoderwire.NewOffer("job-3", encoderwire.OfferPayload{InputPath: "/in/c.mkv", OutputPath: "/out/c.mkv"}))
	accept := conn.recvType(encoderwire.FrameAccept, 2*time.Second)
	assert.Equal(t, "job-3", accept.JobID)
}

func TestAgentWithZeroCapacityRejectsEverything(t *testing.T) {
	fd := newFakeDispatcher(t)
	startAgent(t, fd, Config{EncoderID: "enc-1", MaxConcurrent: 0}, &stubRunner{})

	conn := fd.accept(t)
	hello := conn.expectHello("enc-1")
	assert.Zero(t, hello.MaxConcurrent)

	conn.send(encoderwire.NewOffer("job-1", encoderwire.OfferPayload{InputPath: "/in/a.mkv", OutputPath: "/out/a.mkv"}))
	reject := conn.recvType(encoderwire.FrameReject, 2*time.Second)
	var payload encoderwire.RejectPayload
	require.NoError(t, reject.DecodePayload(&payload))
	assert.True(t, encoderwire.IsCapacityReason(payload.Reason))
}

func TestAgentDuplicateOfferReacceptsWithoutSecondEncode(t *testing.T) {
	fd := newFakeDispatcher(t)
	runner := &stubRunner{release: make(chan struct{})}
	startAgent(t, fd, Config{EncoderID: "enc-1", MaxConcurrent: 1}, runner)

	conn := fd.accept(t)
	conn.expectHello("enc-1")

	offer := encoderwire.NewOffer("job-1", encoderwire.OfferPayload{InputPath: "/in/a.mkv", OutputPath: "/out/a.mkv"})
	conn.send(offer)
	conn.recvType(encoderwire.FrameAccept, 2*time.Second)

	conn.send(offer)
	again := conn.recvType(encoderwire.FrameAccept, 2*time.Second)
	assert.Equal(t, "job-1", again.JobID)

	assert.Len(t, runner.startedJobs(), 1)
}

func TestAgentCancelStopsJobSilently(t *testing.T) {
	fd := newFakeDispatcher(t)
	runner := &stubRunner{release: make(chan struct{})}
	startAgent(t, fd, Config{EncoderID: "enc-1", MaxConcurrent: 1}, runner)

	conn := fd.accept(t)
	conn.expectHello("enc-1")
	conn.send(encoderwire.NewOffer("job-1", encoderwire.OfferPayload{InputPath: "/in/a.mkv", OutputPath: "/out/a.mkv"}))
	conn.recvType(encoderwire.FrameAccept, 2*time.Second)

	conn.send(encoderwire.NewCancel("job-1"))

	// A cancelled job must not come back as FAILED or COMPLETED.
	conn.expectNoFrame(200 * time.Millisecond)

	// The slot is free again.
	conn.send(encoderwire.NewOffer("job-2", encoderwire.OfferPayload{InputPath: "/in/b.mkv", OutputPath: "/out/b.mkv"}))
	accept := conn.recvType(encoderwire.FrameAccept, 2*time.Second)
	assert.Equal(t, "job-2", accept.JobID)
}

func TestAgentAnswersPingWithHeartbeat(t *testing.T) {
	fd := newFakeDispatcher(t)
	startAgent(t, fd, Config{EncoderID: "enc-1", MaxConcurrent: 1}, &stubRunner{})

	conn := fd.accept(t)
	conn.expectHello("enc-1")

	conn.send(encoderwire.NewPing())
	beat := conn.recv(2 * time.Second)
	require.Equal(t, encoderwire.FrameHeartbeat, beat.Type)
	assert.Equal(t, "enc-1", beat.EncoderID)

	var payload encoderwire.HeartbeatPayload
	require.NoError(t, beat.DecodePayload(&payload))
	assert.Zero(t, payload.CurrentJobs)
}

func TestAgentHeartbeatsPeriodically(t *testing.T) {
	fd := newFakeDispatcher(t)
	startAgent(t, fd, Config{
		EncoderID:         "enc-1",
		MaxConcurrent:     1,
		HeartbeatInterval: 30 * time.Millisecond,
	}, &stubRunner{})

	conn := fd.accept(t)
	conn.expectHello("enc-1")

	first := conn.recv(2 * time.Second)
	assert.Equal(t, encoderwire.FrameHeartbeat, first.Type)
	second := conn.recv(2 * time.Second)
	assert.Equal(t, encoderwire.FrameHeartbeat, second.Type)
}

func TestAgentReconnectsWithFreshHello(t *testing.T) {
	fd := newFakeDispatcher(t)
	startAgent(t, fd, Config{EncoderID: "enc-1", MaxConcurrent: 1}, &stubRunner{})

	first := fd.accept(t)
	first.expectHello("enc-1")
	first.close()

	second := fd.accept(t)
	second.expectHello("enc-1")
}

func TestAgentJobsSurviveReconnect(t *testing.T) {
	fd := newFakeDispatcher(t)
	runner := &stubRunner{
		release: make(chan struct{}),
		result:  EncodeResult{OutputPath: "/out/a.mkv", Size: 42},
	}
	startAgent(t, fd, Config{EncoderID: "enc-1", MaxConcurrent: 1}, runner)

	first := fd.accept(t)
	first.expectHello("enc-1")
	first.send(encoderwire.NewOffer("job-1", encoderwire.OfferPayload{InputPath: "/in/a.mkv", OutputPath: "/out/a.mkv"}))
	first.recvType(encoderwire.FrameAccept, 2*time.Second)

	// The connection dies mid-encode; the job keeps running.
	first.close()

	second := fd.accept(t)
	second.expectHello("enc-1")

	close(runner.release)
	completed := second.recvType(encoderwire.FrameCompleted, 2*time.Second)
	assert.Equal(t, "job-1", completed.JobID)
}

func TestNewValidatesConfig(t *testing.T) {
	runner := &stubRunner{}

	_, err := New(Config{EncoderID: "enc-1"}, encoderwire.Capabilities{}, runner, nil, quietLogger())
	require.Error(t, err)

	_, err = New(Config{ServerURL: "ws://host/ws"}, encoderwire.Capabilities{}, runner, nil, quietLogger())
	require.Error(t, err)

	_, err = New(Config{ServerURL: "ws://host/ws", EncoderID: "enc-1"}, encoderwire.Capabilities{}, nil, nil, quietLogger())
	require.Error(t, err)
}

func TestDialURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://host:8080/api/v1/dispatch/ws", "ws://host:8080/api/v1/dispatch/ws"},
		{"https://host/dispatch/ws", "wss://host/dispatch/ws"},
		{"ws://host/ws", "ws://host/ws"},
		{"wss://host/ws", "wss://host/ws"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, dialURL(tt.in))
	}
}
