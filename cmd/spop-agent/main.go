package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	spop "github.com/agentspop/spop-go"
	"github.com/agentspop/spop-go/internal/admin"
	"github.com/agentspop/spop-go/internal/config"
	"github.com/agentspop/spop-go/internal/trace"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve", "start":
		serve()
	case "version":
		fmt.Printf("spop-agent v%s\n", version)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func serve() {
	cfgPath := "spop-agent.yaml"
	if len(os.Args) > 2 {
		cfgPath = os.Args[2]
	}

	logger, startupCloser := setupLogger("info", "json", "stdout")
	if startupCloser != nil {
		defer startupCloser.Close()
	}
	logger.Info("spop-agent starting", "version", version)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if startupCloser != nil {
		_ = startupCloser.Close()
		startupCloser = nil
	}
	logger, logCloser := setupLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	if logCloser != nil {
		defer logCloser.Close()
	}

	var rec *trace.Recorder
	if cfg.Trace.Enabled {
		rec, err = trace.NewRecorder(cfg.Trace.Dir)
		if err != nil {
			logger.Error("failed to create trace recorder", "error", err)
			os.Exit(1)
		}
	}

	agent := newAgent(cfg, logger, rec)

	var adminSrv *admin.Server
	if cfg.Admin.Enabled {
		adminSrv = admin.New(cfg.Admin, logger, agent.sessionsActive)
		agent.hub = adminSrv.Hub
		agent.metrics = adminSrv.Metrics
		go func() {
			if err := adminSrv.Start(); err != nil {
				logger.Error("admin server error", "error", err)
			}
		}()
	}

	ln, err := listen(cfg.Listen)
	if err != nil {
		logger.Error("failed to listen", "error", err)
		os.Exit(1)
	}
	logger.Info("spop-agent ready", "listen", ln.Addr().String())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go agent.acceptLoop(ln)
	if ttl := cfg.Pool.IdleSessionTTL.Duration(); ttl > 0 {
		go agent.reapIdleSessions(ttl)
	}

	<-quit
	logger.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	close(agent.done)
	ln.Close()
	agent.closeAll()
	if adminSrv != nil {
		if err := adminSrv.Stop(ctx); err != nil {
			logger.Error("admin server shutdown error", "error", err)
		}
	}

	logger.Info("spop-agent stopped")
}

// listen opens the configured TCP or Unix-domain listener, removing a
// stale socket file left behind by a previous unclean shutdown.
func listen(cfg config.ListenConfig) (net.Listener, error) {
	if cfg.Address != "" {
		return net.Listen("tcp", cfg.Address)
	}
	if info, err := os.Stat(cfg.SocketPath); err == nil && info.Mode()&os.ModeSocket != 0 {
		if _, dialErr := net.Dial("unix", cfg.SocketPath); dialErr != nil {
			os.Remove(cfg.SocketPath)
		}
	}
	return net.Listen("unix", cfg.SocketPath)
}

// agent accepts connections and wires each to its own Session running
// the reference echo Handler.
type agent struct {
	cfg     *config.Config
	logger  *slog.Logger
	rec     *trace.Recorder
	hub     *admin.Hub
	metrics *admin.Metrics

	// sem bounds concurrently handled connections at cfg.Pool.MaxConnections;
	// acceptLoop blocks on it before spawning handleConn.
	sem  chan struct{}
	done chan struct{}

	mu       sync.Mutex
	sessions map[*spop.Session]struct{}
}

func newAgent(cfg *config.Config, logger *slog.Logger, rec *trace.Recorder) *agent {
	max := cfg.Pool.MaxConnections
	if max <= 0 {
		max = 1024
	}
	return &agent{
		cfg:      cfg,
		logger:   logger,
		rec:      rec,
		sem:      make(chan struct{}, max),
		done:     make(chan struct{}),
		sessions: make(map[*spop.Session]struct{}),
	}
}

func (a *agent) sessionsActive() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

func (a *agent) closeAll() {
	a.mu.Lock()
	sessions := make([]*spop.Session, 0, len(a.sessions))
	for s := range a.sessions {
		sessions = append(sessions, s)
	}
	a.mu.Unlock()
	for _, s := range sessions {
		s.Close()
	}
}

func (a *agent) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			a.logger.Warn("accept failed", "error", err)
			continue
		}

		select {
		case a.sem <- struct{}{}:
		case <-a.done:
			conn.Close()
			return
		}
		go func() {
			defer func() { <-a.sem }()
			a.handleConn(conn)
		}()
	}
}

// reapIdleSessions periodically closes sessions that have received no
// bytes for longer than ttl, draining connections a peer abandoned
// without sending HAPROXY-DISCONNECT.
func (a *agent) reapIdleSessions(ttl time.Duration) {
	interval := ttl / 2
	if interval <= 0 {
		interval = ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
			a.mu.Lock()
			stale := make([]*spop.Session, 0)
			for s := range a.sessions {
				if time.Since(s.IdleSince()) > ttl {
					stale = append(stale, s)
				}
			}
			a.mu.Unlock()
			for _, s := range stale {
				a.logger.Debug("closing idle session", "idle_since", s.IdleSince())
				s.Close()
			}
		}
	}
}

func (a *agent) handleConn(conn net.Conn) {
	defer conn.Close()

	caps, _ := spop.ParseCapabilities(joinCaps(a.cfg.Hello.Capabilities))
	sessCfg := spop.Config{
		SupportedVersions: a.cfg.Hello.SupportedVersions,
		MaxFrameSize:      a.cfg.Hello.MaxFrameSize,
		Capabilities:      caps,
		OutboundQueue:     a.cfg.Pool.OutboundQueue,
		HandlerTimeout:    a.cfg.Pool.HandlerTimeout.Duration(),
	}

	var st *trace.SessionTrace
	if a.rec != nil {
		var err error
		st, err = a.rec.NewSession()
		if err != nil {
			a.logger.Warn("failed to open trace session", "error", err)
		} else {
			defer st.Close()
		}
	}

	handler := spop.Handler(echoHandler{})
	if a.metrics != nil {
		handler = instrumentedHandler{inner: handler, metrics: a.metrics}
	}

	sess := spop.NewSession(sessCfg, handler, a.logger)
	sessionID := fmt.Sprintf("%p", sess)
	sess.SetEventHook(func(kind string, streamID, frameID uint64, detail string) {
		if st != nil {
			_ = st.Record(trace.Kind(kind), streamID, frameID, detail)
		}
		if a.hub != nil {
			a.hub.Broadcast(admin.Event{
				SessionID: sessionID,
				At:        time.Now(),
				Kind:      kind,
				StreamID:  streamID,
				FrameID:   frameID,
				Detail:    detail,
			})
		}
		if a.metrics != nil {
			a.metrics.ObserveEvent(kind, detail)
		}
	})

	a.mu.Lock()
	a.sessions[sess] = struct{}{}
	a.mu.Unlock()
	if a.metrics != nil {
		a.metrics.SessionOpened()
	}
	defer func() {
		a.mu.Lock()
		delete(a.sessions, sess)
		a.mu.Unlock()
		if a.metrics != nil {
			a.metrics.SessionClosed()
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for data := range sess.Output() {
			if _, err := conn.Write(data); err != nil {
				a.logger.Debug("write failed, closing connection", "error", err)
				sess.Close()
				return
			}
		}
	}()

	buf := make([]byte, 0, 4096)
	readBuf := make([]byte, 4096)
	for {
		n, err := conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)
			consumed, feedErr := sess.FeedBytes(buf)
			buf = buf[consumed:]
			if feedErr != nil {
				if !errors.Is(feedErr, spop.ErrSessionClosing) && !errors.Is(feedErr, spop.ErrSessionClosed) {
					a.logger.Warn("session protocol error", "error", feedErr)
				}
				break
			}
		}
		if err != nil {
			if err != io.EOF {
				a.logger.Debug("read failed", "error", err)
			}
			sess.Close()
			break
		}
	}

	wg.Wait()
}

func joinCaps(caps []string) string {
	out := ""
	for i, c := range caps {
		if i > 0 {
			out += ","
		}
		out += c
	}
	return out
}

// echoHandler is the reference Handler: it acknowledges every NOTIFY
// with no actions. A real deployment supplies its own spop.Handler.
type echoHandler struct{}

func (echoHandler) Handle(ctx context.Context, streamID, frameID uint64, messages spop.MessageList) (spop.ActionList, error) {
	return nil, nil
}

// instrumentedHandler wraps a Handler to report its runtime through
// Metrics.HandlerDuration, keeping the prometheus dependency confined
// to internal/admin.
type instrumentedHandler struct {
	inner   spop.Handler
	metrics *admin.Metrics
}

func (h instrumentedHandler) Handle(ctx context.Context, streamID, frameID uint64, messages spop.MessageList) (spop.ActionList, error) {
	start := time.Now()
	actions, err := h.inner.Handle(ctx, streamID, frameID, messages)
	h.metrics.ObserveHandlerDuration(time.Since(start))
	return actions, err
}

func setupLogger(level, format, output string) (*slog.Logger, io.Closer) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	writer, closer := resolveLogOutput(output)
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(writer, opts)
	} else {
		handler = slog.NewJSONHandler(writer, opts)
	}

	return slog.New(handler), closer
}

func resolveLogOutput(output string) (io.Writer, io.Closer) {
	switch output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return os.Stdout, nil
		}
		return f, f
	}
}

func printUsage() {
	fmt.Println(`spop-agent - reference SPOP agent built on github.com/agentspop/spop-go

Usage:
  spop-agent <command> [options]

Commands:
  serve [config]   Start the agent (default config: spop-agent.yaml)
  start [config]   Alias for serve
  version          Show version
  help             Show this help

Signals:
  SIGINT/SIGTERM   Graceful shutdown

Examples:
  spop-agent serve
  spop-agent serve /etc/spop-agent/spop-agent.yaml
  spop-agent version`)
}
