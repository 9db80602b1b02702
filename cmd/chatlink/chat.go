package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ashureev/chatlink/internal/agent"
	"github.com/ashureev/chatlink/internal/api"
	"github.com/ashureev/chatlink/internal/chat"
	"github.com/ashureev/chatlink/internal/domain"
	"github.com/ashureev/chatlink/internal/events"
	"github.com/ashureev/chatlink/internal/gate"
	"github.com/ashureev/chatlink/internal/identity"
	"github.com/ashureev/chatlink/internal/metrics"
	"github.com/ashureev/chatlink/internal/offline"
	"github.com/ashureev/chatlink/internal/socket"
	"github.com/ashureev/chatlink/internal/store"
	"github.com/ashureev/chatlink/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

type chatFlags struct {
	userID      string
	mode        string
	noSocket    bool
	metricsAddr string
}

func newChatCmd() *cobra.Command {
	var f chatFlags
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Log in and chat with the backend from stdin",
		RunE: func(cmd *cobra.Command, _ []string) error {
			mode := domain.Mode(f.mode)
			if !mode.Valid() {
				return fmt.Errorf("unknown mode %q", f.mode)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runChat(ctx, f, mode, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&f.userID, "user", "cli-user", "user id to log in as")
	cmd.Flags().StringVar(&f.mode, "mode", string(domain.ModeDirect), "conversation mode")
	cmd.Flags().BoolVar(&f.noSocket, "no-socket", false, "send every message over REST")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

func runChat(ctx context.Context, f chatFlags, mode domain.Mode, in io.Reader, out io.Writer) error {
	logger := slog.Default()

	origin, err := url.Parse(cfg.BackendBaseURL)
	if err != nil {
		return fmt.Errorf("parse backend url: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("create cookie jar: %w", err)
	}
	httpClient := &http.Client{Jar: jar, Timeout: 30 * time.Second}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if f.metricsAddr != "" {
		go serveMetrics(f.metricsAddr, reg)
	}

	cache, err := store.Open(cfg.Cache.Driver, cfg.Cache.DSN)
	if err != nil {
		return fmt.Errorf("open read cache: %w", err)
	}
	defer func() {
		if closeErr := cache.Close(); closeErr != nil {
			logger.Error("Failed to close read cache", "error", closeErr)
		}
	}()
	if err := cache.Ping(ctx); err != nil {
		return fmt.Errorf("read cache health check: %w", err)
	}
	sweepCtx, stopSweep := context.WithCancel(ctx)
	swept := store.StartSweeper(sweepCtx, cache, cfg.Cache.SweepInterval, cfg.Cache.Retention, logger)
	defer func() {
		stopSweep()
		<-swept
	}()

	acc := identity.NewAccessor(jar, origin, &identity.MemoryTokenStore{},
		identity.WithSkew(cfg.SessionSkew), identity.WithLogger(logger))
	g := gate.New(httpClient, origin, acc, m, logger)
	jitter := cfg.Retry.Jitter
	if jitter == 0 {
		jitter = offline.NoJitter
	}
	online := offline.NewConnectivity(true)
	oc := offline.New(g, online, cache, offline.Options{
		MaxAttempts: cfg.Retry.MaxAttempts,
		Base:        cfg.Retry.Base,
		Max:         cfg.Retry.Max,
		Jitter:      jitter,
		Metrics:     m,
		Logger:      logger,
	})
	defer oc.Close()
	probeCtx, stopProbe := context.WithCancel(ctx)
	probed := oc.StartProbe(probeCtx, "/health", cfg.Retry.ProbeInterval)
	defer func() {
		stopProbe()
		<-probed
	}()
	client := api.New(oc, acc, logger)

	login, err := client.Login(ctx, f.userID)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	logger.Info("Logged in", "user_id", login.UserID, "session_id", login.SessionID, "session_ttl", acc.SessionTTL())

	bus := events.NewBus()
	printer := &printer{out: out, seen: make(map[string]string)}
	bus.Subscribe(printer.handle)

	machine := chat.New(mode, bus, chat.WithLogger(logger))
	poller := task.New(client, machine, task.Options{
		Interval:    cfg.Poll.Interval,
		MaxAttempts: cfg.Poll.MaxAttempts,
		Metrics:     m,
		Logger:      logger,
	})
	defer poller.Wait()
	defer poller.CancelAll()

	var sockets agent.Sockets
	if !f.noSocket {
		opts := socket.OptionsFromConfig(cfg)
		opts.HTTPClient = httpClient
		opts.Metrics = m
		opts.Logger = logger
		mgr, err := socket.NewSessionManager(cfg.BackendBaseURL, acc, opts)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := mgr.Close(closeCtx); err != nil {
				logger.Warn("Socket manager did not close cleanly", "error", err)
			}
		}()
		sockets = mgr
	}

	svc := agent.NewService(machine, sockets, client, poller, acc, agent.Config{
		Endpoint:     cfg.WSChatPath,
		Metrics:      m,
		Logger:       logger,
		Connectivity: online,
	})
	defer svc.Close()

	if sockets != nil {
		conn, err := svc.Connect(ctx)
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		readyCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
		err = conn.WaitReady(readyCtx)
		cancel()
		if err != nil {
			logger.Warn("Socket not ready, continuing over REST", "error", err)
		}
	}

	defer func() {
		logoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Logout(logoutCtx); err != nil {
			logger.Warn("Logout failed", "error", err)
		}
	}()

	return readLoop(ctx, svc, in, out)
}

func readLoop(ctx context.Context, svc *agent.Service, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				waitIdle(ctx, svc)
				return nil
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
				continue
			case line == "/quit":
				return nil
			case strings.HasPrefix(line, "/mode "):
				mode := domain.Mode(strings.TrimSpace(strings.TrimPrefix(line, "/mode ")))
				if !mode.Valid() {
					fmt.Fprintf(out, "unknown mode %q\n", mode)
					continue
				}
				svc.Machine().SetMode(mode)
				fmt.Fprintf(out, "mode: %s\n", mode)
				continue
			}
			if _, err := svc.Submit(ctx, agent.Input{Message: line}); err != nil {
				if errors.Is(err, agent.ErrClosed) {
					return nil
				}
				fmt.Fprintf(out, "rejected: %v\n", err)
			}
		}
	}
}

// waitIdle lets in-flight replies land before exiting on end of input.
func waitIdle(ctx context.Context, svc *agent.Service) {
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for {
		if !svc.Machine().Snapshot().Loading {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	slog.Info("Metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Metrics server failed", "error", err)
	}
}

// printer renders finished assistant messages and notable events.
type printer struct {
	mu   sync.Mutex
	out  io.Writer
	seen map[string]string
}

func (p *printer) handle(e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch e.Type {
	case events.MessageAppended, events.MessageUpdated:
		msg := e.Message
		if msg == nil || msg.Role != domain.RoleAssistant || msg.Streaming {
			return
		}
		if p.seen[msg.ID] == msg.Content {
			return
		}
		p.seen[msg.ID] = msg.Content
		label := "assistant"
		switch {
		case msg.MetaBool(domain.MetaSystemNote):
			label = "notice"
		case msg.Processing:
			label = "working"
		case msg.MetaBool(domain.MetaFailed):
			label = "failed"
		}
		if phase, _ := msg.Metadata[domain.MetaPhase].(string); phase != "" {
			label += " (" + phase + ")"
		}
		fmt.Fprintf(p.out, "%s> %s\n", label, msg.Content)
	case events.ConnectionStatus:
		if c := e.Connection; c != nil {
			slog.Info("Connection status", "endpoint", c.Endpoint, "status", c.Status, "attempt", c.Attempt)
		}
	case events.SessionLost:
		fmt.Fprintf(p.out, "session lost: %s\n", e.Reason)
	case events.Error:
		if f := e.Failure; f != nil {
			fmt.Fprintf(p.out, "error [%s]: %s\n", f.Kind, f.Message)
		}
	}
}
