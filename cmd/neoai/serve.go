// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/kernitus/neoai.nvim-sub001/internal/config"
	"github.com/kernitus/neoai.nvim-sub001/internal/host"
	"github.com/kernitus/neoai.nvim-sub001/internal/server"
	neoerr "github.com/kernitus/neoai.nvim-sub001/pkg/errors"
)

const readTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator",
		Long: "Run the agent orchestrator. With the stdio transport the editor spawns neoai and speaks " +
			"envelopes over stdin and stdout; with the websocket transport it connects to transport.listen.",
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().String("transport", "", "host transport: stdio or websocket (overrides config)")
	cmd.Flags().String("listen", "", "websocket transport listen address (overrides config)")
	cmd.Flags().Bool("http", false, "enable the HTTP API (overrides config)")
	cmd.Flags().String("http-listen", "", "HTTP API listen address (overrides config)")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyServeFlags(cmd, cfg); err != nil {
		return err
	}

	o, err := Wire(cfg, slog.Default())
	if err != nil {
		return err
	}
	defer func() {
		if err := o.Close(); err != nil {
			slog.Warn("shutdown incomplete", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return runServices(ctx, o, cmd.InOrStdin(), cmd.OutOrStdout())
}

// applyServeFlags overlays explicitly set flags on cfg and revalidates.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("transport") {
		cfg.Transport.Mode, _ = flags.GetString("transport")
	}
	if flags.Changed("listen") {
		cfg.Transport.Listen, _ = flags.GetString("listen")
	}
	if flags.Changed("http") {
		cfg.Server.Enabled, _ = flags.GetBool("http")
	}
	if flags.Changed("http-listen") {
		cfg.Server.Listen, _ = flags.GetString("http-listen")
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return neoerr.Wrapf(errors.Join(errs...), neoerr.CodeConfigValidateInvalidValue, "validating flags")
	}
	return nil
}

// runServices runs the host transport and the optional HTTP API until ctx
// ends or any of them stops. The stdio host hanging up ends the process.
func runServices(ctx context.Context, o *Orchestrator, stdin io.Reader, stdout io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg := o.Config
	var tasks []func(context.Context) error

	var api *server.Server
	if cfg.Server.Enabled {
		var err error
		api, err = newAPIServer(o)
		if err != nil {
			return err
		}
		defer api.Close()
	}

	switch cfg.Transport.Mode {
	case config.TransportStdio:
		tasks = append(tasks, func(ctx context.Context) error {
			return serveStdio(ctx, o, stdin, stdout)
		})
	case config.TransportWebSocket:
		sock, err := server.NewHostSocket(ctx, server.HostSocketConfig{
			Link:          o.Link,
			Requests:      o.Handler.HandleRequest,
			Notifications: o.Handler.HandleNotification,
			Logger:        o.logger,
		})
		if err != nil {
			return err
		}
		r := chi.NewRouter()
		r.Use(middleware.Recoverer)
		r.Handle(cfg.Transport.Path, sock)

		if api != nil && cfg.Server.Listen == cfg.Transport.Listen {
			// One listener serves both.
			r.Mount("/", api.Handler())
			api = nil
		}
		tasks = append(tasks, func(ctx context.Context) error {
			o.logger.Info("waiting for capability host", "url", "ws://"+cfg.Transport.Listen+cfg.Transport.Path)
			return server.Serve(ctx, cfg.Transport.Listen, r, readTimeout, o.logger)
		})
	}

	if api != nil {
		tasks = append(tasks, api.Start)
	}

	errCh := make(chan error, len(tasks))
	for _, task := range tasks {
		go func() { errCh <- task(ctx) }()
	}

	var first error
	for range tasks {
		if err := <-errCh; err != nil && first == nil {
			first = err
		}
		cancel()
	}
	return first
}

func newAPIServer(o *Orchestrator) (*server.Server, error) {
	sc := o.Config.Server
	if sc.Token == "" {
		o.logger.Warn("HTTP API authentication disabled: server.token is empty")
	}
	return server.New(server.Config{
		ListenAddr:  sc.Listen,
		CORSOrigins: sc.CORSOrigins,
		Token:       sc.Token,
		RateLimit: server.RateLimitConfig{
			RequestsPerSecond: sc.RateLimit.RequestsPerSecond,
			Burst:             sc.RateLimit.Burst,
		},
		ReadTimeout: readTimeout,
		Logger:      o.logger,
	}, server.Services{
		Sessions:      o.Sessions,
		Providers:     server.RegistryHealth{Registry: o.Providers},
		Events:        o.Events,
		HostConnected: o.hostConnected,
	})
}

// serveStdio attaches the editor on the other end of stdin and stdout.
func serveStdio(ctx context.Context, o *Orchestrator, stdin io.Reader, stdout io.Writer) error {
	conn := host.NewConn(stdioPipe{Reader: stdin, Writer: stdout},
		host.WithLogger(o.logger.With("transport", config.TransportStdio)),
		host.WithRequestHandler(o.Handler.HandleRequest),
		host.WithNotificationHandler(o.Handler.HandleNotification),
	)
	if err := o.Link.Attach(conn); err != nil {
		return err
	}
	defer o.Link.Detach(conn)

	o.logger.Info("capability host attached", "transport", config.TransportStdio)
	err := conn.Serve(ctx)
	o.logger.Info("capability host detached", "transport", config.TransportStdio)
	return err
}

// stdioPipe joins stdin and stdout into one stream. Close closes stdin so a
// blocked read returns.
type stdioPipe struct {
	io.Reader
	io.Writer
}

func (p stdioPipe) Close() error {
	if c, ok := p.Reader.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
