// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 neoai.nvim Contributors

package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kernitus/neoai.nvim-sub001/internal/agent"
	"github.com/kernitus/neoai.nvim-sub001/internal/config"
	"github.com/kernitus/neoai.nvim-sub001/internal/host"
	"github.com/kernitus/neoai.nvim-sub001/internal/provider"
	anthropicprov "github.com/kernitus/neoai.nvim-sub001/internal/provider/anthropic"
	googleprov "github.com/kernitus/neoai.nvim-sub001/internal/provider/google"
	openaiprov "github.com/kernitus/neoai.nvim-sub001/internal/provider/openai"
	"github.com/kernitus/neoai.nvim-sub001/internal/server"
	"github.com/kernitus/neoai.nvim-sub001/internal/store"
	_ "github.com/kernitus/neoai.nvim-sub001/internal/store/sqlite" // register sqlite backend
	neoerr "github.com/kernitus/neoai.nvim-sub001/pkg/errors"
)

// Orchestrator holds all wired subsystems and manages their lifecycle.
type Orchestrator struct {
	Config      *config.Config
	Store       store.SessionStore
	Providers   *provider.Registry
	Tools       *agent.Registry
	Link        *host.Link
	Diagnostics *agent.DiagnosticsController
	Sink        *agent.Sink
	Loop        *agent.Loop
	Sessions    *agent.SessionManager
	Handler     *agent.HostHandler
	Events      *server.Broadcaster

	logger    *slog.Logger
	stopDiag  context.CancelFunc
	diagDone  chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// providerFactory builds a provider from its config.
type providerFactory func(pc config.ProviderConfig, cfg *config.Config) (provider.Provider, error)

var providerFactories = map[string]providerFactory{
	"anthropic": func(pc config.ProviderConfig, cfg *config.Config) (provider.Provider, error) {
		return anthropicprov.New(anthropicprov.Config{APIKey: pc.APIKey, BaseURL: pc.BaseURL, HealthCooldown: cfg.Models.HealthCooldown})
	},
	"openai": func(pc config.ProviderConfig, cfg *config.Config) (provider.Provider, error) {
		return openaiprov.New(openaiprov.Config{APIKey: pc.APIKey, BaseURL: pc.BaseURL, HealthCooldown: cfg.Models.HealthCooldown})
	},
	"google": func(pc config.ProviderConfig, cfg *config.Config) (provider.Provider, error) {
		return googleprov.New(googleprov.Config{APIKey: pc.APIKey, BaseURL: pc.BaseURL, HealthCooldown: cfg.Models.HealthCooldown})
	},
}

// Wire creates all subsystems and wires them together. The diagnostics
// controller runs until Close.
func Wire(cfg *config.Config, logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{Config: cfg, logger: logger}

	// 1. Session store.
	st, err := store.Open(store.StorageConfig{Backend: cfg.Storage.Backend}, cfg.Storage.DataDir)
	if err != nil {
		return nil, neoerr.Wrapf(err, neoerr.CodeCLISetupFailure, "opening %s store in %s", cfg.Storage.Backend, cfg.Storage.DataDir)
	}
	o.Store = st

	// 2. Model providers and routing.
	o.Providers, err = buildProviders(cfg, logger)
	if err != nil {
		_ = o.Close()
		return nil, err
	}

	// 3. Tools, host link and dispatcher.
	o.Tools = agent.NewRegistry()
	if err := o.Tools.RegisterAll(agent.BuiltinTools()); err != nil {
		_ = o.Close()
		return nil, neoerr.Wrapf(err, neoerr.CodeCLISetupFailure, "registering built-in tools")
	}
	if cfg.Tools.File != "" {
		specs, err := agent.LoadToolFile(cfg.Tools.File)
		if err != nil {
			_ = o.Close()
			return nil, err
		}
		if err := o.Tools.RegisterAll(specs); err != nil {
			_ = o.Close()
			return nil, neoerr.Wrapf(err, neoerr.CodeCLISetupFailure, "registering tools from %s", cfg.Tools.File)
		}
		logger.Info("loaded tool declarations", "path", cfg.Tools.File, "count", len(specs))
	}

	o.Link = host.NewLink()
	dispatcher, err := agent.NewDispatcher(agent.DispatcherConfig{
		Registry:       o.Tools,
		Host:           o.Link,
		DefaultTimeout: cfg.Agent.ToolTimeout,
		Logger:         logger,
	})
	if err != nil {
		_ = o.Close()
		return nil, neoerr.Wrapf(err, neoerr.CodeCLISetupFailure, "creating dispatcher")
	}

	// 4. Diagnostic feedback.
	o.Diagnostics = agent.NewDiagnosticsController(agent.DiagnosticsConfig{
		Dispatcher: dispatcher,
		Tool:       cfg.Agent.DiagnosticsTool,
		Debounce:   cfg.Agent.Debounce,
		Logger:     logger,
	})
	diagCtx, stop := context.WithCancel(context.Background())
	o.stopDiag = stop
	o.diagDone = make(chan struct{})
	go func() {
		defer close(o.diagDone)
		o.Diagnostics.Run(diagCtx)
	}()

	// 5. Streaming sink: the host always, HTTP subscribers when serving.
	o.Events = server.NewBroadcaster(logger)
	o.Sink = agent.NewSink(logger, agent.HostDelivery(o.Link, logger), o.Events)

	// 6. Agent loop, sessions and host request handling.
	o.Loop, err = agent.NewLoop(agent.LoopConfig{
		Store:         st,
		Router:        o.Providers,
		Dispatcher:    dispatcher,
		Diagnostics:   o.Diagnostics,
		Sink:          o.Sink,
		SystemPrompt:  cfg.Agent.SystemPrompt,
		MaxIterations: cfg.Agent.MaxIterations,
		ModelTimeout:  cfg.Agent.ModelTimeout,
		Retry:         retryPolicy(cfg.Agent.Retry, logger),
		Logger:        logger,
	})
	if err != nil {
		_ = o.Close()
		return nil, neoerr.Wrapf(err, neoerr.CodeCLISetupFailure, "creating agent loop")
	}

	o.Sessions, err = agent.NewSessionManager(agent.SessionManagerConfig{
		Store:       st,
		Loop:        o.Loop,
		Diagnostics: o.Diagnostics,
		Sink:        o.Sink,
		Forget:      o.Link.Forget,
		Logger:      logger,
	})
	if err != nil {
		_ = o.Close()
		return nil, neoerr.Wrapf(err, neoerr.CodeCLISetupFailure, "creating session manager")
	}
	o.Handler = agent.NewHostHandler(o.Sessions, o.Tools, o.Diagnostics, logger)
	return o, nil
}

// buildProviders registers every provider that has an API key and installs
// the default model and failover chain.
func buildProviders(cfg *config.Config, logger *slog.Logger) (*provider.Registry, error) {
	reg := provider.NewRegistry()
	for _, name := range cfg.ConfiguredProviders() {
		pc := cfg.Providers[name]
		factory, ok := providerFactories[pc.Type]
		if !ok {
			logger.Warn("unknown provider type in config, skipping", "provider", name, "type", pc.Type)
			continue
		}
		p, err := factory(pc, cfg)
		if err != nil {
			logger.Warn("failed to create provider", "provider", name, "error", err)
			continue
		}
		if err := reg.RegisterProvider(name, p); err != nil {
			return nil, neoerr.Wrapf(err, neoerr.CodeCLISetupFailure, "registering provider %s", name)
		}
		logger.Info("registered provider", "provider", name, "type", pc.Type)
	}

	if len(reg.Names()) == 0 {
		logger.Warn("no model provider has an API key; turns will fail until one is configured",
			"hint", "neoai secret set anthropic")
		return reg, nil
	}
	if cfg.Models.Default != "" {
		if err := reg.SetDefault(cfg.Models.Default); err != nil {
			return nil, neoerr.Wrapf(err, neoerr.CodeCLISetupFailure, "setting default model %s", cfg.Models.Default)
		}
	}
	if len(cfg.Models.Failover) > 0 {
		if err := reg.SetFailover(cfg.Models.Failover); err != nil {
			return nil, neoerr.Wrapf(err, neoerr.CodeCLISetupFailure, "setting failover chain")
		}
	}
	return reg, nil
}

func retryPolicy(rc config.RetryConfig, logger *slog.Logger) provider.RetryPolicy {
	return provider.RetryPolicy{
		MaxRetries:        rc.MaxRetries,
		BaseDelay:         rc.BaseDelay,
		MaxDelay:          rc.MaxDelay,
		BackoffMultiplier: rc.Multiplier,
		Jitter:            rc.Jitter,
		OnRetry: func(err error, attempt int, delay time.Duration) {
			logger.Warn("retrying model request", "attempt", attempt, "delay", delay, "error", err)
		},
	}
}

// Close stops background work and releases resources in reverse order.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		var errs []error
		if o.Sessions != nil {
			o.Sessions.Close()
		}
		if o.stopDiag != nil {
			o.stopDiag()
			<-o.diagDone
		}
		if cur := o.linkConn(); cur != nil {
			if err := cur.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if o.Providers != nil {
			if err := o.Providers.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if o.Store != nil {
			if err := o.Store.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			o.closeErr = neoerr.Join(errs...)
		}
	})
	return o.closeErr
}

func (o *Orchestrator) linkConn() *host.Conn {
	if o.Link == nil {
		return nil
	}
	return o.Link.Current()
}

// hostConnected reports whether a capability host is attached and live.
func (o *Orchestrator) hostConnected() bool {
	c := o.linkConn()
	if c == nil {
		return false
	}
	select {
	case <-c.Done():
		return false
	default:
		return true
	}
}
