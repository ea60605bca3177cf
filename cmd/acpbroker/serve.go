// Copyright 2025 Fenwick AI
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fenwick-ai/acpbroker/internal/acplog"
	"github.com/fenwick-ai/acpbroker/internal/agent"
	"github.com/fenwick-ai/acpbroker/internal/audit"
	"github.com/fenwick-ai/acpbroker/internal/auth"
	"github.com/fenwick-ai/acpbroker/internal/config"
	"github.com/fenwick-ai/acpbroker/internal/connection"
	"github.com/fenwick-ai/acpbroker/internal/llmrunner"
	"github.com/fenwick-ai/acpbroker/internal/metrics"
	"github.com/fenwick-ai/acpbroker/internal/observability"
	"github.com/fenwick-ai/acpbroker/internal/peer"
	"github.com/fenwick-ai/acpbroker/internal/session"
	"github.com/fenwick-ai/acpbroker/internal/toolcatalog"
	"github.com/fenwick-ai/acpbroker/internal/tracker"
	"github.com/fenwick-ai/acpbroker/internal/transport"
)

// ServeCmd starts the broker process.
type ServeCmd struct {
	Config         string   `short:"c" help:"Path to config file." type:"path" default:"acpbroker.yaml"`
	ConfigProvider string   `name:"config-provider" help:"Config source: file, consul, etcd, zookeeper." default:"file"`
	ConfigEndpoint []string `name:"config-endpoint" help:"Consul/etcd/zookeeper endpoint(s) (config-provider != file)."`
	ConfigKey      string   `name:"config-key" help:"Consul/etcd key or zookeeper znode path (config-provider != file)."`

	Stdio    bool   `help:"Force stdio transport, overriding the config file."`
	WSAddr   string `name:"ws-addr" help:"Force WebSocket transport at this address, overriding the config file."`
	LogLevel string `name:"log-level" help:"Override the config file's log level (debug, info, warn, error)."`
	LogText  bool   `name:"log-text" help:"Emit human-readable logs instead of JSON (for interactive use)."`
	Watch    bool   `help:"Watch the config source for changes; logs but does not hot-swap active sessions."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	provider, err := c.buildProvider()
	if err != nil {
		return err
	}
	defer provider.Close()

	cfg, err := config.Load(provider)
	if err != nil {
		return fmt.Errorf("serve: load config: %w", err)
	}
	c.applyOverrides(cfg)

	logger := acplog.New(cfg.LogLevel)
	if c.LogText {
		logger = acplog.NewText(cfg.LogLevel)
	}
	slog.SetDefault(logger)

	if c.Watch {
		c.watchConfig(ctx, provider, logger)
	}

	shutdownTracing, err := observability.Setup(ctx, observability.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		SamplingRate: cfg.Tracing.SamplingRate,
	})
	if err != nil {
		return fmt.Errorf("serve: setup tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	var metricsSink *metrics.Metrics
	if cfg.Metrics.Enabled {
		metricsSink = metrics.New("acpbroker")
	}

	var auditLog *audit.Log
	if cfg.Audit.Enabled {
		auditLog, err = audit.Open(cfg.Audit.DBPath)
		if err != nil {
			return fmt.Errorf("serve: open audit log: %w", err)
		}
		defer auditLog.Close()
	}

	var sources []toolcatalog.Source
	for _, mcpCfg := range cfg.MCPServers {
		sources = append(sources, toolcatalog.NewMCPSource(toolcatalog.MCPConfig{
			Name: mcpCfg.Name, Command: mcpCfg.Command, Args: mcpCfg.Args, Env: mcpCfg.Env,
		}, logger))
	}

	runnerConf := llmrunner.Config{
		BaseURL:          cfg.Model.BaseURL,
		APIKey:           cfg.Model.APIKey,
		Model:            cfg.Model.Name,
		MaxToolCalls:     cfg.Model.MaxToolCalls,
		MaxContextTokens: cfg.Model.MaxContextTokens,
	}

	newConnection := func(tr transport.Transport) *connection.Connection {
		conn := connection.New(tr, logger)
		p := peer.New(conn)
		if metricsSink != nil {
			p.SetMetrics(metricsSink)
		}
		registry := session.NewRegistry()
		agent.New(conn, agent.Deps{
			Peer:       p,
			Registry:   registry,
			Sources:    sources,
			RunnerConf: runnerConf,
			Logger:     logger,
			Metrics:    metricsSink,
			Audit:      auditLog,
		})
		return conn
	}

	if cfg.Transport == config.TransportWebSocket {
		return c.serveWebSocket(ctx, cfg, logger, metricsSink, newConnection)
	}
	return c.serveStdio(ctx, logger, newConnection)
}

func (c *ServeCmd) serveStdio(ctx context.Context, logger *slog.Logger, newConnection func(transport.Transport) *connection.Connection) error {
	tr := transport.NewStdio(os.Stdin, os.Stdout)
	conn := newConnection(tr)
	logger.Info("acpbroker listening on stdio")
	err := conn.Run(ctx)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *ServeCmd) serveWebSocket(ctx context.Context, cfg *config.Config, logger *slog.Logger, metricsSink *metrics.Metrics, newConnection func(transport.Transport) *connection.Connection) error {
	var metricsHandler http.Handler
	if metricsSink != nil {
		metricsHandler = metricsSink.Handler()
	}

	var authenticate func(r *http.Request) error
	if cfg.Auth.Enabled {
		validator, err := auth.NewJWTValidator(ctx, cfg.Auth.JWKSURL, cfg.Auth.Issuer, cfg.Auth.Audience)
		if err != nil {
			return fmt.Errorf("serve: build JWT validator: %w", err)
		}
		authenticate = validator.Authenticate
	}

	srv := transport.NewServer(transport.ServerConfig{
		Addr:           cfg.WSAddr,
		MetricsHandler: metricsHandler,
		Authenticate:   authenticate,
	}, logger)

	go func() {
		for ws := range srv.Accept() {
			conn := newConnection(ws)
			if metricsSink != nil {
				metricsSink.ConnectionOpened()
			}
			opened := time.Now()
			go func() {
				_ = conn.Run(ctx)
				if metricsSink != nil {
					metricsSink.ConnectionClosed(time.Since(opened))
				}
			}()
		}
	}()

	logger.Info("acpbroker listening on websocket", "addr", cfg.WSAddr)
	return srv.ListenAndServe(ctx)
}

func (c *ServeCmd) buildProvider() (config.Provider, error) {
	switch c.ConfigProvider {
	case "", "file":
		return config.NewFileProvider(c.Config)
	case "consul":
		addr := ""
		if len(c.ConfigEndpoint) > 0 {
			addr = c.ConfigEndpoint[0]
		}
		return config.NewConsulProvider(addr, c.ConfigKey)
	case "etcd":
		return config.NewEtcdProvider(c.ConfigEndpoint, c.ConfigKey)
	case "zookeeper", "zk":
		return config.NewZookeeperProvider(c.ConfigEndpoint, c.ConfigKey)
	default:
		return nil, fmt.Errorf("serve: unknown config provider %q", c.ConfigProvider)
	}
}

func (c *ServeCmd) applyOverrides(cfg *config.Config) {
	if c.Stdio {
		cfg.Transport = config.TransportStdio
	}
	if c.WSAddr != "" {
		cfg.Transport = config.TransportWebSocket
		cfg.WSAddr = c.WSAddr
	}
	if c.LogLevel != "" {
		cfg.LogLevel = c.LogLevel
	}
}

// watchConfig logs config source changes; it intentionally does not
// hot-swap live sessions; spec.md's Non-goals exclude mid-session
// reconfiguration, but an operator still wants to know the source drifted
// from what the running process loaded.
func (c *ServeCmd) watchConfig(ctx context.Context, provider config.Provider, logger *slog.Logger) {
	ch, err := provider.Watch(ctx)
	if err != nil {
		logger.Warn("serve: config watch unavailable", "error", err)
		return
	}
	go func() {
		for range ch {
			logger.Info("serve: config source changed; restart to pick up new values")
		}
	}()
}
