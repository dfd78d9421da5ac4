// Package daemon wires the registry, hub, control socket, and discovery
// advertiser into one supervised process and owns their lifetimes.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/sebastianm/wormhole/internal/broker"
	"github.com/sebastianm/wormhole/internal/config"
	"github.com/sebastianm/wormhole/internal/control"
	"github.com/sebastianm/wormhole/internal/discovery"
	"github.com/sebastianm/wormhole/internal/driver"
	"github.com/sebastianm/wormhole/internal/driver/claude"
	"github.com/sebastianm/wormhole/internal/hub"
	"github.com/sebastianm/wormhole/internal/protocol"
	"github.com/sebastianm/wormhole/internal/registry"
)

// Version is reported in welcome frames and status responses.
const Version = "0.1.0"

// Options tune a daemon beyond its config file; zero values mean
// production defaults.
type Options struct {
	// SocketPath overrides the control socket location.
	SocketPath string
	// NewDriver overrides the driver constructor. Tests inject fakes
	// here; the default spawns the Claude CLI.
	NewDriver func() driver.Driver
}

// Daemon is the assembled process. It implements hub.Core for WebSocket
// clients and control.Backend for the CLI.
type Daemon struct {
	log *slog.Logger
	cfg config.Config

	broker   *broker.Broker
	registry *registry.Registry
	hub      *hub.Hub
	server   *hub.Server
	ctl      *control.Server
	adv      *discovery.Advertiser
}

var (
	_ hub.Core        = (*Daemon)(nil)
	_ control.Backend = (*Daemon)(nil)
)

// New assembles a daemon from configuration.
func New(log *slog.Logger, cfg config.Config, opts Options) *Daemon {
	if opts.SocketPath == "" {
		opts.SocketPath = control.SocketPath()
	}
	if opts.NewDriver == nil {
		opts.NewDriver = func() driver.Driver { return claude.New(log) }
	}

	d := &Daemon{
		log:    log.With("component", "daemon"),
		cfg:    cfg,
		broker: broker.New(),
	}
	d.hub = hub.New(log, d, hub.Config{
		ServerVersion: Version,
		MachineName:   discovery.InstanceName(),
	})
	d.registry = registry.New(registry.Deps{
		Log:          log,
		Broker:       d.broker,
		Sink:         d.hub,
		NewDriver:    opts.NewDriver,
		RingCapacity: cfg.Daemon.BufferSize,
		DefaultModel: cfg.Defaults.Model,
	})
	d.server = hub.NewServer(log, d.hub, fmt.Sprintf(":%d", cfg.Daemon.Port))
	d.ctl = control.NewServer(log, d, opts.SocketPath)
	d.adv = discovery.New(log)
	return d
}

// Run serves until the context is canceled or a fatal error occurs.
// Teardown runs in reverse order of acquisition: sessions first (denying
// pending permissions), then discovery, then the network surfaces.
func (d *Daemon) Run(ctx context.Context) error {
	d.log.Info("daemon starting", "version", Version, "port", d.cfg.Daemon.Port, "pid", os.Getpid())

	g, gctx := errgroup.WithContext(ctx)
	serveCtx, stopServing := context.WithCancel(context.Background())
	defer stopServing()

	g.Go(func() error { return d.server.Run(serveCtx) })
	g.Go(func() error { return d.ctl.Run(serveCtx) })

	if d.cfg.Discovery.Enabled {
		// Best effort: a machine without multicast still serves clients
		// that know the address.
		if err := d.adv.Register(d.cfg.Daemon.Port); err != nil {
			d.log.Warn("discovery unavailable", "error", err)
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		if err := d.registry.CloseAll(); err != nil {
			d.log.Warn("session teardown", "error", err)
		}
		d.adv.Shutdown()
		stopServing()
		return nil
	})

	err := g.Wait()
	d.log.Info("daemon stopped")
	return err
}

// === hub.Core ===

// Sessions snapshots all sessions for welcome frames.
func (d *Daemon) Sessions() []protocol.SessionInfo {
	return d.registry.Infos()
}

// Query delivers a user turn to a named session.
func (d *Daemon) Query(ctx context.Context, name, text string) error {
	s, err := d.registry.Get(name)
	if err != nil {
		return err
	}
	return s.Query(ctx, text)
}

// Control applies a control action to a named session.
func (d *Daemon) Control(ctx context.Context, name string, action protocol.ControlAction) error {
	s, err := d.registry.Get(name)
	if err != nil {
		return err
	}
	return s.Control(ctx, action)
}

// ResolvePermission delivers a client decision. The request id alone
// identifies the pending entry; any connected client may resolve it.
func (d *Daemon) ResolvePermission(requestID string, decision protocol.Decision) error {
	return d.broker.Resolve(requestID, decision)
}

// Catchup builds a sync response from the session's ring, including
// still-pending permissions so a reconnecting client can re-render its
// approval prompts.
func (d *Daemon) Catchup(name string, afterSeq int64) (protocol.SyncResponse, error) {
	s, err := d.registry.Get(name)
	if err != nil {
		return protocol.SyncResponse{}, err
	}
	events, truncated := s.Ring().EventsSince(afterSeq)
	return protocol.SyncResponse{
		Session:            name,
		Events:             events,
		Truncated:          truncated,
		PendingPermissions: d.broker.Pending(name),
	}, nil
}

// === control.Backend ===

// OpenSession creates a session on behalf of the CLI.
func (d *Daemon) OpenSession(ctx context.Context, params control.OpenParams) (string, error) {
	s, err := d.registry.Open(ctx, registry.OpenOptions{
		Name:            params.Name,
		Directory:       params.Directory,
		Model:           params.Options.Model,
		SystemPrompt:    params.Options.SystemPrompt,
		Resume:          params.Options.Resume,
		SkipPermissions: params.Options.SkipPermissions,
		ExtraArgs:       params.Options.ExtraArgs,
	})
	if err != nil {
		return "", err
	}
	return s.Name(), nil
}

// CloseSession tears a session down on behalf of the CLI.
func (d *Daemon) CloseSession(name string) error {
	return d.registry.Close(name)
}

// ListSessions snapshots all sessions for the CLI.
func (d *Daemon) ListSessions() []protocol.SessionInfo {
	return d.registry.Infos()
}

// Status reports daemon-level health.
func (d *Daemon) Status() control.StatusResult {
	return control.StatusResult{
		Port:        d.cfg.Daemon.Port,
		PID:         os.Getpid(),
		Version:     Version,
		MachineName: discovery.InstanceName(),
		Sessions:    len(d.registry.List()),
		Clients:     d.hub.ClientCount(),
	}
}

// ResolveAttach returns the driver's native session id so the CLI can
// attach an interactive terminal to the same conversation.
func (d *Daemon) ResolveAttach(name string) (string, error) {
	s, err := d.registry.Get(name)
	if err != nil {
		return "", err
	}
	id := s.ClaudeSessionID()
	if id == "" {
		return "", fmt.Errorf("session %s has no driver session id yet", name)
	}
	return id, nil
}

// QuerySession delivers a user turn on behalf of the CLI.
func (d *Daemon) QuerySession(ctx context.Context, name, text string) error {
	return d.Query(ctx, name, text)
}
