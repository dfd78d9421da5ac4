// Package registry owns the machine-global session table. Sessions are
// double-indexed by name and by working directory, with one session per
// directory enforced at open time.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sebastianm/wormhole/internal/broker"
	"github.com/sebastianm/wormhole/internal/driver"
	"github.com/sebastianm/wormhole/internal/protocol"
	"github.com/sebastianm/wormhole/internal/session"
)

// ErrSessionExists reports a name or directory conflict at open time.
var ErrSessionExists = errors.New("session exists")

// ErrSessionNotFound reports a lookup for a name with no live session.
var ErrSessionNotFound = errors.New("session not found")

// OpenOptions parameterize a new session. Name may be empty, in which
// case one is derived from the directory.
type OpenOptions struct {
	Name            string
	Directory       string
	Model           string
	SystemPrompt    string
	Resume          string
	SkipPermissions bool
	ExtraArgs       []string
}

// Deps are the collaborators the registry threads into every session.
type Deps struct {
	Log          *slog.Logger
	Broker       *broker.Broker
	Sink         session.Sink
	NewDriver    func() driver.Driver
	RingCapacity int
	DefaultModel string
}

// Registry is the session table. A single lock guards both indexes so a
// concurrent open can never observe a half-inserted session.
type Registry struct {
	log  *slog.Logger
	deps Deps

	mu          sync.Mutex
	byName      map[string]*session.Session
	byDirectory map[string]*session.Session
}

// New creates an empty registry.
func New(deps Deps) *Registry {
	return &Registry{
		log:         deps.Log.With("component", "registry"),
		deps:        deps,
		byName:      make(map[string]*session.Session),
		byDirectory: make(map[string]*session.Session),
	}
}

// Open creates and starts a session. The directory is normalized to an
// absolute path before conflict checks so two spellings of the same path
// cannot open two sessions.
func (r *Registry) Open(ctx context.Context, opts OpenOptions) (*session.Session, error) {
	dir, err := filepath.Abs(opts.Directory)
	if err != nil {
		return nil, fmt.Errorf("resolve directory: %w", err)
	}

	name := opts.Name
	if name == "" {
		name = deriveName(dir)
	}

	// Conflict messages surface verbatim in client error frames.
	r.mu.Lock()
	if existing, ok := r.byName[name]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("A session named %s already exists (directory: %s): %w",
			name, existing.Directory(), ErrSessionExists)
	}
	if existing, ok := r.byDirectory[dir]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("A session already exists in this directory: %s: %w",
			existing.Name(), ErrSessionExists)
	}

	model := opts.Model
	if model == "" {
		model = r.deps.DefaultModel
	}

	s := session.New(name, dir, session.Deps{
		Log:          r.deps.Log,
		Driver:       r.deps.NewDriver(),
		Broker:       r.deps.Broker,
		Sink:         r.deps.Sink,
		RingCapacity: r.deps.RingCapacity,
	})

	// Reserve both slots before the driver spawns so a racing open fails
	// fast instead of starting a second process.
	r.byName[name] = s
	r.byDirectory[dir] = s
	r.mu.Unlock()

	err = s.Start(ctx, driver.Options{
		Model:           model,
		SystemPrompt:    opts.SystemPrompt,
		Resume:          opts.Resume,
		SkipPermissions: opts.SkipPermissions,
		ExtraArgs:       opts.ExtraArgs,
	})
	if err != nil {
		r.mu.Lock()
		delete(r.byName, name)
		delete(r.byDirectory, dir)
		r.mu.Unlock()
		return nil, fmt.Errorf("open session %s: %w", name, err)
	}

	r.log.Info("session opened", "session", name, "directory", dir)
	return s, nil
}

// Get looks a session up by name.
func (r *Registry) Get(name string) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("no session named %s: %w", name, ErrSessionNotFound)
	}
	return s, nil
}

// List snapshots all live sessions sorted by name.
func (r *Registry) List() []*session.Session {
	r.mu.Lock()
	sessions := make([]*session.Session, 0, len(r.byName))
	for _, s := range r.byName {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Name() < sessions[j].Name() })
	return sessions
}

// Infos snapshots all live sessions as wire-level session info.
func (r *Registry) Infos() []protocol.SessionInfo {
	sessions := r.List()
	infos := make([]protocol.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	return infos
}

// Close tears one session down and removes it from both indexes.
func (r *Registry) Close(name string) error {
	r.mu.Lock()
	s, ok := r.byName[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("no session named %s: %w", name, ErrSessionNotFound)
	}
	delete(r.byName, name)
	delete(r.byDirectory, s.Directory())
	r.mu.Unlock()

	err := s.Close()
	r.log.Info("session closed", "session", name)
	return err
}

// CloseAll tears every session down, in name order. Used at daemon
// shutdown; the first error is returned after all sessions are closed.
func (r *Registry) CloseAll() error {
	var first error
	for _, s := range r.List() {
		if err := r.Close(s.Name()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// deriveName builds a default session name from a directory: the path's
// base name plus a short digest of the full path, so sibling checkouts
// with the same base name stay distinguishable.
func deriveName(dir string) string {
	sum := sha256.Sum256([]byte(dir))
	return filepath.Base(dir) + "-" + hex.EncodeToString(sum[:2])
}
