// Package discovery advertises the daemon on the local network over
// mDNS/DNS-SD so clients can find it without configuration.
package discovery

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

const (
	// ServiceType is the DNS-SD service type clients browse for.
	ServiceType = "_wormhole._tcp"
	// Domain is the mDNS domain.
	Domain = "local."
)

// Advertiser publishes one DNS-SD record for the daemon's listen port.
// Advertising is best-effort: a failure is logged, never fatal.
type Advertiser struct {
	log *slog.Logger

	mu     sync.Mutex
	server *zeroconf.Server
}

// New creates an advertiser that has not registered yet.
func New(log *slog.Logger) *Advertiser {
	return &Advertiser{log: log.With("component", "discovery")}
}

// Register announces the service. The instance name is the machine's
// hostname with any domain suffix stripped.
func (a *Advertiser) Register(port int) error {
	instance := InstanceName()

	server, err := zeroconf.Register(instance, ServiceType, Domain, port, nil, nil)
	if err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}

	a.mu.Lock()
	a.server = server
	a.mu.Unlock()

	a.log.Info("advertising service", "instance", instance, "type", ServiceType, "port", port)
	return nil
}

// Shutdown withdraws the record. Safe to call without a prior Register.
func (a *Advertiser) Shutdown() {
	a.mu.Lock()
	server := a.server
	a.server = nil
	a.mu.Unlock()

	if server != nil {
		server.Shutdown()
		a.log.Info("service unregistered")
	}
}

// InstanceName returns the advertised instance name: the first label of
// the hostname, or a fixed fallback when the hostname is unavailable.
func InstanceName() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "wormhole"
	}
	if i := strings.IndexByte(hostname, '.'); i > 0 {
		hostname = hostname[:i]
	}
	return hostname
}
