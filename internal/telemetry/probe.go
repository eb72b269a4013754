package telemetry

import (
	"context"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
)

// Prober reports whether an exporter's backend is reachable.
type Prober interface {
	// Name identifies the exporter in the health breakdown.
	Name() string

	// IsHealthy returns true if the backend is reachable.
	IsHealthy(ctx context.Context) bool
}

// GRPCProber probes a pooled collector connection.
type GRPCProber struct {
	name string
	conn *grpc.ClientConn
}

// NewGRPCProber creates a probe for conn.
func NewGRPCProber(name string, conn *grpc.ClientConn) *GRPCProber {
	return &GRPCProber{name: name, conn: conn}
}

// Name returns the probe name.
func (p *GRPCProber) Name() string {
	return p.name
}

// IsHealthy reports false only when the connection is known to be broken
// (transient failure or shut down). An idle connection is asked to connect
// and counts as healthy until it fails.
func (p *GRPCProber) IsHealthy(ctx context.Context) bool {
	if p.conn == nil {
		return false
	}
	switch p.conn.GetState() {
	case connectivity.TransientFailure, connectivity.Shutdown:
		return false
	case connectivity.Idle:
		p.conn.Connect()
		return true
	default:
		return true
	}
}

// StaticProber is a Prober with a settable result, for tests.
type StaticProber struct {
	name    string
	healthy atomic.Bool
}

// NewStaticProber creates a probe with a fixed initial result.
func NewStaticProber(name string, healthy bool) *StaticProber {
	p := &StaticProber{name: name}
	p.healthy.Store(healthy)
	return p
}

// Name returns the probe name.
func (p *StaticProber) Name() string {
	return p.name
}

// IsHealthy returns the configured result.
func (p *StaticProber) IsHealthy(ctx context.Context) bool {
	return p.healthy.Load()
}

// SetHealthy changes the reported result.
func (p *StaticProber) SetHealthy(healthy bool) {
	p.healthy.Store(healthy)
}
