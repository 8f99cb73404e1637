// Package chunkswarm wires the traversal orchestrator, connection
// registry, chunk scheduler, and host-side request handler into the
// public entry points spec.md §6 describes as "external interfaces": one
// call to fetch a file from a set of peers, and one call to start serving
// content to others. Grounded on the teacher's root `torrent` package
// shape (Client/ClientConfig/NewClient/NewDefaultClientConfig).
package chunkswarm

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/anacrolix/log"
	"golang.org/x/time/rate"

	"github.com/chunkswarm/chunkswarm/host"
	"github.com/chunkswarm/chunkswarm/registry"
	"github.com/chunkswarm/chunkswarm/schedule"
	"github.com/chunkswarm/chunkswarm/signal"
	"github.com/chunkswarm/chunkswarm/traversal"
	"github.com/chunkswarm/chunkswarm/wire"
	"github.com/chunkswarm/chunkswarm/xconn"
)

// Config holds every tunable this library exposes, defaulted by
// NewDefaultConfig the way the teacher defaults ClientConfig.
type Config struct {
	SelfID string

	RegistryPath string // empty disables on-disk persistence

	MethodTimeout  time.Duration
	OverallTimeout time.Duration
	PreferV6       bool

	MinConcurrency         int
	MaxConcurrency         int
	BandwidthCheckInterval time.Duration
	SlowPeerThreshold      float64

	ChokingDisabled     bool
	MaxUnchoked         int
	ChokeUpdateInterval time.Duration
	SuperSeed           bool
	UploadRateLimit      *rate.Limiter

	Signal signal.Channel

	Logger log.Logger
}

// NewDefaultConfig returns a Config with spec.md's documented defaults
// applied, analogous to the teacher's NewDefaultClientConfig.
func NewDefaultConfig(selfID string) *Config {
	return &Config{
		SelfID:                 selfID,
		MethodTimeout:          5 * time.Second,
		OverallTimeout:         30 * time.Second,
		MinConcurrency:         1,
		MaxConcurrency:         10,
		BandwidthCheckInterval: 5 * time.Second,
		SlowPeerThreshold:      0.5,
		MaxUnchoked:            4,
		ChokeUpdateInterval:    10 * time.Second,
		Signal:                 signal.NewMemoryChannel(),
	}
}

// PeerEndpoints maps a stable peer identifier to the candidate endpoints
// advertised for it, the input spec.md §6 describes the scheduler as
// taking alongside peer_ids.
type PeerEndpoints map[string][]wire.Endpoint

// DownloadOptions configures one Download call's observability hooks and
// resume behavior; everything else comes from the Config that built the
// Client.
type DownloadOptions struct {
	Resume             bool
	ProgressCallback   func(received, total int64)
	PeerStatusCallback func(peerID, status, detail string)
}

// Client is the library's façade: a traversal+registry pair bound to one
// Config, used to build a Dialer for the scheduler and to run a Host.
type Client struct {
	cfg *Config
	reg *registry.Registry
}

// NewClient opens (or creates) the registry at cfg.RegistryPath and
// returns a ready Client.
func NewClient(cfg *Config) (*Client, error) {
	var reg *registry.Registry
	var err error
	if cfg.RegistryPath != "" {
		reg, err = registry.Load(cfg.RegistryPath)
		if err != nil {
			return nil, fmt.Errorf("load registry: %w", err)
		}
	} else {
		reg = registry.New()
	}
	return &Client{cfg: cfg, reg: reg}, nil
}

// Download fetches the content identified by digest from peers, writing it
// to savePath, per spec.md §4.9. endpoints supplies the candidate
// addresses for each peer ID in peerIDs.
func (c *Client) Download(ctx context.Context, peerIDs []string, endpoints PeerEndpoints, digest string, savePath string, opts DownloadOptions) error {
	dial := func(ctx context.Context, peerID string) (xconn.Connection, error) {
		eps := endpoints[peerID]
		res, err := traversal.Connect(ctx, peerID, eps, traversal.Options{
			MethodTimeout:  c.cfg.MethodTimeout,
			OverallTimeout: c.cfg.OverallTimeout,
			PreferV6:       c.cfg.PreferV6,
			Registry:       c.reg,
			Signal:         c.cfg.Signal,
			SelfID:         c.cfg.SelfID,
			Logger:         c.cfg.Logger,
		})
		if err != nil {
			return nil, err
		}
		if res.PreWrapped != nil {
			return res.PreWrapped, nil
		}
		if isDatagramMethod(res.Method) {
			return xconn.NewDatagram(res.Conn, c.cfg.Logger), nil
		}
		return xconn.NewStream(res.Conn, c.cfg.Logger), nil
	}

	sched := schedule.New(dial)
	return sched.Download(ctx, peerIDs, digest, savePath, schedule.Options{
		MinConcurrency:         c.cfg.MinConcurrency,
		MaxConcurrency:         c.cfg.MaxConcurrency,
		BandwidthCheckInterval: c.cfg.BandwidthCheckInterval,
		SlowPeerThreshold:      c.cfg.SlowPeerThreshold,
		Resume:                 opts.Resume,
		ProgressCallback:       opts.ProgressCallback,
		PeerStatusCallback:     opts.PeerStatusCallback,
		Logger:                 c.cfg.Logger,
	})
}

func isDatagramMethod(m wire.Method) bool {
	switch m {
	case wire.MethodDatagram, wire.MethodDatagramPortMapped, wire.MethodDatagramHolePunch, wire.MethodDatagramAdvancedPunch:
		return true
	default:
		return false
	}
}

// NewHost returns a host.Host serving provider under this Client's
// choking/rate-limit configuration (spec.md §4.10).
func (c *Client) NewHost(provider host.ContentProvider) *host.Host {
	return host.New(provider, host.Options{
		ChokingDisabled:     c.cfg.ChokingDisabled,
		MaxUnchoked:         c.cfg.MaxUnchoked,
		ChokeUpdateInterval: c.cfg.ChokeUpdateInterval,
		SuperSeed:           c.cfg.SuperSeed,
		RateLimit:           c.cfg.UploadRateLimit,
		Logger:              c.cfg.Logger,
	})
}

// TCPListener adapts a net.Listener into host.Listener for reliable-stream
// transports.
type TCPListener struct{ net.Listener }

func (t TCPListener) IsDatagram() bool { return false }
