// Package daemon runs the goquota background service: a Prometheus
// endpoint exporting quota usage read on a timer, and a periodic quota
// sync.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/goquota/pkg/circuitbreaker"
	"git.srvlab.io/whiskey/goquota/pkg/config"
	"git.srvlab.io/whiskey/goquota/pkg/mount"
	"git.srvlab.io/whiskey/goquota/pkg/observability"
	"git.srvlab.io/whiskey/goquota/pkg/quota"
)

// ShutdownSyncTimeout bounds the final sync after the daemon is stopped
const ShutdownSyncTimeout = 30 * time.Second

// MountLister discovers filesystems mounted with quota options
type MountLister interface {
	QuotaMounts(ctx context.Context) ([]mount.QuotaMount, error)
}

// Daemon syncs and exports the quotas of a set of devices
type Daemon struct {
	cfg      *config.Config
	client   quota.QuotaClient
	metrics  *observability.Metrics
	mounts   MountLister
	listener net.Listener
	backoff  wait.Backoff
	breaker  *circuitbreaker.DeviceCircuitBreaker
}

// Option configures a Daemon
type Option func(*Daemon)

// WithMountLister replaces the /proc/self/mountinfo based discovery
func WithMountLister(l MountLister) Option {
	return func(d *Daemon) {
		d.mounts = l
	}
}

// WithListener serves metrics on lis instead of listening on
// cfg.MetricsAddr
func WithListener(lis net.Listener) Option {
	return func(d *Daemon) {
		d.listener = lis
	}
}

// WithStartupBackoff sets how long Run waits for quotas of the configured
// devices to come up
func WithStartupBackoff(b wait.Backoff) Option {
	return func(d *Daemon) {
		d.backoff = b
	}
}

// New creates a daemon. client should report to metrics through
// quota.WithObserver for operation metrics to be exported.
func New(cfg *config.Config, client quota.QuotaClient, metrics *observability.Metrics, opts ...Option) *Daemon {
	d := &Daemon{
		cfg:     cfg,
		client:  client,
		metrics: metrics,
		mounts:  mount.NewResolver(),
		backoff: DefaultStartupBackoff(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.breaker = circuitbreaker.NewDeviceCircuitBreakerWithSettings(circuitbreaker.Settings{
		ConsecutiveFailures: cfg.BreakerFailures,
		Timeout:             cfg.BreakerTimeout,
		OnStateChange:       metrics.RecordBreakerState,
	})
	return d
}

// Run creates a daemon and runs it until ctx is done
func Run(ctx context.Context, cfg *config.Config, client quota.QuotaClient, metrics *observability.Metrics) error {
	return New(cfg, client, metrics).Run(ctx)
}

// Run serves metrics and syncs quotas until ctx is done
func (d *Daemon) Run(ctx context.Context) error {
	var targets []observability.Target
	err := RetryWithBackoff(ctx, d.backoff, func() error {
		var err error
		targets, err = d.Targets(ctx)
		return err
	})
	if err != nil {
		return err
	}
	for _, t := range targets {
		klog.InfoS("Managing quotas", "device", t.Device, "format", t.Format, "kinds", t.Kinds)
	}

	collector := observability.NewQuotaCollector(d.client, targets, observability.CollectorOptions{
		Rate:    d.cfg.ScrapeRate,
		Breaker: d.breaker,
		Metrics: d.metrics,
	})
	d.metrics.MustRegister(collector)

	g, gctx := errgroup.WithContext(ctx)

	scrapeInterval := d.cfg.ScrapeInterval
	if scrapeInterval <= 0 {
		scrapeInterval = config.DefaultScrapeInterval
	}
	g.Go(func() error {
		// errors are logged and counted by the collector
		wait.UntilWithContext(gctx, func(ctx context.Context) {
			_ = collector.Refresh(ctx)
		}, scrapeInterval)
		return nil
	})

	switch {
	case d.listener != nil:
		g.Go(func() error {
			return observability.Serve(gctx, d.metrics, d.listener)
		})
	case d.cfg.MetricsAddr != "":
		g.Go(func() error {
			return observability.StartMetricsServer(gctx, d.metrics, d.cfg.MetricsAddr)
		})
	default:
		klog.Info("Metrics server disabled")
	}

	if d.cfg.SyncInterval > 0 {
		g.Go(func() error {
			wait.UntilWithContext(gctx, func(ctx context.Context) {
				d.SyncAll(ctx, targets)
			}, d.cfg.SyncInterval)

			// flush what the last period dirtied
			shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownSyncTimeout)
			defer cancel()
			d.SyncAll(shutdownCtx, targets)
			return nil
		})
	} else {
		klog.Info("Periodic quota sync disabled")
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	return g.Wait()
}

// Targets returns the configured devices followed by the discovered ones.
// A configured device without a format gets the format the kernel reports
// for its first kind.
func (d *Daemon) Targets(ctx context.Context) ([]observability.Target, error) {
	var targets []observability.Target
	seen := make(map[string]bool)

	for i, dc := range d.cfg.Devices {
		format, kinds, err := dc.Parse()
		if err != nil {
			return nil, fmt.Errorf("devices[%d]: %w", i, err)
		}
		if format == 0 {
			format, err = d.client.GetFormat(ctx, dc.Path, kinds[0])
			if err != nil {
				return nil, fmt.Errorf("devices[%d]: failed to detect quota format: %w", i, err)
			}
		}
		seen[dc.Path] = true
		targets = append(targets, observability.Target{Device: dc.Path, Format: format, Kinds: kinds})
	}

	if !d.cfg.Discover {
		return targets, nil
	}

	mounts, err := d.mounts.QuotaMounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to discover quota mounts: %w", err)
	}
	for _, m := range mounts {
		if seen[m.Device] || seen[m.Mountpoint] {
			continue
		}
		format := m.Format
		if format == 0 {
			format, err = d.client.GetFormat(ctx, m.Device, m.Kinds[0])
			if err != nil {
				klog.Warningf("Skipping %s mounted at %s: %v", m.Device, m.Mountpoint, err)
				continue
			}
		}
		seen[m.Device] = true
		targets = append(targets, observability.Target{Device: m.Device, Format: format, Kinds: m.Kinds})
	}

	if len(targets) == 0 {
		return nil, errors.New("no devices with quota found")
	}
	return targets, nil
}

// SyncAll writes the in-memory quota state of every target to disk.
// Failures are logged and counted; they do not stop the loop.
func (d *Daemon) SyncAll(ctx context.Context, targets []observability.Target) {
	for _, t := range targets {
		for _, kind := range t.Kinds {
			err := d.breaker.Execute(ctx, t.Device, func() error {
				return d.client.Sync(ctx, t.Device, kind)
			})
			if err != nil {
				klog.ErrorS(err, "Failed to sync quotas", "device", t.Device, "kind", kind)
			}
		}
	}
}
