package observability

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/goquota/pkg/circuitbreaker"
	"git.srvlab.io/whiskey/goquota/pkg/quota"
)

var quotaLabels = []string{"device", "kind", "id"}

var (
	descBlockUsage = prometheus.NewDesc(
		namespace+"_block_usage_bytes",
		"Space used in bytes per quota identity",
		quotaLabels, nil,
	)
	descBlockSoftLimit = prometheus.NewDesc(
		namespace+"_block_soft_limit_bytes",
		"Block soft limit in bytes per quota identity, 0 for none",
		quotaLabels, nil,
	)
	descBlockHardLimit = prometheus.NewDesc(
		namespace+"_block_hard_limit_bytes",
		"Block hard limit in bytes per quota identity, 0 for none",
		quotaLabels, nil,
	)
	descInodeUsage = prometheus.NewDesc(
		namespace+"_inode_usage",
		"Inodes used per quota identity",
		quotaLabels, nil,
	)
	descInodeSoftLimit = prometheus.NewDesc(
		namespace+"_inode_soft_limit",
		"Inode soft limit per quota identity, 0 for none",
		quotaLabels, nil,
	)
	descInodeHardLimit = prometheus.NewDesc(
		namespace+"_inode_hard_limit",
		"Inode hard limit per quota identity, 0 for none",
		quotaLabels, nil,
	)
)

// Target is a device whose quota records are exported
type Target struct {
	Device string
	Format quota.Format
	Kinds  []quota.Kind
}

// CollectorOptions tune a QuotaCollector
type CollectorOptions struct {
	// Rate limits kernel calls per second during a refresh; zero means
	// unlimited
	Rate float64

	// Breaker stops refreshing devices that keep failing; may be nil
	Breaker *circuitbreaker.DeviceCircuitBreaker

	// Metrics receives scrape errors; may be nil
	Metrics *Metrics
}

type snapshotKey struct {
	device string
	kind   quota.Kind
}

// QuotaCollector exports the quota records of its targets. Refresh walks
// the kernel records into a snapshot; Collect only emits the snapshot, so
// a scrape never waits on quotactl.
type QuotaCollector struct {
	client  quota.QuotaClient
	targets []Target
	limiter *rate.Limiter
	breaker *circuitbreaker.DeviceCircuitBreaker
	metrics *Metrics

	mu       sync.RWMutex
	snapshot map[snapshotKey][]quota.Entry
}

var _ prometheus.Collector = (*QuotaCollector)(nil)

// NewQuotaCollector creates a collector for targets. It exports nothing
// until the first Refresh.
func NewQuotaCollector(client quota.QuotaClient, targets []Target, opts CollectorOptions) *QuotaCollector {
	limit := rate.Inf
	if opts.Rate > 0 {
		limit = rate.Limit(opts.Rate)
	}
	return &QuotaCollector{
		client:   client,
		targets:  targets,
		limiter:  rate.NewLimiter(limit, 1),
		breaker:  opts.Breaker,
		metrics:  opts.Metrics,
		snapshot: make(map[snapshotKey][]quota.Entry),
	}
}

// Describe implements prometheus.Collector
func (c *QuotaCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descBlockUsage
	ch <- descBlockSoftLimit
	ch <- descBlockHardLimit
	ch <- descInodeUsage
	ch <- descInodeSoftLimit
	ch <- descInodeHardLimit
}

// Collect implements prometheus.Collector
func (c *QuotaCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, t := range c.targets {
		for _, kind := range t.Kinds {
			for i := range c.snapshot[snapshotKey{t.Device, kind}] {
				emit(ch, t.Device, &c.snapshot[snapshotKey{t.Device, kind}][i])
			}
		}
	}
}

// Refresh walks every target and kind and replaces its part of the
// snapshot. A target or kind that fails keeps its previous records and
// counts a scrape error; the others are still refreshed.
func (c *QuotaCollector) Refresh(ctx context.Context) error {
	var errs []error
	for _, t := range c.targets {
		for _, kind := range t.Kinds {
			entries, err := c.walk(ctx, t, kind)
			if err != nil {
				klog.ErrorS(err, "Failed to collect quota usage", "device", t.Device, "kind", kind)
				if c.metrics != nil {
					c.metrics.RecordScrapeError(t.Device)
				}
				errs = append(errs, fmt.Errorf("%s %s: %w", t.Device, kind, err))
				continue
			}

			c.mu.Lock()
			c.snapshot[snapshotKey{t.Device, kind}] = entries
			c.mu.Unlock()
			klog.V(4).Infof("Collected %d %s quota records on %s", len(entries), kind, t.Device)
		}
	}
	return errors.Join(errs...)
}

// walk reads the records of one kind in id order, one paced call each
func (c *QuotaCollector) walk(ctx context.Context, t Target, kind quota.Kind) ([]quota.Entry, error) {
	var entries []quota.Entry
	err := c.execute(ctx, t.Device, func() error {
		entries = entries[:0]
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		return c.client.WalkQuotas(ctx, t.Device, kind, t.Format, 0, func(e *quota.Entry) error {
			entries = append(entries, *e)
			return c.limiter.Wait(ctx)
		})
	})
	return entries, err
}

func (c *QuotaCollector) execute(ctx context.Context, device string, fn func() error) error {
	if c.breaker == nil {
		return fn()
	}
	return c.breaker.Execute(ctx, device, fn)
}

func emit(ch chan<- prometheus.Metric, device string, e *quota.Entry) {
	labels := []string{device, e.Identity.Kind.String(), strconv.FormatUint(uint64(e.Identity.ID), 10)}
	l := e.Limits
	gauge := func(desc *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v, labels...)
	}
	gauge(descBlockUsage, float64(l.SpaceUsage))
	gauge(descBlockSoftLimit, float64(l.BlockSoftLimit)*1024)
	gauge(descBlockHardLimit, float64(l.BlockHardLimit)*1024)
	gauge(descInodeUsage, float64(l.InodeUsage))
	gauge(descInodeSoftLimit, float64(l.InodeSoftLimit))
	gauge(descInodeHardLimit, float64(l.InodeHardLimit))
}
