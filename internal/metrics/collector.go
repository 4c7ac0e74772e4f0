// Package metrics exposes Prometheus gauges/counters/histograms for
// the MGM core: scheduler placements and accesses, quota admissions,
// the Open/FSctl pipeline, drain/balance job progress, the deletion
// dispatcher, and the master role/compaction state machine.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config represents metrics configuration.
type Config struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// DefaultConfig matches the daemon's default metrics listener.
func DefaultConfig() *Config {
	return &Config{Enabled: true, Port: 9100, Path: "/metrics", Namespace: "mgm"}
}

// Collector owns the process's Prometheus registry and HTTP exposition
// server.
type Collector struct {
	config   *Config
	registry *prometheus.Registry
	server   *http.Server

	placements       *prometheus.CounterVec // result=placed|enospc|enonet|exdev ; space
	accesses         *prometheus.CounterVec // result=ok|degraded|unavailable ; space
	opens            *prometheus.CounterVec // result=ok|denied|enoent|enodev|redirect
	openDuration     prometheus.Histogram
	quotaDenials     *prometheus.CounterVec // reason=bytes|inodes
	drainJobsActive  prometheus.Gauge
	drainFilesMoved  prometheus.Counter
	balanceJobsActive prometheus.Gauge
	balanceFilesMoved prometheus.Counter
	deletionBatches  prometheus.Counter
	deletionFids     prometheus.Counter
	masterRole       *prometheus.GaugeVec // one gauge per role name, 1 if current
	peerUp           *prometheus.GaugeVec // peer name -> 1/0
	capabilitiesSigned *prometheus.CounterVec // kind=access|transfer|drop
}

// New builds a Collector. A nil config installs DefaultConfig.
func New(cfg *Config) (*Collector, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if !cfg.Enabled {
		return &Collector{config: cfg}, nil
	}

	registry := prometheus.NewRegistry()
	ns := cfg.Namespace

	c := &Collector{
		config:   cfg,
		registry: registry,
		placements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "placements_total", Help: "Placement decisions by outcome.",
		}, []string{"space", "result"}),
		accesses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "accesses_total", Help: "Access (read/write location) decisions by outcome.",
		}, []string{"space", "result"}),
		opens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "opens_total", Help: "Open/FSctl pipeline outcomes.",
		}, []string{"result"}),
		openDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Name: "open_duration_seconds", Help: "Open/FSctl pipeline latency.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		quotaDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "quota_denials_total", Help: "Quota admission denials.",
		}, []string{"reason"}),
		drainJobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "drain_jobs_active", Help: "Currently running per-FS drain jobs.",
		}),
		drainFilesMoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "drain_files_moved_total", Help: "Files relocated by the drain job.",
		}),
		balanceJobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "balance_jobs_active", Help: "Currently running per-group balance jobs.",
		}),
		balanceFilesMoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "balance_files_moved_total", Help: "Files relocated by the balance job.",
		}),
		deletionBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "deletion_batches_total", Help: "Drop-capability batches dispatched.",
		}),
		deletionFids: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "deletion_fids_total", Help: "Fids included in dispatched drop batches.",
		}),
		masterRole: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Name: "master_role", Help: "1 for the role this process currently holds, 0 otherwise.",
		}, []string{"role"}),
		peerUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns, Name: "peer_up", Help: "1 if the named peer answered its last ping, 0 otherwise.",
		}, []string{"peer"}),
		capabilitiesSigned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "capabilities_signed_total", Help: "Capability envelopes signed by kind.",
		}, []string{"kind"}),
	}

	for _, m := range []prometheus.Collector{
		c.placements, c.accesses, c.opens, c.openDuration, c.quotaDenials,
		c.drainJobsActive, c.drainFilesMoved, c.balanceJobsActive, c.balanceFilesMoved,
		c.deletionBatches, c.deletionFids, c.masterRole, c.peerUp, c.capabilitiesSigned,
	} {
		if err := registry.Register(m); err != nil {
			return nil, fmt.Errorf("metrics: register: %w", err)
		}
	}

	return c, nil
}

// Start serves the registry at Config.Path in the background until ctx
// is cancelled or Stop is called.
func (c *Collector) Start(ctx context.Context) error {
	if c.config == nil || !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = c.Stop(context.Background())
	}()

	return nil
}

// Stop shuts the exposition server down.
func (c *Collector) Stop(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

func (c *Collector) enabled() bool { return c != nil && c.config != nil && c.config.Enabled }

// RecordPlacement records one internal/scheduler.Place outcome.
func (c *Collector) RecordPlacement(space, result string) {
	if !c.enabled() {
		return
	}
	c.placements.WithLabelValues(space, result).Inc()
}

// RecordAccess records one internal/scheduler.Access outcome.
func (c *Collector) RecordAccess(space, result string) {
	if !c.enabled() {
		return
	}
	c.accesses.WithLabelValues(space, result).Inc()
}

// RecordOpen records one internal/ofs.Pipeline.Open outcome and its
// latency.
func (c *Collector) RecordOpen(result string, d time.Duration) {
	if !c.enabled() {
		return
	}
	c.opens.WithLabelValues(result).Inc()
	c.openDuration.Observe(d.Seconds())
}

// RecordQuotaDenial records one internal/quota.Engine.Check rejection.
func (c *Collector) RecordQuotaDenial(reason string) {
	if !c.enabled() {
		return
	}
	c.quotaDenials.WithLabelValues(reason).Inc()
}

// SetDrainJobsActive reports the current internal/drain job count.
func (c *Collector) SetDrainJobsActive(n int) {
	if !c.enabled() {
		return
	}
	c.drainJobsActive.Set(float64(n))
}

// AddDrainFilesMoved increments the drain-relocated file counter.
func (c *Collector) AddDrainFilesMoved(n int) {
	if !c.enabled() || n <= 0 {
		return
	}
	c.drainFilesMoved.Add(float64(n))
}

// SetBalanceJobsActive reports the current internal/balance job count.
func (c *Collector) SetBalanceJobsActive(n int) {
	if !c.enabled() {
		return
	}
	c.balanceJobsActive.Set(float64(n))
}

// AddBalanceFilesMoved increments the balance-relocated file counter.
func (c *Collector) AddBalanceFilesMoved(n int) {
	if !c.enabled() || n <= 0 {
		return
	}
	c.balanceFilesMoved.Add(float64(n))
}

// RecordDeletionBatch records one internal/deletion dispatch batch.
func (c *Collector) RecordDeletionBatch(fids int) {
	if !c.enabled() {
		return
	}
	c.deletionBatches.Inc()
	if fids > 0 {
		c.deletionFids.Add(float64(fids))
	}
}

// SetMasterRole reports the current internal/master.Controller role by
// name, zeroing every other known role.
func (c *Collector) SetMasterRole(current string, allRoles []string) {
	if !c.enabled() {
		return
	}
	for _, r := range allRoles {
		v := 0.0
		if r == current {
			v = 1.0
		}
		c.masterRole.WithLabelValues(r).Set(v)
	}
}

// SetPeerUp reports one peer's liveness as seen by internal/peerconn.
func (c *Collector) SetPeerUp(peer string, up bool) {
	if !c.enabled() {
		return
	}
	v := 0.0
	if up {
		v = 1.0
	}
	c.peerUp.WithLabelValues(peer).Set(v)
}

// RecordCapabilitySigned records one internal/capability.Engine sign
// call by kind ("access", "transfer", "drop").
func (c *Collector) RecordCapabilitySigned(kind string) {
	if !c.enabled() {
		return
	}
	c.capabilitiesSigned.WithLabelValues(kind).Inc()
}
