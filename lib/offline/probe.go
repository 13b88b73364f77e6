package offline

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/go-i2p/tunlock/lib/resilience"
)

// ProbeConfig configures the route probe.
type ProbeConfig struct {
	// CheckInterval is how often routes are probed.
	CheckInterval time.Duration
	// Targets are probed with a connected UDP socket. No packet is sent;
	// the kernel only has to find a route. Any reachable target means online.
	Targets []string
	// FailureThreshold consecutive failed probes mark the host offline.
	FailureThreshold int
	// SuccessThreshold consecutive good probes mark it online again.
	SuccessThreshold int
}

// DefaultProbeConfig returns sensible defaults.
func DefaultProbeConfig() ProbeConfig {
	return ProbeConfig{
		CheckInterval:    5 * time.Second,
		Targets:          []string{"192.0.2.1:53", "[2001:db8::1]:53"},
		FailureThreshold: 2,
		SuccessThreshold: 1,
	}
}

// dialProbe is replaced in tests.
var dialProbe = func(target string) error {
	conn, err := net.Dial("udp", target)
	if err != nil {
		return err
	}
	return conn.Close()
}

// ProbeMonitor polls for a route to well-known targets and debounces the
// result through a circuit breaker: an open circuit means offline.
type ProbeMonitor struct {
	mu      sync.Mutex
	config  ProbeConfig
	breaker *resilience.CircuitBreaker
	out     *reporter

	lastCheck time.Time

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewProbeMonitor creates a probe monitor reporting changes to cb.
func NewProbeMonitor(cfg ProbeConfig, cb func(offline bool)) *ProbeMonitor {
	def := DefaultProbeConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if len(cfg.Targets) == 0 {
		cfg.Targets = def.Targets
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}

	pm := &ProbeMonitor{
		config: cfg,
		out:    newReporter(cb),
		breaker: resilience.NewCircuitBreaker("offline_probe", resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.FailureThreshold,
			SuccessThreshold: cfg.SuccessThreshold,
		}),
	}
	pm.breaker.SetStateChangeCallback(func(_, to resilience.CircuitState) {
		switch to {
		case resilience.CircuitOpen:
			pm.out.report(true)
		case resilience.CircuitClosed:
			pm.out.report(false)
		}
	})
	return pm
}

// Start begins probing.
func (pm *ProbeMonitor) Start(ctx context.Context) error {
	pm.mu.Lock()
	if pm.running {
		pm.mu.Unlock()
		return nil
	}
	pm.running = true
	ctx, cancel := context.WithCancel(ctx)
	pm.cancel = cancel
	pm.mu.Unlock()

	log.WithField("targets", pm.config.Targets).WithField("checkInterval", pm.config.CheckInterval).Debug("starting route probe")

	pm.wg.Add(1)
	go func() {
		defer pm.wg.Done()
		pm.loop(ctx)
	}()
	return nil
}

// Stop halts probing.
func (pm *ProbeMonitor) Stop() {
	pm.mu.Lock()
	if !pm.running {
		pm.mu.Unlock()
		return
	}
	pm.running = false
	pm.cancel()
	pm.mu.Unlock()

	pm.wg.Wait()
	log.Debug("route probe stopped")
}

// Offline reports the last debounced result.
func (pm *ProbeMonitor) Offline() bool {
	return pm.out.current()
}

// LastCheck returns the time of the last probe.
func (pm *ProbeMonitor) LastCheck() time.Time {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.lastCheck
}

func (pm *ProbeMonitor) loop(ctx context.Context) {
	pm.Check()

	ticker := time.NewTicker(pm.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pm.Check()
		}
	}
}

// Check runs one probe round immediately.
func (pm *ProbeMonitor) Check() {
	pm.mu.Lock()
	pm.lastCheck = time.Now()
	pm.mu.Unlock()

	if pm.probe() {
		pm.breaker.RecordSuccess()
		return
	}
	pm.breaker.RecordFailure()
}

func (pm *ProbeMonitor) probe() bool {
	for _, target := range pm.config.Targets {
		err := dialProbe(target)
		if err == nil {
			return true
		}
		log.WithError(err).WithField("target", target).Debug("route probe failed")
	}
	return false
}

var _ Monitor = (*ProbeMonitor)(nil)
