package heartbeat

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bft-labs/connbridge/pkg/log"
)

// DefaultPollInterval is how often the watchdog checks the monitor.
const DefaultPollInterval = time.Minute

// Switch is a runtime toggle read every time the watchdog fires.
type Switch interface {
	Enabled() bool
}

// StaticSwitch is a Switch with a fixed value.
type StaticSwitch bool

// Enabled implements Switch.
func (s StaticSwitch) Enabled() bool { return bool(s) }

// AtomicSwitch is a Switch that can be flipped concurrently.
type AtomicSwitch struct {
	v atomic.Bool
}

// NewAtomicSwitch returns a switch set to enabled.
func NewAtomicSwitch(enabled bool) *AtomicSwitch {
	s := &AtomicSwitch{}
	s.v.Store(enabled)
	return s
}

// Enabled implements Switch.
func (s *AtomicSwitch) Enabled() bool { return s.v.Load() }

// Set changes the switch value.
func (s *AtomicSwitch) Set(enabled bool) { s.v.Store(enabled) }

// TimeoutError is returned by Chaperone.Run when the heartbeat was lost and
// the work was cancelled.
type TimeoutError struct {
	Threshold         time.Duration
	TimeSinceLastBeat time.Duration
	// NeverBeat is set when no beat was observed at all.
	NeverBeat bool
}

func (e *TimeoutError) Error() string {
	if e.NeverBeat {
		return fmt.Sprintf("heartbeat lost: no heartbeat received within %s (threshold %s)", e.TimeSinceLastBeat, e.Threshold)
	}
	return fmt.Sprintf("heartbeat lost: last heartbeat %s ago (threshold %s)", e.TimeSinceLastBeat, e.Threshold)
}

// ChaperoneConfig configures a Chaperone.
type ChaperoneConfig struct {
	// PollInterval is the watchdog tick. Zero means DefaultPollInterval.
	PollInterval time.Duration

	// FailOnHeartbeatLoss decides, when the watchdog fires, whether the
	// work is cancelled. Nil means always cancel.
	FailOnHeartbeatLoss Switch
}

// Chaperone runs a unit of work under a heartbeat watchdog.
type Chaperone struct {
	monitor *Monitor
	cfg     ChaperoneConfig
	logger  log.Logger
}

// NewChaperone creates a chaperone driven by monitor.
func NewChaperone(monitor *Monitor, cfg ChaperoneConfig, logger log.Logger) *Chaperone {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.FailOnHeartbeatLoss == nil {
		cfg.FailOnHeartbeatLoss = StaticSwitch(true)
	}
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &Chaperone{monitor: monitor, cfg: cfg, logger: logger}
}

// Run executes work and watches the heartbeat concurrently.
//
// If work returns first its result is returned unchanged. If the watchdog
// fires first and the switch is enabled, the work's context is cancelled,
// Run waits for work to return and reports a *TimeoutError. With the switch
// disabled the loss is logged, the watchdog re-armed and Run keeps waiting
// for work.
func (c *Chaperone) Run(ctx context.Context, work func(ctx context.Context) error) error {
	workCtx, cancelWork := context.WithCancel(ctx)
	defer cancelWork()

	done := make(chan error, 1)
	go func() {
		done <- work(workCtx)
	}()

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	fired := make(chan *TimeoutError, 1)
	go c.watch(watchCtx, fired)

	for {
		select {
		case err := <-done:
			return err

		case lost := <-fired:
			if !c.cfg.FailOnHeartbeatLoss.Enabled() {
				c.logger.Warn("heartbeat lost, continuing because fail on heartbeat loss is disabled",
					log.Duration("threshold", lost.Threshold),
					log.Duration("since_last_beat", lost.TimeSinceLastBeat))
				// Re-arm so a later switch flip takes effect.
				go c.watch(watchCtx, fired)
				continue
			}
			c.logger.Error("heartbeat lost, cancelling work",
				log.Duration("threshold", lost.Threshold),
				log.Duration("since_last_beat", lost.TimeSinceLastBeat))
			cancelWork()
			<-done
			return lost
		}
	}
}

// watch polls the monitor until it observes a lost heartbeat or ctx ends.
func (c *Chaperone) watch(ctx context.Context, fired chan<- *TimeoutError) {
	started := c.monitor.now()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		threshold := c.monitor.Threshold()
		switch c.monitor.IsBeating() {
		case Stale:
			since, _ := c.monitor.TimeSinceLastBeat()
			fired <- &TimeoutError{Threshold: threshold, TimeSinceLastBeat: since}
			return
		case Unknown:
			if waited := c.monitor.now().Sub(started); waited >= threshold {
				fired <- &TimeoutError{Threshold: threshold, TimeSinceLastBeat: waited, NeverBeat: true}
				return
			}
		}
	}
}
