package session

import (
	"time"

	"github.com/alwitt/fruitscan/common"
	"github.com/alwitt/fruitscan/metrics"
	"github.com/apex/log"
)

// SweepReport summary of one watchdog sweep
type SweepReport struct {
	Visited         int
	Armed           int
	Dropped         int
	DroppedReadings int
	Busy            int
}

// DropHandler callback invoked after the watchdog dropped a partial batch
type DropHandler func(deviceID string, readings int)

// Watchdog periodically drops partial batches whose deadline elapsed
type Watchdog interface {
	// Start begin the periodic sweep
	Start() error
	// Stop end the periodic sweep
	Stop() error
	// Sweep visit every known session once
	Sweep(now time.Time) SweepReport
}

// watchdogImpl implements Watchdog
type watchdogImpl struct {
	common.Component
	registry Registry
	timer    common.IntervalTimer
	interval time.Duration
	clock    func() time.Time
	onDrop   DropHandler
}

// DefineWatchdog define a new timeout watchdog
func DefineWatchdog(
	registry Registry,
	timer common.IntervalTimer,
	interval time.Duration,
	clock func() time.Time,
	onDrop DropHandler,
) (Watchdog, error) {
	if clock == nil {
		clock = time.Now
	}
	logTags := log.Fields{"module": "session", "component": "timeout-watchdog"}
	return &watchdogImpl{
		Component: common.Component{LogTags: logTags},
		registry:  registry,
		timer:     timer,
		interval:  interval,
		clock:     clock,
		onDrop:    onDrop,
	}, nil
}

// Start begin the periodic sweep
func (w *watchdogImpl) Start() error {
	return w.timer.Start(w.interval, func() error {
		w.Sweep(w.clock())
		return nil
	}, false)
}

// Stop end the periodic sweep
func (w *watchdogImpl) Stop() error {
	return w.timer.Stop()
}

// Sweep visit every known session once. A session which can not be processed
// is skipped; the sweep always covers the rest.
func (w *watchdogImpl) Sweep(now time.Time) SweepReport {
	report := SweepReport{}
	deviceIDs := w.registry.ListDeviceIDs()
	metrics.KnownSessions.Set(float64(len(deviceIDs)))
	for _, deviceID := range deviceIDs {
		report.Visited++
		outcome, dropped := w.registry.ExpireStale(deviceID, now)
		switch outcome {
		case SweepArmed:
			report.Armed++
			log.WithFields(w.LogTags).Infof("Timeout initiated for %s", deviceID)
		case SweepDropped:
			report.Dropped++
			report.DroppedReadings += dropped
			metrics.RecordDroppedBatch(dropped)
			log.WithFields(w.LogTags).Errorf(
				"Timeout exceeded for %s, dropped %d readings", deviceID, dropped,
			)
			if w.onDrop != nil {
				w.onDrop(deviceID, dropped)
			}
		case SweepBusy:
			report.Busy++
			metrics.WatchdogSkipsTotal.Inc()
			log.WithFields(w.LogTags).Debugf("Session %s busy, skipped", deviceID)
		case SweepUnknown:
			log.WithFields(w.LogTags).Warnf("Session %s vanished during sweep", deviceID)
		}
	}
	return report
}
