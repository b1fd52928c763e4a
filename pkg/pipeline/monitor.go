package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/sirupsen/logrus"

	"github.com/modelyard/modelyard/pkg/registry"
)

// monitor samples host cpu and memory while a run is live and writes them
// into the run row. It is the only writer of the resource columns; the
// orchestrator owns every other field, so the two never race on a column.
type monitor struct {
	log      logrus.FieldLogger
	store    registry.Store
	runID    string
	interval time.Duration
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newMonitor(
	log logrus.FieldLogger, store registry.Store, runID string, interval time.Duration,
) *monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	return &monitor{
		log:      log.WithField("component", "monitor"),
		store:    store,
		runID:    runID,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// start launches the sampling loop.
func (m *monitor) start() {
	m.wg.Add(1)

	go func() {
		defer m.wg.Done()

		m.loop()
	}()
}

// stop halts sampling and waits for an in-flight sample to land, so no
// resource write can follow the run's terminal write.
func (m *monitor) stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.wg.Wait()
	})
}

func (m *monitor) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

// sample reads cpu and memory and writes whichever succeeded. A failing
// metrics source skips the sample with a log line, never blocking the run.
func (m *monitor) sample() {
	ctx, cancel := context.WithTimeout(context.Background(), m.interval)
	defer cancel()

	fields := map[string]any{}

	// Interval 0 measures against the previous call, matching the loop tick.
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		m.log.WithError(err).Debug("Skipping cpu sample")
	} else if len(percents) > 0 {
		fields["cpu_percent"] = percents[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		m.log.WithError(err).Debug("Skipping memory sample")
	} else {
		fields["memory_percent"] = vm.UsedPercent
	}

	if len(fields) == 0 {
		return
	}

	if err := m.store.UpdateRunFields(ctx, m.runID, fields); err != nil {
		m.log.WithError(err).Debug("Skipping resource sample write")
	}
}
