// Package queuemanager owns the two inter-stage queues of the pipeline —
// capture-to-process and process-to-deliver — and their health/statistics
// monitoring.
package queuemanager

import (
	"sync"
	"time"

	"github.com/lanternops/deskrelay/internal/logging"
	"github.com/lanternops/deskrelay/internal/pipeline"
	"github.com/lanternops/deskrelay/internal/queue"
)

var log = logging.L("queuemanager")

// Kind identifies one of the two managed queues.
type Kind int

const (
	Capture Kind = iota
	Processed
)

func (k Kind) String() string {
	if k == Capture {
		return "capture"
	}
	return "processed"
}

const (
	warningUsagePct = 80.0
	errorUsagePct   = 95.0
	maxLatencyWarnMs = 1000.0

	defaultStatsInterval = time.Second
)

// Events are fired by the periodic stats timer. All fields optional.
type Events struct {
	OnStatsUpdated func(kind Kind, stats queue.Stats)
	OnWarning      func(kind Kind, message string)
	OnError        func(kind Kind, message string)
}

// Manager holds the capture and processed queues plus their periodic
// health/statistics monitoring.
type Manager struct {
	captureQueue   *queue.BoundedQueue[pipeline.RawFrame]
	processedQueue *queue.BoundedQueue[pipeline.EncodedFrame]

	events Events

	mu            sync.Mutex
	statsEnabled  bool
	statsInterval time.Duration
	stop          chan struct{}
	wg            sync.WaitGroup
}

// New allocates the two queues with the given capacities (0 == unbounded)
// and wires events. Monitoring is not started until StartStats is called.
func New(captureCap, processedCap int, events Events) *Manager {
	return &Manager{
		captureQueue:   queue.New[pipeline.RawFrame](captureCap),
		processedQueue: queue.New[pipeline.EncodedFrame](processedCap),
		events:         events,
		statsInterval:  defaultStatsInterval,
	}
}

func (m *Manager) CaptureQueue() *queue.BoundedQueue[pipeline.RawFrame] { return m.captureQueue }
func (m *Manager) ProcessedQueue() *queue.BoundedQueue[pipeline.EncodedFrame] {
	return m.processedQueue
}

// QueueStats returns the requested queue's current snapshot.
func (m *Manager) QueueStats(kind Kind) queue.Stats {
	if kind == Capture {
		return m.captureQueue.Stats()
	}
	return m.processedQueue.Stats()
}

// SetMaxSize resizes the requested queue without truncating its contents.
func (m *Manager) SetMaxSize(kind Kind, n int) {
	if kind == Capture {
		m.captureQueue.SetMaxSize(n)
	} else {
		m.processedQueue.SetMaxSize(n)
	}
}

// Clear empties the requested queue, preserving its monotonic counters.
func (m *Manager) Clear(kind Kind) {
	if kind == Capture {
		m.captureQueue.Clear()
	} else {
		m.processedQueue.Clear()
	}
}

// StopAll stops both queues, waking every blocked caller.
func (m *Manager) StopAll() {
	m.captureQueue.Stop()
	m.processedQueue.Stop()
}

// RestartAll clears the stopped flag on both queues.
func (m *Manager) RestartAll() {
	m.captureQueue.Restart()
	m.processedQueue.Restart()
}

// IsHealthy reports usage_pct <= 95% && average_latency_ms <= 1000.
func (m *Manager) IsHealthy(kind Kind) bool {
	stats := m.QueueStats(kind)
	return stats.UsagePct() <= errorUsagePct && stats.AverageLatencyMs <= maxLatencyWarnMs
}

// SetStatsUpdateInterval changes the period of the periodic stats timer.
func (m *Manager) SetStatsUpdateInterval(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statsInterval = d
}

// StartStats launches the periodic timer that snapshots both queues,
// firing OnStatsUpdated always, OnError when usage_pct>95%, and otherwise
// OnWarning when usage_pct>80% or avg_latency>1000ms. A queue that fires
// OnError does not also fire OnWarning on the same evaluation.
func (m *Manager) StartStats() {
	m.mu.Lock()
	if m.statsEnabled {
		m.mu.Unlock()
		return
	}
	m.statsEnabled = true
	m.stop = make(chan struct{})
	interval := m.statsInterval
	stop := m.stop
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.ForceUpdateStats()
			}
		}
	}()
}

// StopStats stops the periodic timer, if running.
func (m *Manager) StopStats() {
	m.mu.Lock()
	if !m.statsEnabled {
		m.mu.Unlock()
		return
	}
	m.statsEnabled = false
	close(m.stop)
	m.mu.Unlock()
	m.wg.Wait()
}

// ForceUpdateStats immediately evaluates both queues' health and fires
// events, bypassing the periodic timer. Primarily useful in tests.
func (m *Manager) ForceUpdateStats() {
	m.evaluate(Capture)
	m.evaluate(Processed)
}

func (m *Manager) evaluate(kind Kind) {
	stats := m.QueueStats(kind)
	if m.events.OnStatsUpdated != nil {
		m.events.OnStatsUpdated(kind, stats)
	}

	usage := stats.UsagePct()
	switch {
	case usage > errorUsagePct:
		log.Warn("queue error threshold exceeded", "queue", kind, "usage_pct", usage)
		if m.events.OnError != nil {
			m.events.OnError(kind, "usage exceeds error threshold")
		}
	case usage > warningUsagePct || stats.AverageLatencyMs > maxLatencyWarnMs:
		log.Debug("queue warning threshold exceeded", "queue", kind, "usage_pct", usage, "avg_latency_ms", stats.AverageLatencyMs)
		if m.events.OnWarning != nil {
			m.events.OnWarning(kind, "queue approaching capacity or latency budget")
		}
	}
}
