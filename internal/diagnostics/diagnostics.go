// Package diagnostics implements the optional diagnostics sidecar: a
// ticker-driven goroutine that snapshots ThreadManager and QueueManager
// statistics (plus an optional host CPU/memory sample) and hands them to a
// Sink. It is reduced from the original implementation's StorageManager
// diagnostic-record policy to the scope this server allows: an observer
// that never touches pipeline state and never blocks it.
package diagnostics

import (
	"context"
	"sync"
	"time"

	"github.com/lanternops/deskrelay/internal/logging"
	"github.com/lanternops/deskrelay/internal/queue"
	"github.com/lanternops/deskrelay/internal/queuemanager"
	"github.com/lanternops/deskrelay/internal/threadmanager"
)

var log = logging.L("diagnostics")

// DiagnosticSnapshot is a single point-in-time record written by the
// sidecar to its configured Sink.
type DiagnosticSnapshot struct {
	Timestamp      time.Time           `json:"timestamp"`
	Threads        threadmanager.Stats `json:"threads"`
	CaptureQueue   queue.Stats         `json:"captureQueue"`
	ProcessedQueue queue.Stats         `json:"processedQueue"`
	Host           *HostSample         `json:"host,omitempty"`
}

// Sink persists a DiagnosticSnapshot. Implementations must not block the
// caller indefinitely; the sidecar treats a Sink failure as local and
// recoverable — it logs, counts, and continues on the next tick.
type Sink interface {
	Write(ctx context.Context, snap DiagnosticSnapshot) error
}

// Sidecar periodically collects and writes DiagnosticSnapshots. It is only
// started when diagnostics are enabled in configuration; when never
// started it costs zero goroutines and makes zero Sink calls.
type Sidecar struct {
	tm   *threadmanager.Manager
	qm   *queuemanager.Manager
	sink Sink

	interval   time.Duration
	sampleHost bool

	mu         sync.Mutex
	running    bool
	stop       chan struct{}
	wg         sync.WaitGroup
	failures   uint64
	hostWarned bool
}

// New constructs a Sidecar. sampleHost enables the gopsutil-backed CPU/mem
// reading on each tick (4.14); it is independently toggleable from
// whether the sidecar itself runs.
func New(tm *threadmanager.Manager, qm *queuemanager.Manager, sink Sink, interval time.Duration, sampleHost bool) *Sidecar {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sidecar{
		tm:         tm,
		qm:         qm,
		sink:       sink,
		interval:   interval,
		sampleHost: sampleHost,
	}
}

// Start begins the periodic snapshot loop on its own goroutine. Calling
// Start twice without an intervening Stop is a no-op.
func (s *Sidecar) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	stop := s.stop
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx, stop)
}

// Stop halts the loop and waits for it to exit. Safe to call even if
// Start was never called.
func (s *Sidecar) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Sidecar) loop(ctx context.Context, stop chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sidecar) tick(ctx context.Context) {
	snap := DiagnosticSnapshot{
		Timestamp:      time.Now(),
		Threads:        s.tm.Stats(),
		CaptureQueue:   s.qm.QueueStats(queuemanager.Capture),
		ProcessedQueue: s.qm.QueueStats(queuemanager.Processed),
	}

	if s.sampleHost {
		if hs, err := Sample(); err == nil {
			snap.Host = hs
		} else if !s.hostWarned {
			s.hostWarned = true
			log.Warn("host sample unavailable, omitting from snapshots", "error", err)
		}
	}

	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.sink.Write(writeCtx, snap); err != nil {
		s.mu.Lock()
		s.failures++
		n := s.failures
		s.mu.Unlock()
		log.Warn("diagnostics sink write failed", "error", err, "failure_count", n)
	}
}

// Failures returns the number of Sink.Write errors observed so far.
func (s *Sidecar) Failures() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}
