// Package threadmanager owns every Worker in the process: creation,
// lifecycle mediation, auto-restart, and aggregate statistics.
package threadmanager

import (
	"sync"
	"time"

	"github.com/lanternops/deskrelay/internal/logging"
	"github.com/lanternops/deskrelay/internal/worker"
)

var log = logging.L("threadmanager")

const (
	stopPollInterval   = 10 * time.Millisecond
	stopPollCeilingMax = 3500 * time.Millisecond
	stopPollCeilingMin = 1500 * time.Millisecond
	autoRestartDelay   = 1 * time.Second
)

// Events are fired as workers move through their lifecycle. All fields are
// optional; a nil callback is simply not invoked.
type Events struct {
	OnThreadStarted   func(name string)
	OnThreadStopped   func(name string)
	OnThreadPaused    func(name string)
	OnThreadResumed   func(name string)
	OnThreadError     func(name string, err error)
	OnThreadRestarted func(name string, count int)
}

// Entry is the registry record for one named worker.
type Entry struct {
	Name          string
	Worker        *worker.Worker
	CreatedAt     time.Time
	StartedAt     time.Time
	AutoRestart   bool
	RestartCount  int
	MaxRestarts   int // -1 == unlimited
	StopRequested bool
}

// Stats is the aggregate snapshot returned by Manager.Stats.
type Stats struct {
	TotalThreads   int
	RunningThreads int
	StoppedThreads int
	PausedThreads  int
	TotalUptime    time.Duration
	AverageUptime  time.Duration
}

// Manager is the process-wide registry of named Workers.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*Entry
	events  Events

	monitorMu       sync.Mutex
	monitorInterval time.Duration
	monitorEnabled  bool
	monitorStop     chan struct{}
	monitorWG       sync.WaitGroup
}

// New constructs an empty registry. events may be the zero value.
func New(events Events) *Manager {
	return &Manager{
		entries:         make(map[string]*Entry),
		events:          events,
		monitorInterval: 5 * time.Second,
	}
}

// CreateThread registers w under name. It does not wire w's lifecycle
// hooks: w must already have been built with Hooks that forward to the
// NotifyX methods. Rejects duplicate names. Optionally starts immediately.
func (m *Manager) CreateThread(name string, w *worker.Worker, autoStart, autoRestart bool, maxRestarts int) bool {
	m.mu.Lock()
	if _, exists := m.entries[name]; exists {
		m.mu.Unlock()
		log.Warn("duplicate thread name rejected", "name", name)
		return false
	}
	entry := &Entry{
		Name:        name,
		Worker:      w,
		CreatedAt:   time.Now(),
		AutoRestart: autoRestart,
		MaxRestarts: maxRestarts,
	}
	m.entries[name] = entry
	m.mu.Unlock()

	// Re-wiring hooks on an already-constructed Worker isn't possible since
	// Hooks are fixed at worker.New; CreateThread instead expects the caller
	// to have built w with hooks that call back through NotifyX below.
	if autoStart {
		m.StartThread(name)
	}
	return true
}

// NotifyStarted/NotifyStopped/etc. let a Worker's own Hooks forward
// lifecycle events into the manager, which re-dispatches them to Events and
// (for NotifyStopped) evaluates auto-restart.
func (m *Manager) NotifyStarted(name string) {
	m.mu.Lock()
	if e, ok := m.entries[name]; ok {
		e.StartedTime()
	}
	m.mu.Unlock()
	if m.events.OnThreadStarted != nil {
		m.events.OnThreadStarted(name)
	}
}

func (e *Entry) StartedTime() { e.StartedAt = time.Now() }

func (m *Manager) NotifyStopped(name string) {
	m.mu.Lock()
	entry, ok := m.entries[name]
	var shouldRestart bool
	if ok {
		shouldRestart = !entry.StopRequested && entry.AutoRestart &&
			(entry.MaxRestarts < 0 || entry.RestartCount < entry.MaxRestarts)
	}
	m.mu.Unlock()

	if m.events.OnThreadStopped != nil {
		m.events.OnThreadStopped(name)
	}
	if shouldRestart {
		go m.scheduleRestart(name)
	}
}

func (m *Manager) NotifyPaused(name string) {
	if m.events.OnThreadPaused != nil {
		m.events.OnThreadPaused(name)
	}
}

func (m *Manager) NotifyResumed(name string) {
	if m.events.OnThreadResumed != nil {
		m.events.OnThreadResumed(name)
	}
}

func (m *Manager) NotifyError(name string, err error) {
	if m.events.OnThreadError != nil {
		m.events.OnThreadError(name, err)
	}
}

func (m *Manager) scheduleRestart(name string) {
	time.Sleep(autoRestartDelay)

	m.mu.Lock()
	entry, ok := m.entries[name]
	if !ok || entry.StopRequested {
		m.mu.Unlock()
		return
	}
	entry.RestartCount++
	count := entry.RestartCount
	w := entry.Worker
	m.mu.Unlock()

	w.Start()
	log.Info("thread auto-restarted", "name", name, "count", count)
	if m.events.OnThreadRestarted != nil {
		m.events.OnThreadRestarted(name, count)
	}
}

// StartThread starts the named worker. Returns false if unknown.
func (m *Manager) StartThread(name string) bool {
	m.mu.Lock()
	entry, ok := m.entries[name]
	if ok {
		entry.StopRequested = false
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	entry.Worker.Start()
	return true
}

// StopThread marks the entry as deliberately stopped (suppressing
// auto-restart), requests the stop, and polls up to 3500ms (waitForFinish)
// or 1500ms otherwise for the worker to report Stopped.
func (m *Manager) StopThread(name string, waitForFinish bool) bool {
	m.mu.Lock()
	entry, ok := m.entries[name]
	if ok {
		entry.StopRequested = true
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	entry.Worker.Stop(waitForFinish)

	ceiling := stopPollCeilingMin
	if waitForFinish {
		ceiling = stopPollCeilingMax
	}
	deadline := time.Now().Add(ceiling)
	for time.Now().Before(deadline) {
		if entry.Worker.IsStopped() {
			return true
		}
		time.Sleep(stopPollInterval)
	}
	return entry.Worker.IsStopped()
}

// PauseThread / ResumeThread request a cooperative pause/resume.
func (m *Manager) PauseThread(name string) bool {
	w := m.workerFor(name)
	if w == nil {
		return false
	}
	w.Pause()
	return true
}

func (m *Manager) ResumeThread(name string) bool {
	w := m.workerFor(name)
	if w == nil {
		return false
	}
	w.Resume()
	return true
}

// RestartThread stops then starts the named worker. Its auto-restart count
// is left unchanged.
func (m *Manager) RestartThread(name string) bool {
	if !m.StopThread(name, true) {
		return false
	}
	return m.StartThread(name)
}

// DestroyThread stops the worker (if not already stopped) and removes it
// from the registry. It never removes an entry whose worker is still
// running: if stop fails within its escalation budget, destroy aborts and
// returns false so the caller can retry.
func (m *Manager) DestroyThread(name string) bool {
	m.mu.Lock()
	entry, ok := m.entries[name]
	m.mu.Unlock()
	if !ok {
		return false
	}

	if !entry.Worker.IsStopped() {
		if !m.StopThread(name, true) {
			return false
		}
	}

	m.mu.Lock()
	delete(m.entries, name)
	m.mu.Unlock()
	return true
}

func (m *Manager) workerFor(name string) *worker.Worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[name]
	if !ok {
		return nil
	}
	return entry.Worker
}

// StartAllThreads / StopAllThreads / PauseAllThreads / ResumeAllThreads /
// DestroyAllThreads apply the corresponding single-thread operation to
// every registered entry. The registry lock is released before each
// individual call so a slow stop doesn't block the others.
func (m *Manager) StartAllThreads() {
	for _, name := range m.ThreadNames() {
		m.StartThread(name)
	}
}

func (m *Manager) StopAllThreads(waitForFinish bool) {
	for _, name := range m.ThreadNames() {
		m.StopThread(name, waitForFinish)
	}
}

func (m *Manager) PauseAllThreads() {
	for _, name := range m.ThreadNames() {
		m.PauseThread(name)
	}
}

func (m *Manager) ResumeAllThreads() {
	for _, name := range m.ThreadNames() {
		m.ResumeThread(name)
	}
}

func (m *Manager) DestroyAllThreads() {
	for _, name := range m.ThreadNames() {
		m.DestroyThread(name)
	}
}

// HasThread reports whether name is registered.
func (m *Manager) HasThread(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[name]
	return ok
}

// IsThreadRunning reports whether name is registered and running.
func (m *Manager) IsThreadRunning(name string) bool {
	w := m.workerFor(name)
	return w != nil && w.IsRunning()
}

// ThreadNames returns a snapshot of registered names.
func (m *Manager) ThreadNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.entries))
	for name := range m.entries {
		names = append(names, name)
	}
	return names
}

// Worker returns the worker registered under name, or nil.
func (m *Manager) Worker(name string) *worker.Worker {
	return m.workerFor(name)
}

// Stats aggregates state counts and uptime across every registered worker.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	entries := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	var s Stats
	s.TotalThreads = len(entries)
	var totalUptime time.Duration
	var uptimeSamples int

	for _, e := range entries {
		switch e.Worker.State() {
		case worker.StateRunning:
			s.RunningThreads++
		case worker.StatePaused:
			s.PausedThreads++
		case worker.StateStopped:
			s.StoppedThreads++
		}
		if !e.StartedAt.IsZero() {
			uptime := e.Worker.PerformanceStats().Uptime
			totalUptime += uptime
			uptimeSamples++
		}
	}

	s.TotalUptime = totalUptime
	if uptimeSamples > 0 {
		s.AverageUptime = totalUptime / time.Duration(uptimeSamples)
	}
	return s
}

// SetMonitoringInterval changes the period of the periodic stats timer
// started by StartMonitoring.
func (m *Manager) SetMonitoringInterval(d time.Duration) {
	m.monitorMu.Lock()
	defer m.monitorMu.Unlock()
	m.monitorInterval = d
}

func (m *Manager) MonitoringInterval() time.Duration {
	m.monitorMu.Lock()
	defer m.monitorMu.Unlock()
	return m.monitorInterval
}

// StartMonitoring launches a goroutine that logs aggregate Stats on the
// configured interval until StopMonitoring is called.
func (m *Manager) StartMonitoring() {
	m.monitorMu.Lock()
	if m.monitorEnabled {
		m.monitorMu.Unlock()
		return
	}
	m.monitorEnabled = true
	m.monitorStop = make(chan struct{})
	interval := m.monitorInterval
	stop := m.monitorStop
	m.monitorMu.Unlock()

	m.monitorWG.Add(1)
	go func() {
		defer m.monitorWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s := m.Stats()
				log.Debug("thread stats", "total", s.TotalThreads, "running", s.RunningThreads,
					"paused", s.PausedThreads, "stopped", s.StoppedThreads)
			}
		}
	}()
}

// StopMonitoring stops the periodic stats goroutine, if running.
func (m *Manager) StopMonitoring() {
	m.monitorMu.Lock()
	if !m.monitorEnabled {
		m.monitorMu.Unlock()
		return
	}
	m.monitorEnabled = false
	close(m.monitorStop)
	m.monitorMu.Unlock()
	m.monitorWG.Wait()
}
