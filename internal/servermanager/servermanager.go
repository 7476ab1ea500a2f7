// Package servermanager implements the ServerManager: the top-level
// orchestrator that binds the listening socket, enforces the single-client
// policy, and starts/stops the capture-process-deliver pipeline around the
// one authenticated viewer it permits at a time.
package servermanager

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/lanternops/deskrelay/internal/capture"
	"github.com/lanternops/deskrelay/internal/clienthandler"
	"github.com/lanternops/deskrelay/internal/inputport"
	"github.com/lanternops/deskrelay/internal/logging"
	"github.com/lanternops/deskrelay/internal/pipeline"
	"github.com/lanternops/deskrelay/internal/process"
	"github.com/lanternops/deskrelay/internal/queuemanager"
	"github.com/lanternops/deskrelay/internal/secmem"
	"github.com/lanternops/deskrelay/internal/serverworker"
	"github.com/lanternops/deskrelay/internal/threadmanager"
	"github.com/lanternops/deskrelay/internal/worker"
)

var log = logging.L("servermanager")

const (
	serverWorkerName   = "ServerWorker"
	captureWorkerName  = "CaptureWorker"
	processWorkerName  = "DataProcessingWorker"
	processMaxRestarts = 3
)

// Events are fired as the server moves through its lifecycle. All fields
// are optional.
type Events struct {
	OnServerStarted       func(port int)
	OnServerError         func(err error)
	OnClientAuthenticated func(remoteAddr string)
	OnClientDisconnected  func(remoteAddr string)
	OnServerStopped       func()
}

// Manager is the ServerManager. It holds non-owning references to the
// worker interfaces it orchestrates; ThreadManager owns their lifetimes.
// Its three locks (state, workers, client) are always acquired in that
// order, and always released before any blocking stop or destroy call into
// a subordinate.
type Manager struct {
	tm     *threadmanager.Manager
	qm     *queuemanager.Manager
	events Events

	input            inputport.Handler
	grabber          capture.Grabber
	syntheticCapture bool
	captureCfg       pipeline.CaptureConfig
	screenInfo       clienthandler.ScreenInfo

	serverVersion uint32
	serverName    string
	serverOS      string
	parallelism   int
	jpegQuality   int

	stateMu        sync.Mutex
	isRunning      bool
	currentPort    int
	shuttingDown   bool
	gracefulDown   bool
	captureStarted bool

	workersMu     sync.Mutex
	captureWorker *capture.Worker
	processWorker *process.Worker

	clientMu             sync.Mutex
	currentClient        *worker.Worker
	currentClientName    string
	currentClientHandler *clienthandler.Worker

	password atomic.Pointer[secmem.SecureString]

	shutdownOnce sync.Once
}

// New constructs a ServerManager. grabber may be nil, falling back to the
// capture stage's synthetic generator (forced on regardless when
// syntheticCapture is true, matching Config.SyntheticCapture).
func New(tm *threadmanager.Manager, qm *queuemanager.Manager, grabber capture.Grabber, syntheticCapture bool,
	captureCfg pipeline.CaptureConfig, input inputport.Handler, screenInfo clienthandler.ScreenInfo,
	serverVersion uint32, serverName, serverOS string, parallelism, jpegQuality int, events Events) *Manager {
	return &Manager{
		tm:               tm,
		qm:               qm,
		grabber:          grabber,
		syntheticCapture: syntheticCapture,
		captureCfg:       captureCfg,
		input:            input,
		screenInfo:       screenInfo,
		serverVersion:    serverVersion,
		serverName:       serverName,
		serverOS:         serverOS,
		parallelism:      parallelism,
		jpegQuality:      jpegQuality,
		events:           events,
	}
}

// SetPassword installs the password checked against each connecting
// viewer. A nil or empty password disables authentication.
func (m *Manager) SetPassword(password *secmem.SecureString) {
	m.password.Store(password)
}

// IsRunning reports whether the listening socket is currently up.
func (m *Manager) IsRunning() bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.isRunning
}

// CurrentPort returns the bound port, or 0 if not running.
func (m *Manager) CurrentPort() int {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.currentPort
}

// CurrentClient returns the remote address of the connected viewer, or ""
// if none is connected.
func (m *Manager) CurrentClient() string {
	m.clientMu.Lock()
	defer m.clientMu.Unlock()
	if m.currentClientHandler == nil {
		return ""
	}
	return m.currentClientHandler.RemoteAddr()
}

// StartServer guards against re-entry, registers and starts the
// ServerWorker, then posts an asynchronous startServer(port) to it.
func (m *Manager) StartServer(port int, password *secmem.SecureString) error {
	m.stateMu.Lock()
	if m.isRunning {
		m.stateMu.Unlock()
		return fmt.Errorf("servermanager: already running on port %d", m.currentPort)
	}
	m.isRunning = true
	m.shuttingDown = false
	m.stateMu.Unlock()

	m.SetPassword(password)

	m.workersMu.Lock()
	sw := serverworker.New(serverworker.Events{
		OnServerStarted: m.handleServerStarted,
		OnServerError:   m.handleServerError,
		OnNewConnection: m.handleNewConnection,
		OnServerStopped: m.handleServerStopped,
	})
	swWorker := worker.New(serverWorkerName, sw, m.hooksFor(serverWorkerName))
	registered := m.tm.CreateThread(serverWorkerName, swWorker, true, false, 0)
	m.workersMu.Unlock()

	if !registered {
		m.stateMu.Lock()
		m.isRunning = false
		m.stateMu.Unlock()
		return fmt.Errorf("servermanager: ServerWorker already registered")
	}

	swWorker.Post(func() { sw.StartServer(port) })
	return nil
}

// handleServerStarted records the bound port and forwards the event.
func (m *Manager) handleServerStarted(port int) {
	m.stateMu.Lock()
	m.currentPort = port
	m.stateMu.Unlock()

	log.Info("server started", "port", port)
	if m.events.OnServerStarted != nil {
		m.events.OnServerStarted(port)
	}
}

func (m *Manager) handleServerError(err error) {
	log.Error("server error", "error", err)
	if m.events.OnServerError != nil {
		m.events.OnServerError(err)
	}
}

func (m *Manager) handleServerStopped() {
	log.Info("server worker stopped")
}

// handleNewConnection enforces the single-client policy: a second
// connection is silently closed rather than wired to a ClientHandlerWorker.
func (m *Manager) handleNewConnection(conn net.Conn) {
	m.clientMu.Lock()
	if m.currentClient != nil {
		m.clientMu.Unlock()
		log.Warn("rejecting connection: a client is already connected", "remote", conn.RemoteAddr())
		_ = conn.Close()
		return
	}
	m.clientMu.Unlock()

	name := fmt.Sprintf("ClientHandler_%s", sanitizeAddr(conn.RemoteAddr().String()))
	ch := clienthandler.New(name, conn, m.preAuthKey(), m.qm.ProcessedQueue(), m.input, m.password.Load(),
		m.screenInfo, m.serverVersion, m.serverName, m.serverOS, clienthandler.Events{
			OnAuthenticated: m.handleClientAuthenticated,
			OnDisconnected:  m.handleClientDisconnected,
			OnError:         m.handleClientError,
		})
	chWorker := worker.New(name, ch, m.hooksFor(name))

	m.clientMu.Lock()
	if m.currentClient != nil {
		m.clientMu.Unlock()
		_ = conn.Close()
		return
	}
	m.currentClient = chWorker
	m.currentClientName = name
	m.currentClientHandler = ch
	m.clientMu.Unlock()

	m.workersMu.Lock()
	m.tm.CreateThread(name, chWorker, true, false, 0)
	m.workersMu.Unlock()
}

func (m *Manager) preAuthKey() []byte {
	return []byte("deskrelay-instance-" + m.serverName)
}

// handleClientAuthenticated starts the capture-process pipeline on the
// first authenticated client and forwards the event.
func (m *Manager) handleClientAuthenticated(addr string) {
	m.stateMu.Lock()
	alreadyStarted := m.captureStarted
	m.stateMu.Unlock()

	if !alreadyStarted {
		m.startWorkerThreads()
	}

	log.Info("client authenticated", "remote", addr)
	if m.events.OnClientAuthenticated != nil {
		m.events.OnClientAuthenticated(addr)
	}
}

func (m *Manager) handleClientError(err error) {
	log.Warn("client handler error", "error", err)
}

// handleClientDisconnected tears down the current client and the pipeline.
// It runs on the disconnecting ClientHandlerWorker's own goroutine (the
// socket reader or its Cleanup), so the teardown — which blocks on that
// same worker reaching Stopped — is dispatched onto a fresh goroutine to
// avoid a worker waiting on itself.
func (m *Manager) handleClientDisconnected(addr string) {
	m.clientMu.Lock()
	name := m.currentClientName
	if name == "" {
		m.clientMu.Unlock()
		return
	}
	m.currentClient = nil
	m.currentClientName = ""
	m.currentClientHandler = nil
	m.clientMu.Unlock()

	go func() {
		m.tm.DestroyThread(name)

		m.stopWorkerThreads()

		log.Info("client disconnected", "remote", addr)
		if m.events.OnClientDisconnected != nil {
			m.events.OnClientDisconnected(addr)
		}
	}()
}

// startWorkerThreads starts the screen grabber (creating its registry entry
// on first use) and a freshly created DataProcessingWorker, then resumes
// processing.
func (m *Manager) startWorkerThreads() {
	m.workersMu.Lock()
	if m.captureWorker == nil {
		m.captureWorker = capture.New(m.grabber, m.syntheticCapture, m.qm.CaptureQueue(), m.captureCfg)
		cwWorker := worker.New(captureWorkerName, m.captureWorker, m.hooksFor(captureWorkerName))
		m.tm.CreateThread(captureWorkerName, cwWorker, false, false, 0)
	}
	cw := m.captureWorker
	if !m.tm.IsThreadRunning(captureWorkerName) {
		m.tm.StartThread(captureWorkerName)
	}

	pw := process.New(m.qm.CaptureQueue(), m.qm.ProcessedQueue(), m.parallelism, m.jpegQuality)
	pwWorker := worker.New(processWorkerName, pw, m.hooksFor(processWorkerName))
	m.tm.CreateThread(processWorkerName, pwWorker, false, true, processMaxRestarts)
	m.processWorker = pw
	m.workersMu.Unlock()

	cw.StartCapturing()
	m.tm.StartThread(processWorkerName)
	pw.ResumeProcessing()

	m.stateMu.Lock()
	m.captureStarted = true
	m.stateMu.Unlock()
}

// stopWorkerThreads halts processing, synchronously stops and destroys the
// DataProcessingWorker, and stops the screen grabber (leaving its registry
// entry running idle, ready for the next authenticated client).
func (m *Manager) stopWorkerThreads() {
	m.workersMu.Lock()
	pw := m.processWorker
	cw := m.captureWorker
	m.workersMu.Unlock()

	if pw != nil {
		pw.StopProcessingAndClearQueues()
	}
	m.tm.StopThread(processWorkerName, true)
	m.tm.DestroyThread(processWorkerName)

	m.workersMu.Lock()
	m.processWorker = nil
	m.workersMu.Unlock()

	if cw != nil {
		cw.StopCapturing()
	}

	m.stateMu.Lock()
	m.captureStarted = false
	m.stateMu.Unlock()
}

// GracefulShutdown is idempotent: it tears down any connected client and
// the pipeline, then synchronously stops and destroys the ServerWorker.
func (m *Manager) GracefulShutdown() {
	m.shutdownOnce.Do(func() {
		m.stateMu.Lock()
		m.shuttingDown = true
		m.stateMu.Unlock()

		m.clientMu.Lock()
		name := m.currentClientName
		m.currentClient = nil
		m.currentClientName = ""
		m.currentClientHandler = nil
		m.clientMu.Unlock()

		if name != "" {
			m.tm.DestroyThread(name)
		}

		m.stopWorkerThreads()

		m.tm.StopThread(serverWorkerName, true)
		m.tm.DestroyThread(serverWorkerName)

		m.stateMu.Lock()
		m.isRunning = false
		m.currentPort = 0
		m.gracefulDown = true
		m.stateMu.Unlock()

		log.Info("graceful shutdown complete")
		if m.events.OnServerStopped != nil {
			m.events.OnServerStopped()
		}
	})
}

func (m *Manager) hooksFor(name string) worker.Hooks {
	return worker.Hooks{
		OnStarted: func() { m.tm.NotifyStarted(name) },
		OnStopped: func() { m.tm.NotifyStopped(name) },
		OnPaused:  func() { m.tm.NotifyPaused(name) },
		OnResumed: func() { m.tm.NotifyResumed(name) },
		OnError:   func(err error) { m.tm.NotifyError(name, err) },
	}
}

func sanitizeAddr(addr string) string {
	return strings.NewReplacer(":", "_", ".", "-", "[", "", "]", "").Replace(addr)
}
