// Package serverworker implements the ServerWorker: a thin wrapper over the
// listening TCP socket. It binds, accepts, and hands off each accepted
// connection via an event — it never constructs or wires a client handler
// itself, leaving single-client policy and handler lifecycle to whatever
// owns it.
package serverworker

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/lanternops/deskrelay/internal/logging"
)

var log = logging.L("serverworker")

// acceptPollInterval bounds how long Accept blocks per ProcessTask tick so
// a stop request is noticed promptly.
const acceptPollInterval = 250 * time.Millisecond

// Events are fired from the worker's own goroutine as the listening socket
// changes state. All fields are optional.
type Events struct {
	OnServerStarted func(port int)
	OnServerError   func(err error)
	OnNewConnection func(conn net.Conn)
	OnServerStopped func()
}

// Worker is the ServerWorker's Task, driven by worker.Worker.
type Worker struct {
	events Events

	mu       sync.Mutex
	listener *net.TCPListener
	port     int
	started  bool
}

// New constructs a ServerWorker. Call StartServer (typically via
// worker.Worker.Post, matching the base spec's asynchronous post) once the
// owning Worker has started.
func New(events Events) *Worker {
	return &Worker{events: events}
}

// StartServer binds and listens on port. Safe to call from any goroutine;
// intended to be invoked through worker.Worker.Post so it runs on the
// worker's own goroutine between ProcessTask ticks.
func (w *Worker) StartServer(port int) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	addr := &net.TCPAddr{Port: port}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		log.Error("listen failed", "port", port, "error", err)
		if w.events.OnServerError != nil {
			w.events.OnServerError(err)
		}
		return
	}

	w.mu.Lock()
	w.listener = ln
	w.port = ln.Addr().(*net.TCPAddr).Port
	w.started = true
	w.mu.Unlock()

	log.Info("server listening", "port", w.port)
	if w.events.OnServerStarted != nil {
		w.events.OnServerStarted(w.port)
	}
}

// Port returns the bound port, or 0 if the server has not started.
func (w *Worker) Port() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.port
}

func (w *Worker) Initialize(ctx context.Context) error { return nil }

// ProcessTask performs one bounded Accept call, if the listener is up, and
// fans the accepted connection out via OnNewConnection.
func (w *Worker) ProcessTask(ctx context.Context) error {
	w.mu.Lock()
	ln := w.listener
	w.mu.Unlock()
	if ln == nil {
		return nil
	}

	_ = ln.SetDeadline(time.Now().Add(acceptPollInterval))
	conn, err := ln.Accept()
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil
		}
		w.mu.Lock()
		stillOurs := w.listener == ln
		w.mu.Unlock()
		if stillOurs {
			log.Warn("accept failed", "error", err)
			if w.events.OnServerError != nil {
				w.events.OnServerError(fmt.Errorf("serverworker: accept: %w", err))
			}
		}
		return nil
	}

	if w.events.OnNewConnection != nil {
		w.events.OnNewConnection(conn)
	} else {
		_ = conn.Close()
	}
	return nil
}

// Cleanup closes the listener and emits OnServerStopped exactly once, as
// the worker's own stop path.
func (w *Worker) Cleanup() {
	w.mu.Lock()
	ln := w.listener
	w.listener = nil
	wasStarted := w.started
	w.started = false
	w.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	if wasStarted {
		log.Info("server stopped")
		if w.events.OnServerStopped != nil {
			w.events.OnServerStopped()
		}
	}
}
