// Package clienthandler implements the per-connection worker: handshake,
// PBKDF2 authentication, inbound message framing/dispatch, the outbound
// frame pump, heartbeat supervision, and input-event delegation.
package clienthandler

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lanternops/deskrelay/internal/inputport"
	"github.com/lanternops/deskrelay/internal/logging"
	"github.com/lanternops/deskrelay/internal/pipeline"
	"github.com/lanternops/deskrelay/internal/protocol"
	"github.com/lanternops/deskrelay/internal/queue"
	"github.com/lanternops/deskrelay/internal/secmem"
)

var log = logging.L("clienthandler")

const (
	maxParseFailures   = 10
	maxAuthFailures    = 3
	heartbeatTimeout   = 15 * time.Second
	readPollInterval   = 500 * time.Millisecond
	maxFramesPerTick   = 4
	smallMessageLimit  = 1 << 20 // 1 MiB
	outboundChunkSize  = 64 * 1024
	chunkWriteTimeout  = 5 * time.Second
	inboundChannelSize = 64
	initialReadBufCap  = 64 * 1024
)

// ScreenInfo reports the host's current screen geometry for
// HANDSHAKE_RESPONSE. Queried lazily so it reflects the capture stage's
// current configuration rather than a value captured at construction.
type ScreenInfo func() (width, height, colorDepth uint32)

// Events are fired as the connection moves through its lifecycle. All
// fields are optional. OnDisconnected and OnAuthenticated are invoked at
// most once per Worker lifetime.
type Events struct {
	OnAuthenticated   func(remoteAddr string)
	OnDisconnected    func(remoteAddr string)
	OnError           func(err error)
	OnMessageReceived func(msgType protocol.MessageType)
}

type inboundMsg struct {
	header  protocol.Header
	payload []byte
}

// Worker is the ClientHandlerWorker's Task, driven by worker.Worker.
type Worker struct {
	name       string
	conn       net.Conn
	remoteAddr string

	processedQueue *queue.BoundedQueue[pipeline.EncodedFrame]
	input          inputport.Handler
	password       *secmem.SecureString
	screenInfo     ScreenInfo
	events         Events

	serverVersion uint32
	serverName    string
	serverOS      string

	obf atomic.Pointer[protocol.Obfuscator]

	msgCh chan inboundMsg

	authenticated  atomic.Bool
	authFailCount  atomic.Int32
	parseFailCount int // owned by the reader goroutine only

	lastHeartbeatUnixNano atomic.Int64
	seqOut                atomic.Uint32
	bytesSent             atomic.Uint64

	pendingSaltMu sync.Mutex
	pendingSalt   []byte

	done           atomic.Bool
	disconnectOnce sync.Once

	readerWG sync.WaitGroup
}

// New constructs a ClientHandlerWorker for an already-accepted connection.
// preAuthKey is the fixed per-server-instance obfuscation keystream used
// before authentication completes (see protocol.Obfuscator).
func New(name string, conn net.Conn, preAuthKey []byte, processedQueue *queue.BoundedQueue[pipeline.EncodedFrame],
	input inputport.Handler, password *secmem.SecureString, screenInfo ScreenInfo, serverVersion uint32,
	serverName, serverOS string, events Events) *Worker {

	w := &Worker{
		name:           name,
		conn:           conn,
		remoteAddr:     conn.RemoteAddr().String(),
		processedQueue: processedQueue,
		input:          input,
		password:       password,
		screenInfo:     screenInfo,
		events:         events,
		serverVersion:  serverVersion,
		serverName:     serverName,
		serverOS:       serverOS,
		msgCh:          make(chan inboundMsg, inboundChannelSize),
	}
	w.obf.Store(protocol.NewObfuscator(preAuthKey))
	return w
}

// RemoteAddr returns the connection's remote address.
func (w *Worker) RemoteAddr() string { return w.remoteAddr }

// IsAuthenticated reports whether the viewer has completed authentication.
func (w *Worker) IsAuthenticated() bool { return w.authenticated.Load() }

// BytesSent returns the running total of bytes written to the connection.
func (w *Worker) BytesSent() uint64 { return w.bytesSent.Load() }

func (w *Worker) Initialize(ctx context.Context) error {
	w.lastHeartbeatUnixNano.Store(time.Now().UnixNano())
	w.readerWG.Add(1)
	go w.readLoop(ctx)
	return nil
}

func (w *Worker) Cleanup() {
	w.triggerDisconnect("worker stopped")
	w.readerWG.Wait()
}

// ProcessTask drains any messages the reader goroutine has parsed,
// enforces the heartbeat deadline, and — once authenticated — pumps a
// bounded number of encoded frames to the viewer.
func (w *Worker) ProcessTask(ctx context.Context) error {
	if w.done.Load() {
		return nil
	}

	w.drainInbound()

	if w.done.Load() {
		return nil
	}

	last := w.lastHeartbeatUnixNano.Load()
	if time.Since(time.Unix(0, last)) > heartbeatTimeout {
		w.triggerDisconnect("heartbeat timeout")
		return nil
	}

	if w.authenticated.Load() {
		w.pumpOutbound()
	}
	return nil
}

func (w *Worker) drainInbound() {
	for {
		select {
		case msg := <-w.msgCh:
			w.dispatch(msg.header, msg.payload)
		default:
			return
		}
	}
}

// pumpOutbound drains up to maxFramesPerTick EncodedFrames from the
// processed queue, non-blockingly, and sends each as SCREEN_DATA. Bounding
// the per-tick work keeps heartbeat and input handling responsive.
func (w *Worker) pumpOutbound() {
	for i := 0; i < maxFramesPerTick; i++ {
		frame, ok := w.processedQueue.TryDequeue()
		if !ok {
			return
		}
		payload, err := protocol.EncodeScreenData(0, 0, frame.ImageSize[0], frame.ImageSize[1], frame.Payload)
		if err != nil {
			log.Warn("encode screen data failed", "error", err, "frame_id", frame.OriginalFrameID)
			continue
		}
		if err := w.send(protocol.MsgScreenData, payload); err != nil {
			log.Warn("send screen data failed", "error", err)
			return
		}
	}
}

func (w *Worker) dispatch(h protocol.Header, payload []byte) {
	if w.events.OnMessageReceived != nil {
		w.events.OnMessageReceived(h.Type)
	}

	switch h.Type {
	case protocol.MsgHandshakeRequest:
		w.handleHandshake()
	case protocol.MsgAuthenticationRequest:
		w.handleAuthRequest(payload)
	case protocol.MsgHeartbeat:
		w.lastHeartbeatUnixNano.Store(time.Now().UnixNano())
	case protocol.MsgMouseEvent:
		w.handleMouseEvent(payload)
	case protocol.MsgKeyboardEvent:
		w.handleKeyboardEvent(payload)
	default:
		log.Debug("unhandled message type", "type", h.Type)
	}
}

func (w *Worker) handleHandshake() {
	width, height, depth := uint32(0), uint32(0), uint32(32)
	if w.screenInfo != nil {
		width, height, depth = w.screenInfo()
	}
	resp := protocol.NewHandshakeResponse(w.serverVersion, width, height, depth, 0, w.serverName, w.serverOS)
	data, err := resp.Encode()
	if err != nil {
		log.Warn("encode handshake response failed", "error", err)
		return
	}
	if err := w.send(protocol.MsgHandshakeResponse, data); err != nil {
		log.Warn("send handshake response failed", "error", err)
	}
}

func (w *Worker) handleAuthRequest(payload []byte) {
	req, err := protocol.DecodeAuthenticationRequest(payload)
	if err != nil {
		log.Warn("decode auth request failed", "error", err)
		return
	}

	hasPassword := w.password != nil && w.password.Reveal() != ""
	hash := req.HashHex()

	if !hasPassword {
		w.acceptAuth()
		return
	}

	if hash == "" {
		w.issueChallenge()
		return
	}

	salt := w.takePendingSalt()
	if salt == nil {
		// No challenge was issued on this connection; re-issue rather than
		// comparing against nothing.
		w.issueChallenge()
		return
	}

	expected := protocol.DerivePasswordHash(w.password.Reveal(), salt, protocol.DefaultPBKDF2Iterations, protocol.DefaultPBKDF2KeyLength)
	if hash == expected {
		w.acceptAuth()
		return
	}

	w.rejectAuth()
}

func (w *Worker) issueChallenge() {
	salt, err := protocol.GenerateSalt()
	if err != nil {
		log.Error("generate salt failed", "error", err)
		return
	}
	w.pendingSaltMu.Lock()
	w.pendingSalt = salt
	w.pendingSaltMu.Unlock()

	challenge := protocol.NewAuthChallenge(protocol.DefaultPBKDF2Iterations, protocol.DefaultPBKDF2KeyLength, hexString(salt))
	data, err := challenge.Encode()
	if err != nil {
		log.Warn("encode auth challenge failed", "error", err)
		return
	}
	if err := w.send(protocol.MsgAuthChallenge, data); err != nil {
		log.Warn("send auth challenge failed", "error", err)
	}
}

func (w *Worker) takePendingSalt() []byte {
	w.pendingSaltMu.Lock()
	defer w.pendingSaltMu.Unlock()
	salt := w.pendingSalt
	w.pendingSalt = nil
	return salt
}

func (w *Worker) acceptAuth() {
	random := make([]byte, 16)
	_, _ = rand.Read(random)
	sessionID := protocol.NewSessionID(w.remoteAddr, time.Now().UnixNano(), random)

	// The response carrying sessionID must still go out under the current
	// (pre-auth) obfuscator — the peer has no way to derive the session key
	// until it has decoded this very message. Only once it is on the wire
	// does the connection switch to the session-keyed obfuscator, so
	// SCREEN_DATA and everything after is the first traffic under it.
	resp := protocol.NewAuthenticationResponse(protocol.AuthSuccess, sessionID, 0xFFFFFFFF)
	data, err := resp.Encode()
	if err != nil {
		log.Error("encode auth response failed", "error", err)
		return
	}
	if err := w.send(protocol.MsgAuthenticationResponse, data); err != nil {
		log.Warn("send auth response failed", "error", err)
		return
	}

	sessionKey := sha256.Sum256([]byte(sessionID))
	w.obf.Store(protocol.NewObfuscator(sessionKey[:]))
	wasAuthenticated := w.authenticated.Swap(true)

	log.Info("client authenticated", "remote", w.remoteAddr, "session", sessionID)
	if !wasAuthenticated && w.events.OnAuthenticated != nil {
		w.events.OnAuthenticated(w.remoteAddr)
	}
}

func (w *Worker) rejectAuth() {
	count := w.authFailCount.Add(1)
	resp := protocol.NewAuthenticationResponse(protocol.AuthInvalidPassword, "", 0)
	data, _ := resp.Encode()
	if err := w.send(protocol.MsgAuthenticationResponse, data); err != nil {
		log.Warn("send auth rejection failed", "error", err)
	}
	if count >= maxAuthFailures {
		w.triggerDisconnect("authentication failed 3 times")
	}
}

func (w *Worker) handleMouseEvent(payload []byte) {
	if !w.authenticated.Load() {
		return
	}
	ev, err := protocol.DecodeMouseEvent(payload)
	if err != nil {
		log.Warn("decode mouse event failed", "error", err)
		return
	}
	if w.input == nil {
		return
	}
	if err := w.input.MoveMouse(ev.X, ev.Y); err != nil {
		log.Debug("move mouse failed", "error", err)
	}
	if err := w.input.SetMouseButtons(ev.Buttons); err != nil {
		log.Debug("set mouse buttons failed", "error", err)
	}
	if ev.WheelDelta != 0 {
		if err := w.input.ScrollWheel(ev.WheelDelta); err != nil {
			log.Debug("scroll wheel failed", "error", err)
		}
	}
}

func (w *Worker) handleKeyboardEvent(payload []byte) {
	if !w.authenticated.Load() {
		return
	}
	ev, err := protocol.DecodeKeyboardEvent(payload)
	if err != nil {
		log.Warn("decode keyboard event failed", "error", err)
		return
	}
	if w.input == nil {
		return
	}
	if err := w.input.SetKey(ev.Key, ev.Modifiers, ev.Pressed != 0); err != nil {
		log.Debug("set key failed", "error", err)
	}
}

// send frames msgType/payload and writes it to the connection, chunked if
// large (see writeFramed).
func (w *Worker) send(msgType protocol.MessageType, payload []byte) error {
	seq := w.seqOut.Add(1)
	obf := w.obf.Load()
	wire := protocol.EncodeMessage(msgType, seq, payload, obf)
	return w.writeFramed(wire)
}

// writeFramed performs a single write for messages at or below 1 MiB, or
// chunked 64 KiB writes (each bounded by chunkWriteTimeout) for larger
// ones. Any write failure force-disconnects the connection.
func (w *Worker) writeFramed(data []byte) error {
	if len(data) <= smallMessageLimit {
		_ = w.conn.SetWriteDeadline(time.Now().Add(chunkWriteTimeout))
		n, err := w.conn.Write(data)
		w.bytesSent.Add(uint64(n))
		if err != nil {
			w.triggerDisconnect("send failure")
			return err
		}
		return nil
	}

	for offset := 0; offset < len(data); offset += outboundChunkSize {
		end := offset + outboundChunkSize
		if end > len(data) {
			end = len(data)
		}
		_ = w.conn.SetWriteDeadline(time.Now().Add(chunkWriteTimeout))
		n, err := w.conn.Write(data[offset:end])
		w.bytesSent.Add(uint64(n))
		if err != nil {
			w.triggerDisconnect("chunked send failure")
			return err
		}
	}
	return nil
}

// readLoop owns the receive buffer and the socket's read side. It parses
// complete messages off the front of the buffer and hands them to
// ProcessTask via msgCh; on a framing error it drops one byte and retries
// (resync), force-disconnecting after maxParseFailures consecutive
// failures.
func (w *Worker) readLoop(ctx context.Context) {
	defer w.readerWG.Done()

	buf := make([]byte, 0, initialReadBufCap)
	tmp := make([]byte, 32*1024)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if w.done.Load() {
			return
		}

		_ = w.conn.SetReadDeadline(time.Now().Add(readPollInterval))
		n, err := w.conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			buf = w.drainParsed(ctx, buf)
		}

		if err != nil {
			if isTimeout(err) {
				continue
			}
			w.triggerDisconnect("socket closed: " + err.Error())
			return
		}
	}
}

func (w *Worker) drainParsed(ctx context.Context, buf []byte) []byte {
	for {
		obf := w.obf.Load()
		h, payload, consumed, err := protocol.ParseMessage(buf, obf)
		if err == protocol.ErrIncomplete {
			return buf
		}
		if err != nil {
			buf = buf[1:]
			w.parseFailCount++
			if w.parseFailCount > maxParseFailures {
				w.triggerDisconnect("too many parse failures")
				return buf
			}
			continue
		}
		w.parseFailCount = 0
		buf = buf[consumed:]

		select {
		case w.msgCh <- inboundMsg{header: h, payload: payload}:
		case <-ctx.Done():
			return buf
		}
	}
}

// triggerDisconnect force-closes the connection and fires OnDisconnected
// at most once per Worker lifetime.
func (w *Worker) triggerDisconnect(reason string) {
	w.disconnectOnce.Do(func() {
		w.done.Store(true)
		log.Info("client disconnecting", "remote", w.remoteAddr, "reason", reason)
		_ = w.conn.Close()
		if w.events.OnDisconnected != nil {
			w.events.OnDisconnected(w.remoteAddr)
		}
	})
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func hexString(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = digits[v>>4]
		out[i*2+1] = digits[v&0x0F]
	}
	return string(out)
}
