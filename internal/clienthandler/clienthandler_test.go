package clienthandler

import (
	"bytes"
	"context"
	"crypto/sha256"
	"image"
	"image/color"
	"image/jpeg"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/lanternops/deskrelay/internal/pipeline"
	"github.com/lanternops/deskrelay/internal/protocol"
	"github.com/lanternops/deskrelay/internal/queue"
	"github.com/lanternops/deskrelay/internal/secmem"
)

// runTicking drives w.ProcessTask on a background goroutine until stop is
// closed, standing in for the worker.Worker loop that would normally call
// it. net.Pipe is synchronous, so a concurrent ticker is required for any
// test that both writes a request and expects a response on the same
// connection.
func runTicking(t *testing.T, w *Worker) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.ProcessTask(ctx)
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func newTestPair(t *testing.T, password *secmem.SecureString) (*Worker, net.Conn, chan string, *queue.BoundedQueue[pipeline.EncodedFrame]) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	q := queue.New[pipeline.EncodedFrame](4)
	authed := make(chan string, 1)

	w := New("ClientHandler_test", serverConn, []byte("fixed-instance-key"), q, nil, password,
		func() (uint32, uint32, uint32) { return 1920, 1080, 32 }, 1, "deskrelay-test", "linux",
		Events{
			OnAuthenticated: func(addr string) { authed <- addr },
		})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := w.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(w.Cleanup)

	return w, clientConn, authed, q
}

func readOneMessage(t *testing.T, conn net.Conn, obf *protocol.Obfuscator) (protocol.Header, []byte) {
	t.Helper()
	header := make([]byte, protocol.HeaderSize)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := readFull(conn, header); err != nil {
		t.Fatalf("read header: %v", err)
	}
	h, err := protocol.DecodeHeader(header)
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	payload := make([]byte, h.Length)
	if h.Length > 0 {
		if _, err := readFull(conn, payload); err != nil {
			t.Fatalf("read payload: %v", err)
		}
	}
	return h, obf.Transform(payload)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestHandshakeNoPassword(t *testing.T) {
	w, clientConn, _, _ := newTestPair(t, nil)
	defer runTicking(t, w)()

	preAuthObf := protocol.NewObfuscator([]byte("fixed-instance-key"))
	req := protocol.HandshakeRequest{ClientVersion: 1, Capabilities: 0}
	data, _ := req.Encode()
	wire := protocol.EncodeMessage(protocol.MsgHandshakeRequest, 1, data, preAuthObf)
	if _, err := clientConn.Write(wire); err != nil {
		t.Fatalf("write: %v", err)
	}

	h, payload := readOneMessage(t, clientConn, preAuthObf)
	if h.Type != protocol.MsgHandshakeResponse {
		t.Fatalf("expected HANDSHAKE_RESPONSE, got %v", h.Type)
	}
	resp, err := protocol.DecodeHandshakeResponse(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ScreenWidth != 1920 || resp.ScreenHeight != 1080 {
		t.Fatalf("unexpected screen size: %+v", resp)
	}
}

func TestAuthenticationNoPasswordAccepted(t *testing.T) {
	w, clientConn, authed, _ := newTestPair(t, nil)
	defer runTicking(t, w)()

	preAuthObf := protocol.NewObfuscator([]byte("fixed-instance-key"))
	req := protocol.NewAuthenticationRequest("viewer", "")
	data, _ := req.Encode()
	wire := protocol.EncodeMessage(protocol.MsgAuthenticationRequest, 1, data, preAuthObf)
	if _, err := clientConn.Write(wire); err != nil {
		t.Fatalf("write: %v", err)
	}

	readOneMessage(t, clientConn, preAuthObf) // AUTHENTICATION_RESPONSE(SUCCESS)

	if !w.IsAuthenticated() {
		t.Fatal("expected authentication to succeed when no password is configured")
	}

	select {
	case <-authed:
	case <-time.After(time.Second):
		t.Fatal("OnAuthenticated was not fired")
	}
}

func TestAuthenticationWrongPasswordLockout(t *testing.T) {
	pw := secmem.NewSecureString("correct-horse")
	w, clientConn, _, _ := newTestPair(t, pw)
	defer runTicking(t, w)()

	preAuthObf := protocol.NewObfuscator([]byte("fixed-instance-key"))

	send := func(hash string) {
		req := protocol.NewAuthenticationRequest("viewer", hash)
		data, _ := req.Encode()
		wire := protocol.EncodeMessage(protocol.MsgAuthenticationRequest, 1, data, preAuthObf)
		clientConn.Write(wire)
	}

	for attempt := 0; attempt < 3; attempt++ {
		send("") // request a fresh challenge
		readOneMessage(t, clientConn, preAuthObf)

		send("deadbeef")
		readOneMessage(t, clientConn, preAuthObf) // AUTHENTICATION_RESPONSE(INVALID_PASSWORD)
	}

	if w.IsAuthenticated() {
		t.Fatal("wrong password must never authenticate")
	}

	// The third rejection locks the viewer out: the server closes its end.
	clientConn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := clientConn.Read(make([]byte, 1)); err == nil || isTimeout(err) {
		t.Fatalf("expected the connection to be closed after the third failed attempt, got %v", err)
	}
}

// TestAuthenticationDeliversScreenData drives the full happy-path sequence
// from base spec §8 scenario 1: handshake, no-password auth, and at least
// one decodable SCREEN_DATA frame arriving after authentication. It pins the
// obfuscator handoff at the center of the maintainer's review: the
// AUTHENTICATION_RESPONSE itself must still be readable under the pre-auth
// key, and only the session key derived from its payload can decode
// anything that follows.
func TestAuthenticationDeliversScreenData(t *testing.T) {
	w, clientConn, authed, q := newTestPair(t, nil)
	defer runTicking(t, w)()

	jpegBytes := encodeTestJPEG(t)
	if !q.TryEnqueue(pipeline.EncodedFrame{
		OriginalFrameID: 7,
		Payload:         jpegBytes,
		ImageSize:       [2]uint32{2, 2},
		EncodedBytes:    uint64(len(jpegBytes)),
	}) {
		t.Fatal("failed to seed processed queue")
	}

	preAuthObf := protocol.NewObfuscator([]byte("fixed-instance-key"))
	req := protocol.NewAuthenticationRequest("viewer", "")
	data, _ := req.Encode()
	wire := protocol.EncodeMessage(protocol.MsgAuthenticationRequest, 1, data, preAuthObf)
	if _, err := clientConn.Write(wire); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The response carrying the session id must still be readable under the
	// pre-auth key — if it were already obfuscated with the session key
	// derived from its own payload, no spec-conformant peer could ever
	// decode it.
	h, payload := readOneMessage(t, clientConn, preAuthObf)
	if h.Type != protocol.MsgAuthenticationResponse {
		t.Fatalf("expected AUTHENTICATION_RESPONSE, got %v", h.Type)
	}
	resp, err := protocol.DecodeAuthenticationResponse(payload)
	if err != nil {
		t.Fatalf("decode auth response: %v", err)
	}
	if !resp.Succeeded() {
		t.Fatalf("expected SUCCESS, got %+v", resp)
	}
	sessionID := resp.Session()
	if sessionID == "" {
		t.Fatal("expected a non-empty session id")
	}

	select {
	case <-authed:
	case <-time.After(time.Second):
		t.Fatal("OnAuthenticated was not fired")
	}

	sessionKey := sha256.Sum256([]byte(sessionID))
	sessionObf := protocol.NewObfuscator(sessionKey[:])

	h, payload = readOneMessage(t, clientConn, sessionObf)
	if h.Type != protocol.MsgScreenData {
		t.Fatalf("expected SCREEN_DATA under the session key, got %v", h.Type)
	}
	hdr, imageData, err := protocol.DecodeScreenData(payload)
	if err != nil {
		t.Fatalf("decode screen data: %v", err)
	}
	if hdr.Width != 2 || hdr.Height != 2 {
		t.Fatalf("unexpected screen data dimensions: %+v", hdr)
	}
	if len(imageData) == 0 {
		t.Fatal("expected non-zero image payload")
	}
	if _, err := jpeg.Decode(bytes.NewReader(imageData)); err != nil {
		t.Fatalf("SCREEN_DATA payload did not decode as JPEG: %v", err)
	}
}

func encodeTestJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	img.Set(1, 1, color.RGBA{B: 255, A: 255})
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		t.Fatalf("encode test jpeg: %v", err)
	}
	return buf.Bytes()
}

func TestDisconnectOnSocketClose(t *testing.T) {
	disconnected := make(chan string, 1)
	serverConn, clientConn := net.Pipe()
	q := queue.New[pipeline.EncodedFrame](4)

	w := New("ClientHandler_close", serverConn, []byte("k"), q, nil, nil,
		nil, 1, "deskrelay-test", "linux",
		Events{OnDisconnected: func(addr string) { disconnected <- addr }})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Initialize(ctx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	defer w.Cleanup()

	clientConn.Close()

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("expected disconnect event after peer closed the connection")
	}
}
