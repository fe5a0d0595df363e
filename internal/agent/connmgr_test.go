// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package agent

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nishisan-dev/n-upload/internal/checksum"
	"github.com/nishisan-dev/n-upload/internal/config"
	"github.com/nishisan-dev/n-upload/internal/logging"
	"github.com/nishisan-dev/n-upload/internal/protocol"
	"github.com/nishisan-dev/n-upload/internal/transport"
)

// pipeDialer entrega ao teste o lado "server" de cada conexão aberta pelo agent.
type pipeDialer struct {
	conns chan net.Conn
	fails atomic.Int32 // número de dials que devem falhar antes do primeiro sucesso
	dials atomic.Int32
}

func newPipeDialer(fails int32) *pipeDialer {
	d := &pipeDialer{conns: make(chan net.Conn, 4)}
	d.fails.Store(fails)
	return d
}

func (d *pipeDialer) dial(ctx context.Context) (net.Conn, error) {
	d.dials.Add(1)
	if d.fails.Add(-1) >= 0 {
		return nil, errors.New("connection refused")
	}
	a, b := net.Pipe()
	select {
	case d.conns <- b:
		return a, nil
	case <-ctx.Done():
		a.Close()
		b.Close()
		return nil, ctx.Err()
	}
}

// fakeServer é o lado server de uma conexão do agent.
type fakeServer struct {
	t    *testing.T
	ch   *transport.Channel
	next func() (protocol.Message, error, bool)
	stop func()
}

func (d *pipeDialer) accept(t *testing.T) *fakeServer {
	t.Helper()
	select {
	case conn := <-d.conns:
		ch := transport.NewChannel(conn, transport.Options{QueueSize: 16})
		next, stop := iter.Pull2(ch.Messages())
		fs := &fakeServer{t: t, ch: ch, next: next, stop: stop}
		t.Cleanup(fs.close)
		return fs
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not dial")
		return nil
	}
}

func (fs *fakeServer) close() {
	fs.ch.Close()
	fs.stop()
}

func (fs *fakeServer) recv() protocol.Message {
	fs.t.Helper()
	msg, err, ok := fs.next()
	if !ok {
		fs.t.Fatal("agent closed the channel")
	}
	if err != nil {
		fs.t.Fatalf("reading from agent: %v", err)
	}
	return msg
}

func (fs *fakeServer) send(m protocol.Message) {
	fs.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := fs.ch.Send(ctx, m); err != nil {
		fs.t.Fatalf("sending %s: %v", protocol.Name(m), err)
	}
}

// handshake lê o hello e responde ready.
func (fs *fakeServer) handshake(identity string) {
	fs.t.Helper()
	hello, ok := fs.recv().(*protocol.Hello)
	if !ok {
		fs.t.Fatal("expected hello as first message")
	}
	if hello.Identity != identity || hello.Secret != "s3cret" {
		fs.t.Fatalf("unexpected hello %+v", hello)
	}
	fs.send(&protocol.Ready{Identity: identity})
}

// receiveUpload lê chunks até o terminal e retorna os bytes reconstruídos.
func (fs *fakeServer) receiveUpload(uploadID string) []byte {
	fs.t.Helper()
	var data []byte
	for {
		c, ok := fs.recv().(*protocol.Chunk)
		if !ok {
			fs.t.Fatal("expected chunk")
		}
		if c.UploadID != uploadID {
			fs.t.Fatalf("chunk for %q, expected %q", c.UploadID, uploadID)
		}
		data = append(data, c.Data...)
		if c.Last {
			return data
		}
	}
}

func testAgentConfig() *config.AgentConfig {
	return &config.AgentConfig{
		Agent:  config.AgentInfo{Name: "web-01"},
		Server: config.ServerAddr{Address: "pipe"},
		Auth:   config.AuthInfo{SharedSecret: "s3cret"},
		Upload: config.UploadInfo{
			ChunkSizeRaw:  4,
			OutboundQueue: 4,
			ChecksumAlg:   checksum.SHA256,
		},
		Reconnect: config.ReconnectInfo{MaxDelay: 20 * time.Millisecond, DialTimeout: time.Second},
	}
}

func startConnManager(t *testing.T, cfg *config.AgentConfig, d *pipeDialer, logger *slog.Logger) *ConnManager {
	t.Helper()
	cm := newConnManager(cfg, logger, d.dial)
	cm.jitter = func() float64 { return 0 }
	cm.Start()
	t.Cleanup(cm.Stop)
	return cm
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func sha256Hex(p []byte) string {
	sum := sha256.Sum256(p)
	return hex.EncodeToString(sum[:])
}

func TestConnManager_HandshakeAndUpload(t *testing.T) {
	data := []byte("hello, n-upload")
	path := filepath.Join(t.TempDir(), "report.csv")
	os.WriteFile(path, data, 0644)

	d := newPipeDialer(0)
	cm := startConnManager(t, testAgentConfig(), d, logging.Discard())
	srv := d.accept(t)

	srv.handshake("web-01")
	waitFor(t, "connected state", func() bool { return cm.State() == StateConnected })

	srv.send(&protocol.UploadRequest{UploadID: "u-1", FilePath: path})
	got := srv.receiveUpload("u-1")
	if !bytes.Equal(got, data) {
		t.Fatalf("server received %q, expected %q", got, data)
	}

	srv.send(&protocol.Complete{UploadID: "u-1", Size: uint64(len(data)), Checksum: sha256Hex(data), Algorithm: "sha256"})
	waitFor(t, "upload ok", func() bool { return cm.Stats().UploadsOK == 1 })

	st := cm.Stats()
	if st.UploadsActive != 0 || st.UploadsFailed != 0 || st.BytesSent != int64(len(data)) {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestConnManager_EmptyPathUsesDefaultFile(t *testing.T) {
	data := []byte("default file contents")
	path := filepath.Join(t.TempDir(), "default.dat")
	os.WriteFile(path, data, 0644)

	cfg := testAgentConfig()
	cfg.Upload.DefaultFile = path

	d := newPipeDialer(0)
	startConnManager(t, cfg, d, logging.Discard())
	srv := d.accept(t)
	srv.handshake("web-01")

	srv.send(&protocol.UploadRequest{UploadID: "u-def"})
	if got := srv.receiveUpload("u-def"); !bytes.Equal(got, data) {
		t.Fatalf("expected default file contents, got %q", got)
	}
}

func TestConnManager_MissingFileReportsNotFound(t *testing.T) {
	d := newPipeDialer(0)
	cm := startConnManager(t, testAgentConfig(), d, logging.Discard())
	srv := d.accept(t)
	srv.handshake("web-01")

	srv.send(&protocol.UploadRequest{UploadID: "u-miss", FilePath: filepath.Join(t.TempDir(), "missing")})
	e, ok := srv.recv().(*protocol.Error)
	if !ok || e.Code != protocol.CodeNotFound || e.UploadID != "u-miss" {
		t.Fatalf("expected NOT_FOUND error, got %#v", e)
	}
	waitFor(t, "upload failed", func() bool { return cm.Stats().UploadsFailed == 1 })

	if cm.State() != StateConnected {
		t.Errorf("connection must stay up after a transfer error, state %s", cm.State())
	}
}

func TestConnManager_ChecksumMismatchCountsFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.bin")
	os.WriteFile(path, []byte("AB"), 0644)

	d := newPipeDialer(0)
	cm := startConnManager(t, testAgentConfig(), d, logging.Discard())
	srv := d.accept(t)
	srv.handshake("web-01")

	srv.send(&protocol.UploadRequest{UploadID: "u-bad", FilePath: path})
	srv.receiveUpload("u-bad")
	srv.send(&protocol.Complete{UploadID: "u-bad", Size: 2, Checksum: strings.Repeat("0", 64), Algorithm: "sha256"})

	waitFor(t, "upload failed", func() bool { return cm.Stats().UploadsFailed == 1 })
	if cm.Stats().UploadsOK != 0 {
		t.Error("mismatched checksum must not count as success")
	}
}

func TestConnManager_UnknownCompleteAndErrorIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.bin")
	os.WriteFile(path, []byte("still works"), 0644)

	d := newPipeDialer(0)
	cm := startConnManager(t, testAgentConfig(), d, logging.Discard())
	srv := d.accept(t)
	srv.handshake("web-01")

	srv.send(&protocol.Complete{UploadID: "ghost", Size: 1, Checksum: "00"})
	srv.send(&protocol.Error{UploadID: "ghost", Code: protocol.CodeNotFound, Message: "unknown upload"})

	srv.send(&protocol.UploadRequest{UploadID: "u-2", FilePath: path})
	if got := srv.receiveUpload("u-2"); string(got) != "still works" {
		t.Fatalf("unexpected payload %q", got)
	}
	st := cm.Stats()
	if st.UploadsFailed != 0 || st.State != StateConnected {
		t.Errorf("unknown complete/error must not change state: %+v", st)
	}
}

func TestConnManager_ReconnectsAfterDisconnect(t *testing.T) {
	d := newPipeDialer(2)
	cm := startConnManager(t, testAgentConfig(), d, logging.Discard())

	first := d.accept(t)
	first.handshake("web-01")
	waitFor(t, "connected state", func() bool { return cm.State() == StateConnected })

	first.close()

	second := d.accept(t)
	second.handshake("web-01")
	waitFor(t, "reconnected", func() bool { return cm.Stats().Connects == 2 })

	// 2 falhas + 2 conexões bem-sucedidas
	if got := d.dials.Load(); got != 4 {
		t.Errorf("expected 4 dials, got %d", got)
	}
}

func TestConnManager_HandshakeTimeoutReconnects(t *testing.T) {
	cfg := testAgentConfig()
	cfg.Reconnect.HandshakeTimeout = 50 * time.Millisecond
	d := newPipeDialer(0)
	cm := startConnManager(t, cfg, d, logging.Discard())

	// O primeiro server aceita e lê o hello, mas nunca responde
	silent := d.accept(t)
	if _, ok := silent.recv().(*protocol.Hello); !ok {
		t.Fatal("expected hello")
	}
	if cm.State() != StateHandshaking {
		t.Fatalf("expected handshaking while waiting for ready, got %s", cm.State())
	}

	second := d.accept(t)
	second.handshake("web-01")
	waitFor(t, "connected after handshake timeout", func() bool { return cm.State() == StateConnected })

	if got := cm.Stats().Connects; got != 1 {
		t.Errorf("expected 1 completed handshake, got %d", got)
	}
	if got := d.dials.Load(); got != 2 {
		t.Errorf("expected 2 dials, got %d", got)
	}
	if _, err, ok := silent.next(); ok && err == nil {
		t.Error("agent must close the silent connection")
	}
}

// syncBuffer é um bytes.Buffer seguro para o handler de log concorrente.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// attempts retorna o atributo attempt das linhas de log com a mensagem msg.
func (b *syncBuffer) attempts(msg string) []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []int
	for _, line := range strings.Split(b.buf.String(), "\n") {
		var rec struct {
			Msg     string `json:"msg"`
			Attempt int    `json:"attempt"`
		}
		if json.Unmarshal([]byte(line), &rec) == nil && rec.Msg == msg {
			out = append(out, rec.Attempt)
		}
	}
	return out
}

func TestConnManager_AttemptResetsOnConnected(t *testing.T) {
	logBuf := &syncBuffer{}
	logger := slog.New(slog.NewJSONHandler(logBuf, nil))

	d := newPipeDialer(3)
	cm := startConnManager(t, testAgentConfig(), d, logger)

	srv := d.accept(t)
	srv.handshake("web-01")
	waitFor(t, "connected state", func() bool { return cm.State() == StateConnected })
	srv.close()

	d.accept(t)

	failed := logBuf.attempts("connect failed")
	if len(failed) != 3 || failed[0] != 1 || failed[2] != 3 {
		t.Fatalf("expected failed attempts [1 2 3], got %v", failed)
	}
	disc := logBuf.attempts("disconnected from server, will reconnect")
	if len(disc) != 1 || disc[0] != 1 {
		t.Fatalf("expected attempt reset to 1 after connected, got %v", disc)
	}
}

func TestConnManager_DisconnectAbortsInflightUpload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.bin")
	os.WriteFile(path, make([]byte, 64*1024), 0644)

	d := newPipeDialer(0)
	cm := startConnManager(t, testAgentConfig(), d, logging.Discard())
	srv := d.accept(t)
	srv.handshake("web-01")

	srv.send(&protocol.UploadRequest{UploadID: "u-big", FilePath: path})
	if _, ok := srv.recv().(*protocol.Chunk); !ok {
		t.Fatal("expected first chunk")
	}
	srv.close()

	waitFor(t, "upload aborted", func() bool { return cm.Stats().UploadsFailed == 1 })
	if cm.Stats().UploadsActive != 0 {
		t.Error("inflight map must be empty after disconnect")
	}
}

func TestConnManager_StopUnblocksRead(t *testing.T) {
	d := newPipeDialer(0)
	cm := newConnManager(testAgentConfig(), logging.Discard(), d.dial)
	cm.Start()

	srv := d.accept(t)
	srv.handshake("web-01")
	waitFor(t, "connected state", func() bool { return cm.State() == StateConnected })

	// O server não envia mais nada: o agent fica bloqueado na leitura
	stopDone := make(chan struct{})
	go func() {
		cm.Stop()
		close(stopDone)
	}()

	select {
	case <-stopDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return within 2s, likely blocked on read")
	}
	if cm.State() != StateDisconnected {
		t.Errorf("expected state %s, got %s", StateDisconnected, cm.State())
	}
}
