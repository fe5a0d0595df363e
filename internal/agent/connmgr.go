// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package agent

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/n-upload/internal/config"
	"github.com/nishisan-dev/n-upload/internal/pki"
	"github.com/nishisan-dev/n-upload/internal/protocol"
	"github.com/nishisan-dev/n-upload/internal/transport"
)

// Estados do Connection Manager.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateHandshaking  = "handshaking"
	StateConnected    = "connected"
)

// completeWait limita quanto o complete do server aguarda o Sender registrar o resultado local.
const completeWait = 5 * time.Second

// defaultHandshakeTimeout vale quando reconnect.handshake_timeout não foi preenchido.
const defaultHandshakeTimeout = 10 * time.Second

// Desfecho do handshake: o primeiro a chegar entre ready e o timeout vence.
const (
	handshakePending int32 = iota
	handshakeDone
	handshakeExpired
)

// Version é a versão do agent, preenchida via ldflags no build (-X ...Version=x.y.z).
var Version = "dev"

// DialFunc abre a conexão com o server.
type DialFunc func(ctx context.Context) (net.Conn, error)

// inflightUpload é um upload em envio ou aguardando o complete do server.
type inflightUpload struct {
	id      string
	path    string
	started time.Time
	cancel  context.CancelFunc
	done    chan struct{} // fechado quando o Sender retorna
	result  SendResult
	err     error
}

// ConnStats é o snapshot dos contadores do Connection Manager.
type ConnStats struct {
	State          string
	Connects       int64
	UploadsActive  int
	UploadsStarted int64
	UploadsOK      int64
	UploadsFailed  int64
	BytesSent      int64
}

// ConnManager mantém a conexão persistente do agent com o server:
// conecta, autentica via hello, atende upload_request e reconecta com
// backoff exponencial quando a conexão cai.
type ConnManager struct {
	cfg    *config.AgentConfig
	logger *slog.Logger
	sender *Sender
	dial   DialFunc
	jitter func() float64

	// State machine (atômico para reads lock-free)
	state atomic.Value // string

	current atomic.Pointer[transport.Channel]

	mu       sync.Mutex
	inflight map[string]*inflightUpload

	connects       atomic.Int64
	uploadsStarted atomic.Int64
	uploadsOK      atomic.Int64
	uploadsFailed  atomic.Int64
	bytesSent      atomic.Int64

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	stopMu sync.Once
	wg     sync.WaitGroup
}

// NewConnManager cria o Connection Manager com as credenciais do tls.mode configurado.
func NewConnManager(cfg *config.AgentConfig, logger *slog.Logger) (*ConnManager, error) {
	tlsCfg, err := pki.NewClientCredentials(cfg.TLS.ParsedMode, cfg.TLS.CACert, cfg.TLS.ClientCert, cfg.TLS.ClientKey)
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil && cfg.TLS.ServerName != "" {
		tlsCfg.ServerName = cfg.TLS.ServerName
	}

	dial := func(ctx context.Context) (net.Conn, error) {
		return transport.Dial(ctx, cfg.Server.Address, tlsCfg, cfg.Reconnect.DialTimeout)
	}
	return newConnManager(cfg, logger, dial), nil
}

func newConnManager(cfg *config.AgentConfig, logger *slog.Logger, dial DialFunc) *ConnManager {
	ctx, cancel := context.WithCancel(context.Background())
	cm := &ConnManager{
		cfg:      cfg,
		logger:   logger.With("component", "conn_manager"),
		dial:     dial,
		jitter:   rand.Float64,
		inflight: make(map[string]*inflightUpload),
		ctx:      ctx,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
	}
	cm.sender = NewSender(cfg.Upload, cm.logger)
	cm.state.Store(StateDisconnected)
	return cm
}

// Start inicia a goroutine de conexão.
func (cm *ConnManager) Start() {
	cm.wg.Add(1)
	go cm.run()
	cm.logger.Info("connection manager started", "server", cm.cfg.Server.Address, "identity", cm.cfg.Agent.Name)
}

// Stop encerra a conexão, aborta uploads em andamento e aguarda as goroutines.
func (cm *ConnManager) Stop() {
	cm.stopMu.Do(func() {
		close(cm.stopCh)
		cm.cancel()
	})

	// Fecha o canal ANTES de Wait para desbloquear a leitura pendente
	if ch := cm.current.Load(); ch != nil {
		ch.Close()
	}

	cm.wg.Wait()
	cm.state.Store(StateDisconnected)
	cm.logger.Info("connection manager stopped")
}

// State retorna o estado atual da conexão.
func (cm *ConnManager) State() string {
	return cm.state.Load().(string)
}

// Stats retorna os contadores atuais.
func (cm *ConnManager) Stats() ConnStats {
	cm.mu.Lock()
	active := len(cm.inflight)
	cm.mu.Unlock()

	return ConnStats{
		State:          cm.State(),
		Connects:       cm.connects.Load(),
		UploadsActive:  active,
		UploadsStarted: cm.uploadsStarted.Load(),
		UploadsOK:      cm.uploadsOK.Load(),
		UploadsFailed:  cm.uploadsFailed.Load(),
		BytesSent:      cm.bytesSent.Load(),
	}
}

// run é a goroutine principal: conecta, atende a sessão e reconecta com backoff.
// attempt começa em 1, incrementa a cada falha ou desconexão e volta a 1 ao
// atingir CONNECTED.
func (cm *ConnManager) run() {
	defer cm.wg.Done()

	attempt := 1
	for {
		select {
		case <-cm.stopCh:
			return
		default:
		}

		cm.state.Store(StateConnecting)
		conn, err := cm.dial(cm.ctx)
		if err != nil {
			cm.state.Store(StateDisconnected)
			delay := calculateBackoff(attempt, cm.cfg.Reconnect.MaxDelay, cm.jitter())
			cm.logger.Warn("connect failed", "error", err, "attempt", attempt, "retry_in", delay)
			if !cm.sleep(delay) {
				return
			}
			attempt++
			continue
		}

		cm.serve(conn, func() { attempt = 1 })
		cm.state.Store(StateDisconnected)

		delay := calculateBackoff(attempt, cm.cfg.Reconnect.MaxDelay, cm.jitter())
		cm.logger.Info("disconnected from server, will reconnect", "attempt", attempt, "retry_in", delay)
		if !cm.sleep(delay) {
			return
		}
		attempt++
	}
}

func (cm *ConnManager) handshakeTimeout() time.Duration {
	if d := cm.cfg.Reconnect.HandshakeTimeout; d > 0 {
		return d
	}
	return defaultHandshakeTimeout
}

func (cm *ConnManager) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-cm.stopCh:
		return false
	case <-t.C:
		return true
	}
}

// serve executa uma sessão completa sobre conn até o canal fechar.
// onReady é chamado quando o server confirma o hello.
func (cm *ConnManager) serve(conn net.Conn, onReady func()) {
	ch := transport.NewChannel(conn, transport.Options{
		QueueSize: cm.cfg.Upload.OutboundQueue,
		Logger:    cm.logger,
	})
	cm.current.Store(ch)
	logger := cm.logger.With("remote", ch.RemoteAddr())

	defer func() {
		cm.current.Store(nil)
		ch.Close()
		cm.abortAll()
	}()

	// Stop pode ter ocorrido entre o dial e o Store
	select {
	case <-cm.stopCh:
		return
	default:
	}

	cm.state.Store(StateHandshaking)
	hello := &protocol.Hello{Identity: cm.cfg.Agent.Name, Secret: cm.cfg.Auth.SharedSecret}
	if err := ch.Send(cm.ctx, hello); err != nil {
		logger.Warn("sending hello failed", "error", err)
		return
	}

	// Um server que aceita o TCP mas nunca responde não pode prender o agent em HANDSHAKING
	var handshake atomic.Int32
	timeout := cm.handshakeTimeout()
	expire := time.AfterFunc(timeout, func() {
		if handshake.CompareAndSwap(handshakePending, handshakeExpired) {
			logger.Warn("handshake timed out, closing connection", "timeout", timeout)
			ch.Close()
		}
	})
	defer expire.Stop()

	for msg, err := range ch.Messages() {
		if err != nil {
			logger.Warn("invalid message from server", "error", err)
			continue
		}

		switch m := msg.(type) {
		case *protocol.Ready:
			if !handshake.CompareAndSwap(handshakePending, handshakeDone) {
				if handshake.Load() == handshakeExpired {
					return
				}
				logger.Debug("duplicate ready ignored")
				continue
			}
			expire.Stop()
			cm.connects.Add(1)
			cm.state.Store(StateConnected)
			onReady()
			logger.Info("connected to server", "identity", m.Identity, "version", Version)

		case *protocol.UploadRequest:
			cm.startUpload(ch, m)

		case *protocol.Complete:
			cm.onComplete(m)

		case *protocol.Error:
			cm.onServerError(logger, m)

		default:
			logger.Warn("unexpected message from server", "type", protocol.Name(msg))
		}
	}
}

// startUpload dispara o Sender em goroutine própria: a leitura do canal
// continua livre para receber complete/error enquanto o arquivo é enviado.
func (cm *ConnManager) startUpload(ch *transport.Channel, req *protocol.UploadRequest) {
	path := req.FilePath
	if path == "" {
		path = cm.cfg.Upload.DefaultFile
	}
	logger := cm.logger.With("upload_id", req.UploadID, "file_path", path)

	ctx, cancel := context.WithCancel(cm.ctx)
	up := &inflightUpload{
		id:      req.UploadID,
		path:    path,
		started: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	cm.mu.Lock()
	if _, dup := cm.inflight[req.UploadID]; dup {
		cm.mu.Unlock()
		cancel()
		logger.Warn("duplicate upload request ignored")
		return
	}
	cm.inflight[req.UploadID] = up
	cm.mu.Unlock()

	cm.uploadsStarted.Add(1)
	logger.Info("upload requested")

	cm.wg.Add(1)
	go func() {
		defer cm.wg.Done()
		res, err := cm.sender.Send(ctx, ch, req.UploadID, path)
		cm.bytesSent.Add(res.Bytes)
		up.result, up.err = res, err
		close(up.done)

		if err != nil {
			cm.finish(up, false)
			var te *TransferError
			if errors.As(err, &te) {
				logger.Warn("upload failed", "code", te.Code, "error", te.Err)
			} else {
				logger.Warn("upload aborted", "error", err)
			}
			return
		}
		logger.Info("upload sent, awaiting confirmation",
			"bytes", res.Bytes,
			"chunks", res.Chunks,
			"duration", time.Since(up.started).Round(time.Millisecond),
		)
	}()
}

// onComplete confere o checksum do server com o digest local.
func (cm *ConnManager) onComplete(m *protocol.Complete) {
	cm.mu.Lock()
	up := cm.inflight[m.UploadID]
	cm.mu.Unlock()

	if up == nil {
		cm.logger.Warn("complete for unknown upload ignored", "upload_id", m.UploadID)
		return
	}

	// A verificação espera o Sender retornar; não bloqueia a leitura do canal.
	cm.wg.Add(1)
	go func() {
		defer cm.wg.Done()
		logger := cm.logger.With("upload_id", up.id, "file_path", up.path)

		select {
		case <-up.done:
		case <-time.After(completeWait):
			logger.Warn("complete received before local transfer finished")
			cm.finish(up, false)
			return
		case <-cm.stopCh:
			return
		}

		if up.err != nil {
			return // já contabilizado pelo Sender
		}

		local := up.result.Digest
		ok := uint64(up.result.Bytes) == m.Size
		verified := m.Algorithm == "" || m.Algorithm == string(local.Algorithm)
		if verified && local.Hex != m.Checksum {
			ok = false
		}

		if !ok {
			logger.Error("upload confirmation mismatch",
				"local_size", up.result.Bytes,
				"remote_size", m.Size,
				"local_checksum", local.Hex,
				"remote_checksum", m.Checksum,
			)
			cm.finish(up, false)
			return
		}

		cm.finish(up, true)
		logger.Info("upload completed",
			"bytes", m.Size,
			"checksum", m.Checksum,
			"algorithm", m.Algorithm,
			"checksum_verified", verified,
			"duration", time.Since(up.started).Round(time.Millisecond),
		)
	}()
}

// onServerError trata error recebido do server. Um erro ligado a um upload em
// andamento aborta apenas esse upload; os demais são apenas registrados.
func (cm *ConnManager) onServerError(logger *slog.Logger, m *protocol.Error) {
	if m.UploadID == "" {
		if m.Code == protocol.CodeAuth {
			logger.Error("authentication rejected by server", "message", m.Message)
			return
		}
		logger.Warn("error from server", "code", m.Code, "message", m.Message)
		return
	}

	cm.mu.Lock()
	up := cm.inflight[m.UploadID]
	cm.mu.Unlock()

	if up == nil {
		logger.Warn("error for unknown upload ignored", "upload_id", m.UploadID, "code", m.Code, "message", m.Message)
		return
	}

	logger.Warn("server rejected upload", "upload_id", m.UploadID, "code", m.Code, "message", m.Message)
	up.cancel()
	cm.finish(up, false)
}

// finish remove o upload do mapa e contabiliza o resultado uma única vez.
func (cm *ConnManager) finish(up *inflightUpload, ok bool) {
	cm.mu.Lock()
	cur, present := cm.inflight[up.id]
	if present && cur == up {
		delete(cm.inflight, up.id)
	}
	cm.mu.Unlock()

	if !present || cur != up {
		return
	}
	up.cancel()
	if ok {
		cm.uploadsOK.Add(1)
	} else {
		cm.uploadsFailed.Add(1)
	}
}

// abortAll cancela os uploads da sessão encerrada.
func (cm *ConnManager) abortAll() {
	cm.mu.Lock()
	pending := make([]*inflightUpload, 0, len(cm.inflight))
	for _, up := range cm.inflight {
		pending = append(pending, up)
	}
	cm.mu.Unlock()

	for _, up := range pending {
		cm.finish(up, false)
	}
	if len(pending) > 0 {
		cm.logger.Warn("connection lost with uploads in progress", "aborted", len(pending))
	}
}
