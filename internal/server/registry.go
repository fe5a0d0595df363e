// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nishisan-dev/n-upload/internal/logging"
	"github.com/nishisan-dev/n-upload/internal/protocol"
)

// ErrAuth indica um hello rejeitado (identity inválida ou segredo incorreto).
var ErrAuth = errors.New("server: authentication failed")

// Peer é o lado do server de um canal autenticável. Implementado por *transport.Channel.
type Peer interface {
	ID() string
	RemoteAddr() string
	Send(ctx context.Context, m protocol.Message) error
	Close() error
	CloseAfterFlush(timeout time.Duration) error
}

// EventPublisher recebe eventos operacionais (client conectado, upload concluído...).
type EventPublisher interface {
	PushEvent(level, eventType, client, message string)
}

type nopEvents struct{}

func (nopEvents) PushEvent(string, string, string, string) {}

// ClientInfo descreve um client registrado.
type ClientInfo struct {
	Identity    string
	ChannelID   string
	RemoteAddr  string
	ConnectedAt time.Time
}

type clientEntry struct {
	peer Peer
	info ClientInfo
}

// Registry mapeia identity → canal autenticado. No máximo um canal por identity:
// um novo hello substitui (e fecha) o canal anterior.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*clientEntry

	secret       []byte
	flushTimeout time.Duration
	logger       *slog.Logger
	events       EventPublisher
	metrics      *Metrics
}

// NewRegistry cria um Registry que valida hellos contra secret.
// flushTimeout limita o tempo para entregar o erro AUTH antes de fechar o canal.
func NewRegistry(secret string, flushTimeout time.Duration, logger *slog.Logger, events EventPublisher, metrics *Metrics) *Registry {
	if logger == nil {
		logger = logging.Discard()
	}
	if events == nil {
		events = nopEvents{}
	}
	if flushTimeout <= 0 {
		flushTimeout = 5 * time.Second
	}
	return &Registry{
		clients:      make(map[string]*clientEntry),
		secret:       []byte(secret),
		flushTimeout: flushTimeout,
		logger:       logger,
		events:       events,
		metrics:      metrics,
	}
}

// OnHello autentica peer como identity.
//
// Em caso de falha envia error{AUTH}, fecha o canal após o flush e retorna um erro
// que satisfaz errors.Is(err, ErrAuth); nenhuma entrada é criada. Em caso de sucesso
// a entrada é inserida (ou sobrescrita, fechando o canal anterior) e ready{identity}
// é enviado.
func (r *Registry) OnHello(ctx context.Context, peer Peer, identity, secret string) error {
	if reason := r.reject(identity, secret); reason != "" {
		r.metrics.authFailed()
		if err := peer.Send(ctx, &protocol.Error{Code: protocol.CodeAuth, Message: "authentication failed"}); err != nil {
			r.logger.Debug("sending auth error", "remote", peer.RemoteAddr(), "error", err)
		}
		peer.CloseAfterFlush(r.flushTimeout)

		r.logger.Warn("hello rejected", "remote", peer.RemoteAddr(), "client_id", identity, "reason", reason)
		r.events.PushEvent("warn", "auth_rejected", identity, fmt.Sprintf("hello from %s rejected: %s", peer.RemoteAddr(), reason))
		return fmt.Errorf("%w: %s", ErrAuth, reason)
	}

	entry := &clientEntry{
		peer: peer,
		info: ClientInfo{
			Identity:    identity,
			ChannelID:   peer.ID(),
			RemoteAddr:  peer.RemoteAddr(),
			ConnectedAt: time.Now(),
		},
	}

	r.mu.Lock()
	old := r.clients[identity]
	r.clients[identity] = entry
	r.mu.Unlock()

	if old != nil && old.peer.ID() != peer.ID() {
		old.peer.Close()
		r.logger.Info("client replaced",
			"client_id", identity,
			"old_remote", old.info.RemoteAddr,
			"remote", peer.RemoteAddr(),
		)
		r.events.PushEvent("info", "client_replaced", identity, fmt.Sprintf("channel from %s replaced by %s", old.info.RemoteAddr, peer.RemoteAddr()))
	}

	if err := peer.Send(ctx, &protocol.Ready{Identity: identity}); err != nil {
		return fmt.Errorf("sending ready: %w", err)
	}

	r.logger.Info("client connected", "client_id", identity, "remote", peer.RemoteAddr())
	r.events.PushEvent("info", "client_connected", identity, "connected from "+peer.RemoteAddr())
	return nil
}

// reject retorna o motivo da rejeição, ou "" se o hello é válido.
func (r *Registry) reject(identity, secret string) string {
	if identity == "" {
		return "empty identity"
	}
	if subtle.ConstantTimeCompare([]byte(secret), r.secret) != 1 {
		return "invalid secret"
	}
	if err := validateIdentity(identity); err != nil {
		return err.Error()
	}
	return ""
}

// OnDisconnect remove a entrada de peer, apenas se ela ainda aponta para ele.
// Retorna true se a entrada foi removida.
func (r *Registry) OnDisconnect(peer Peer) bool {
	r.mu.Lock()
	var removed *clientEntry
	for identity, e := range r.clients {
		if e.peer.ID() == peer.ID() {
			removed = e
			delete(r.clients, identity)
			break
		}
	}
	r.mu.Unlock()

	if removed == nil {
		return false
	}
	r.logger.Info("client disconnected", "client_id", removed.info.Identity, "remote", removed.info.RemoteAddr)
	r.events.PushEvent("info", "client_disconnected", removed.info.Identity, "disconnected from "+removed.info.RemoteAddr)
	return true
}

// Lookup retorna o canal atual de identity. A ausência é um resultado normal.
func (r *Registry) Lookup(identity string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.clients[identity]
	if !ok {
		return nil, false
	}
	return e.peer, true
}

// Clients retorna os clients registrados ordenados por identity.
func (r *Registry) Clients() []ClientInfo {
	r.mu.RLock()
	out := make([]ClientInfo, 0, len(r.clients))
	for _, e := range r.clients {
		out = append(out, e.info)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// Len retorna o número de clients registrados.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
