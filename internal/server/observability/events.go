// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"sync"
	"time"
)

// EventRing é um ring buffer thread-safe para eventos operacionais.
// Armazena os últimos N eventos, descartando os mais antigos quando cheio,
// e repassa cada evento novo aos assinantes ativos.
type EventRing struct {
	mu  sync.RWMutex
	buf []EventEntry
	pos int // próxima posição de escrita
	cap int
	len int // quantos slots estão ocupados (max = cap)

	subMu  sync.Mutex
	subs   map[int]chan EventEntry
	nextID int
}

// NewEventRing cria um ring buffer com capacidade fixa.
func NewEventRing(capacity int) *EventRing {
	if capacity <= 0 {
		capacity = 100
	}
	return &EventRing{
		buf:  make([]EventEntry, capacity),
		cap:  capacity,
		subs: make(map[int]chan EventEntry),
	}
}

// Push adiciona um evento ao buffer, num esquema circular, e o entrega aos assinantes.
// Assinantes com o buffer cheio perdem o evento; Push nunca bloqueia.
func (r *EventRing) Push(e EventEntry) EventEntry {
	if e.Timestamp == "" {
		e.Timestamp = time.Now().Format(time.RFC3339)
	}
	r.mu.Lock()
	r.buf[r.pos] = e
	r.pos = (r.pos + 1) % r.cap
	if r.len < r.cap {
		r.len++
	}
	r.mu.Unlock()

	r.subMu.Lock()
	for _, ch := range r.subs {
		select {
		case ch <- e:
		default:
		}
	}
	r.subMu.Unlock()
	return e
}

// Recent retorna os últimos N eventos em ordem cronológica (mais antigo primeiro).
// Se limit <= 0 ou > len, retorna todos os eventos disponíveis.
func (r *EventRing) Recent(limit int) []EventEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.len
	if limit > 0 && limit < n {
		n = limit
	}
	if n == 0 {
		return []EventEntry{}
	}

	result := make([]EventEntry, n)
	// pos aponta para a PRÓXIMA posição de escrita.
	start := (r.pos - n + r.cap) % r.cap
	for i := 0; i < n; i++ {
		result[i] = r.buf[(start+i)%r.cap]
	}

	return result
}

// Len retorna o número de eventos armazenados.
func (r *EventRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.len
}

// Subscribe registra um assinante com buffer de size eventos.
// A função retornada cancela a assinatura e fecha o canal.
func (r *EventRing) Subscribe(size int) (<-chan EventEntry, func()) {
	if size <= 0 {
		size = 64
	}
	ch := make(chan EventEntry, size)

	r.subMu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = ch
	r.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subMu.Lock()
			delete(r.subs, id)
			r.subMu.Unlock()
			close(ch)
		})
	}
}

// PushEvent é um helper para criar e inserir um evento com campos comuns.
func (r *EventRing) PushEvent(level, eventType, client, message string) {
	r.Push(EventEntry{
		Level:   level,
		Type:    eventType,
		Client:  client,
		Message: message,
	})
}
