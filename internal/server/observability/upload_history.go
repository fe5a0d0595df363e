// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import "sync"

// UploadHistoryRing é um ring buffer thread-safe para uploads finalizados.
type UploadHistoryRing struct {
	mu  sync.RWMutex
	buf []UploadSummary
	pos int
	cap int
	len int
}

// NewUploadHistoryRing cria um ring buffer com capacidade fixa.
func NewUploadHistoryRing(capacity int) *UploadHistoryRing {
	if capacity <= 0 {
		capacity = 100
	}
	return &UploadHistoryRing{
		buf: make([]UploadSummary, capacity),
		cap: capacity,
	}
}

// Push adiciona uma entrada ao ring buffer.
func (r *UploadHistoryRing) Push(e UploadSummary) {
	r.mu.Lock()
	r.buf[r.pos] = e
	r.pos = (r.pos + 1) % r.cap
	if r.len < r.cap {
		r.len++
	}
	r.mu.Unlock()
}

// Recent retorna as últimas N entradas em ordem cronológica (mais antigo primeiro).
func (r *UploadHistoryRing) Recent(limit int) []UploadSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.len
	if limit > 0 && limit < n {
		n = limit
	}
	if n == 0 {
		return []UploadSummary{}
	}

	result := make([]UploadSummary, n)
	start := (r.pos - n + r.cap) % r.cap
	for i := 0; i < n; i++ {
		result[i] = r.buf[(start+i)%r.cap]
	}
	return result
}

// Find procura um upload pelo ID, do mais recente para o mais antigo.
func (r *UploadHistoryRing) Find(uploadID string) (UploadSummary, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := 1; i <= r.len; i++ {
		e := r.buf[(r.pos-i+r.cap)%r.cap]
		if e.UploadID == uploadID {
			return e, true
		}
	}
	return UploadSummary{}, false
}
