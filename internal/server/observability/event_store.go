// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// EventStore combina um EventRing (in-memory) com persistência opcional em arquivo JSONL.
// Cada Push() faz append de uma linha JSON ao arquivo. No startup, as últimas
// entradas são carregadas para popular o ring buffer.
//
// Rotação: quando o arquivo excede maxLines, reescreve mantendo as últimas
// maxLines/2 linhas.
type EventStore struct {
	ring      *EventRing
	file      *os.File // nil = somente memória
	mu        sync.Mutex
	maxLines  int
	lineCount int
	path      string
}

// NewEventStore abre (ou cria) o arquivo JSONL e carrega as últimas entradas
// para popular o ring buffer. Com path vazio os eventos ficam apenas em memória.
func NewEventStore(path string, ringCap, maxLines int) (*EventStore, error) {
	if maxLines <= 0 {
		maxLines = 10000
	}

	ring := NewEventRing(ringCap)
	if path == "" {
		return &EventStore{ring: ring, maxLines: maxLines}, nil
	}

	entries, lineCount, err := loadJSONL(path)
	if err != nil {
		return nil, fmt.Errorf("loading events file: %w", err)
	}

	// Popula o ring com as últimas entradas (limitado pela capacidade)
	start := 0
	if len(entries) > ring.cap {
		start = len(entries) - ring.cap
	}
	for _, e := range entries[start:] {
		ring.Push(e)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating events directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening events file for append: %w", err)
	}

	return &EventStore{
		ring:      ring,
		file:      f,
		maxLines:  maxLines,
		lineCount: lineCount,
		path:      path,
	}, nil
}

// loadJSONL lê o arquivo JSONL e retorna todos os EventEntry válidos.
// Linhas malformadas são ignoradas.
func loadJSONL(path string) ([]EventEntry, int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	defer f.Close()

	var entries []EventEntry
	lineCount := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		lineCount++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e EventEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}

	return entries, lineCount, scanner.Err()
}

// Push adiciona um evento ao ring buffer e o persiste no arquivo JSONL.
func (s *EventStore) Push(e EventEntry) {
	filled := s.ring.Push(e)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return
	}

	data, err := json.Marshal(filled)
	if err != nil {
		return
	}
	if _, err := s.file.Write(append(data, '\n')); err != nil {
		return
	}

	s.lineCount++
	if s.lineCount > s.maxLines {
		s.rotate()
	}
}

// PushEvent é um helper para criar e inserir um evento com campos comuns.
func (s *EventStore) PushEvent(level, eventType, client, message string) {
	s.Push(EventEntry{
		Level:   level,
		Type:    eventType,
		Client:  client,
		Message: message,
	})
}

// Recent retorna os últimos N eventos em ordem cronológica (mais antigo primeiro).
func (s *EventStore) Recent(limit int) []EventEntry {
	return s.ring.Recent(limit)
}

// Subscribe assina os eventos novos. Ver EventRing.Subscribe.
func (s *EventStore) Subscribe(size int) (<-chan EventEntry, func()) {
	return s.ring.Subscribe(size)
}

// Len retorna o número de eventos no ring buffer in-memory.
func (s *EventStore) Len() int {
	return s.ring.Len()
}

// Close fecha o arquivo JSONL, se houver.
func (s *EventStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// rotate mantém as últimas maxLines/2 linhas do arquivo.
// Deve ser chamada com s.mu já travado.
func (s *EventStore) rotate() {
	keep := s.maxLines / 2

	entries, _, err := loadJSONL(s.path)
	if err != nil || len(entries) <= keep {
		return
	}
	entries = entries[len(entries)-keep:]

	s.file.Close()

	f, err := os.Create(s.path)
	if err != nil {
		// Tenta reabrir em modo append para não perder o handle
		s.file, _ = os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		return
	}

	w := bufio.NewWriter(f)
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			continue
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	w.Flush()
	f.Close()

	s.file, err = os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		s.file = nil
		return
	}
	s.lineCount = len(entries)
}
