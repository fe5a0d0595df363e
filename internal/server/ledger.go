// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nishisan-dev/n-upload/internal/checksum"
	"github.com/nishisan-dev/n-upload/internal/logging"
)

// UploadState é o estado de um upload no ledger. Transições são de mão única:
// PENDING → IN_PROGRESS → {COMPLETED | FAILED}.
type UploadState string

const (
	StatePending    UploadState = "PENDING"
	StateInProgress UploadState = "IN_PROGRESS"
	StateCompleted  UploadState = "COMPLETED"
	StateFailed     UploadState = "FAILED"
)

// Terminal indica se o estado é final.
func (s UploadState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// EventKind classifica o resultado de OnChunk.
type EventKind int

const (
	// EventUnknown: upload_id desconhecido ou de outro canal; nada foi alterado.
	EventUnknown EventKind = iota
	// EventProgress: chunk aplicado, upload segue aberto.
	EventProgress
	// EventComplete: chunk terminal aplicado, digest finalizado.
	EventComplete
	// EventFailed: falha ao gravar no sink; o upload foi encerrado como FAILED.
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventComplete:
		return "complete"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// LedgerEvent é o resultado de aplicar um chunk.
type LedgerEvent struct {
	Kind   EventKind
	Digest checksum.Digest // preenchido em EventComplete
	Err    error           // preenchido em EventFailed
}

// UploadInfo é uma cópia somente leitura do estado de um upload.
type UploadInfo struct {
	UploadID   string
	ClientID   string
	FilePath   string
	SinkPath   string // .part enquanto ativo ou após falha; nome final após COMPLETED
	State      UploadState
	Bytes      int64
	Chunks     uint64
	Digest     checksum.Digest
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	FinishedAt time.Time
}

// LedgerOptions configura um Ledger.
type LedgerOptions struct {
	Algorithm    checksum.Algorithm
	UploadLogDir string // vazio = sem log por upload
	Logger       *slog.Logger
	// OnFinish é chamado, fora dos locks, uma vez por upload que atinge estado terminal.
	OnFinish func(UploadInfo)
}

// Ledger rastreia os uploads em andamento. Entradas terminais são removidas do mapa.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]*uploadEntry

	sinks        SinkOpener
	alg          checksum.Algorithm
	uploadLogDir string
	logger       *slog.Logger
	onFinish     func(UploadInfo)
	now          func() time.Time
}

// uploadEntry guarda um upload. mu serializa a aplicação dos chunks na ordem de recebimento.
type uploadEntry struct {
	mu        sync.Mutex
	info      UploadInfo
	owner     string // ID do canal que recebeu o upload_request
	sink      Sink
	acc       *checksum.Accumulator
	nextSeq   uint64
	logger    *slog.Logger
	logCloser io.Closer
}

// NewLedger cria um Ledger que abre sinks através de sinks.
func NewLedger(sinks SinkOpener, opts LedgerOptions) *Ledger {
	alg := opts.Algorithm
	if alg == "" {
		alg = checksum.SHA256
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Ledger{
		entries:      make(map[string]*uploadEntry),
		sinks:        sinks,
		alg:          alg,
		uploadLogDir: opts.UploadLogDir,
		logger:       logger,
		onFinish:     opts.OnFinish,
		now:          time.Now,
	}
}

// Create registra um novo upload PENDING para identity, pertencente ao canal owner.
// Um sink novo é aberto (ou truncado) e o acumulador de checksum começa zerado.
func (l *Ledger) Create(identity, owner, filePath string) (string, error) {
	id := uuid.NewString()

	sink, err := l.sinks.Open(identity, id)
	if err != nil {
		return "", fmt.Errorf("opening sink: %w", err)
	}

	logger, closer, _, err := logging.NewUploadLogger(l.logger, l.uploadLogDir, identity, id)
	if err != nil {
		l.logger.Warn("upload log unavailable", "client_id", identity, "upload_id", id, "error", err)
		logger, closer = l.logger.With("client_id", identity, "upload_id", id), io.NopCloser(nil)
	}

	now := l.now()
	e := &uploadEntry{
		info: UploadInfo{
			UploadID:  id,
			ClientID:  identity,
			FilePath:  filePath,
			SinkPath:  sink.Path(),
			State:     StatePending,
			CreatedAt: now,
			UpdatedAt: now,
		},
		owner:     owner,
		sink:      sink,
		acc:       checksum.NewAccumulator(l.alg),
		logger:    logger,
		logCloser: closer,
	}

	l.mu.Lock()
	l.entries[id] = e
	l.mu.Unlock()

	logger.Info("upload created", "file_path", filePath, "sink", sink.Path())
	return id, nil
}

// OnChunk aplica um chunk recebido pelo canal owner.
//
// Um upload_id desconhecido, já encerrado, ou pertencente a outro canal resulta
// em EventUnknown sem nenhuma alteração. Com last=true o digest é finalizado,
// o upload vira COMPLETED e sai do ledger.
func (l *Ledger) OnChunk(owner, uploadID string, seq uint64, data []byte, last bool) LedgerEvent {
	l.mu.Lock()
	e, ok := l.entries[uploadID]
	l.mu.Unlock()
	if !ok || e.owner != owner {
		return LedgerEvent{Kind: EventUnknown}
	}

	e.mu.Lock()
	if e.info.State.Terminal() {
		// Abandonado entre o lookup e o lock
		e.mu.Unlock()
		return LedgerEvent{Kind: EventUnknown}
	}

	if e.info.State == StatePending {
		e.info.State = StateInProgress
		e.logger.Debug("upload in progress")
	}
	if seq != e.nextSeq {
		e.logger.Debug("unexpected chunk sequence", "expected", e.nextSeq, "seq", seq)
	}
	e.nextSeq = seq + 1
	e.info.Chunks++
	e.info.UpdatedAt = l.now()

	if len(data) > 0 {
		if _, err := e.sink.Write(data); err != nil {
			info := l.failLocked(e, fmt.Errorf("writing sink: %w", err))
			e.mu.Unlock()
			l.remove(uploadID, e)
			l.finish(info)
			return LedgerEvent{Kind: EventFailed, Err: err}
		}
		e.acc.Fold(data)
		e.info.Bytes += int64(len(data))
	}

	if !last {
		e.mu.Unlock()
		return LedgerEvent{Kind: EventProgress}
	}

	final, err := e.sink.Commit()
	if err != nil {
		info := l.failLocked(e, err)
		e.mu.Unlock()
		l.remove(uploadID, e)
		l.finish(info)
		return LedgerEvent{Kind: EventFailed, Err: err}
	}

	e.info.SinkPath = final

	digest, err := e.acc.Finalize()
	if err != nil {
		info := l.failLocked(e, err)
		e.mu.Unlock()
		l.remove(uploadID, e)
		l.finish(info)
		return LedgerEvent{Kind: EventFailed, Err: err}
	}

	e.info.State = StateCompleted
	e.info.Digest = digest
	e.info.FinishedAt = e.info.UpdatedAt
	e.logger.Info("upload completed",
		"bytes", digest.Size,
		"chunks", e.info.Chunks,
		"checksum", digest.Hex,
		"algorithm", digest.Algorithm,
		"duration", e.info.FinishedAt.Sub(e.info.CreatedAt).Round(time.Millisecond).String(),
	)
	e.logCloser.Close()
	if l.uploadLogDir != "" {
		logging.RemoveUploadLog(l.uploadLogDir, e.info.ClientID, uploadID)
	}
	info := e.info
	e.mu.Unlock()

	l.remove(uploadID, e)
	l.finish(info)
	return LedgerEvent{Kind: EventComplete, Digest: digest}
}

// Abandon encerra o upload como FAILED, sem digest. Os bytes já gravados permanecem no arquivo .part.
// Retorna false se o upload não existe (ou já terminou).
func (l *Ledger) Abandon(uploadID string, cause error) bool {
	return l.abandon(uploadID, "", cause)
}

// AbandonOwned é como Abandon, mas só age se o upload pertence ao canal owner.
func (l *Ledger) AbandonOwned(owner, uploadID string, cause error) bool {
	if owner == "" {
		return false
	}
	return l.abandon(uploadID, owner, cause)
}

func (l *Ledger) abandon(uploadID, owner string, cause error) bool {
	l.mu.Lock()
	e, ok := l.entries[uploadID]
	if !ok || (owner != "" && e.owner != owner) {
		l.mu.Unlock()
		return false
	}
	delete(l.entries, uploadID)
	l.mu.Unlock()

	e.mu.Lock()
	if e.info.State.Terminal() {
		e.mu.Unlock()
		return false
	}
	info := l.failLocked(e, cause)
	e.mu.Unlock()

	l.finish(info)
	return true
}

// AbandonOwner abandona todos os uploads do canal owner e retorna seus IDs.
func (l *Ledger) AbandonOwner(owner string, cause error) []string {
	l.mu.Lock()
	var owned []*uploadEntry
	for id, e := range l.entries {
		if e.owner == owner {
			owned = append(owned, e)
			delete(l.entries, id)
		}
	}
	l.mu.Unlock()

	var ids []string
	for _, e := range owned {
		e.mu.Lock()
		if e.info.State.Terminal() {
			e.mu.Unlock()
			continue
		}
		info := l.failLocked(e, cause)
		e.mu.Unlock()
		ids = append(ids, info.UploadID)
		l.finish(info)
	}
	sort.Strings(ids)
	return ids
}

// Get retorna uma cópia do estado de um upload ainda no ledger.
func (l *Ledger) Get(uploadID string) (UploadInfo, bool) {
	l.mu.Lock()
	e, ok := l.entries[uploadID]
	l.mu.Unlock()
	if !ok {
		return UploadInfo{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info, true
}

// Snapshot retorna os uploads ativos ordenados por criação.
func (l *Ledger) Snapshot() []UploadInfo {
	l.mu.Lock()
	entries := make([]*uploadEntry, 0, len(l.entries))
	for _, e := range l.entries {
		entries = append(entries, e)
	}
	l.mu.Unlock()

	out := make([]UploadInfo, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.info)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].UploadID < out[j].UploadID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len retorna o número de uploads ativos.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// failLocked marca o upload como FAILED e libera o sink. Deve ser chamada com e.mu travado.
func (l *Ledger) failLocked(e *uploadEntry, cause error) UploadInfo {
	if cause == nil {
		cause = errors.New("upload abandoned")
	}
	e.info.State = StateFailed
	e.info.Error = cause.Error()
	e.info.FinishedAt = l.now()
	if err := e.sink.Close(); err != nil {
		e.logger.Debug("closing partial sink", "error", err)
	}
	e.logger.Warn("upload failed", "bytes", e.info.Bytes, "chunks", e.info.Chunks, "error", cause)
	// O log por upload é mantido em caso de falha
	e.logCloser.Close()
	return e.info
}

func (l *Ledger) remove(uploadID string, e *uploadEntry) {
	l.mu.Lock()
	if l.entries[uploadID] == e {
		delete(l.entries, uploadID)
	}
	l.mu.Unlock()
}

func (l *Ledger) finish(info UploadInfo) {
	if l.onFinish != nil {
		l.onFinish(info)
	}
}
