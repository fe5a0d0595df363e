// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/nishisan-dev/n-upload/internal/checksum"
	"github.com/nishisan-dev/n-upload/internal/config"
	"github.com/nishisan-dev/n-upload/internal/protocol"
)

// Outbound é o lado de escrita do canal usado pelo Sender.
// Send deve bloquear enquanto a fila de saída estiver cheia.
type Outbound interface {
	Send(ctx context.Context, m protocol.Message) error
}

// TransferError descreve uma falha de upload já reportada ao server
// através de um frame error{upload_id, code}.
type TransferError struct {
	Code protocol.ErrorCode
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer failed (%s): %v", e.Code, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// errOutsideRoots indica um caminho fora de upload.allowed_roots.
var errOutsideRoots = errors.New("path outside allowed roots")

// SendResult resume um upload enviado até o chunk terminal.
type SendResult struct {
	Bytes  int64
	Chunks uint64 // inclui o chunk terminal
	Digest checksum.Digest
}

// Sender lê um arquivo local e o transmite como sequência de chunks.
type Sender struct {
	chunkSize    int
	allowedRoots []string
	bandwidth    int64
	alg          checksum.Algorithm
	logger       *slog.Logger
}

// NewSender cria um Sender a partir da seção upload da configuração.
func NewSender(cfg config.UploadInfo, logger *slog.Logger) *Sender {
	chunkSize := int(cfg.ChunkSizeRaw)
	if chunkSize <= 0 {
		chunkSize = config.DefaultChunkSize
	}
	alg := cfg.ChecksumAlg
	if alg == "" {
		alg = checksum.SHA256
	}
	return &Sender{
		chunkSize:    chunkSize,
		allowedRoots: cfg.AllowedRoots,
		bandwidth:    cfg.BandwidthLimitRaw,
		alg:          alg,
		logger:       logger,
	}
}

// Send transmite o arquivo em path como o upload uploadID.
//
// Falhas ao abrir o arquivo são reportadas com error{upload_id, NOT_FOUND|IO}
// sem nenhum chunk enviado. Erros de leitura no meio do arquivo são reportados
// com error{upload_id, IO} e abortam apenas este upload. Em ambos os casos o
// erro retornado é um *TransferError. Erros do próprio canal são retornados
// sem notificação, já que o canal não pode mais entregá-la.
func (s *Sender) Send(ctx context.Context, out Outbound, uploadID, path string) (SendResult, error) {
	var res SendResult

	f, err := s.open(path)
	if err != nil {
		code := protocol.CodeIO
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, errOutsideRoots) {
			code = protocol.CodeNotFound
		}
		return res, s.fail(ctx, out, uploadID, code, err)
	}
	defer f.Close()

	acc := checksum.NewAccumulator(s.alg)
	reader := NewThrottledReader(ctx, f, s.bandwidth)
	buf := make([]byte, s.chunkSize)
	var seq uint64

	for {
		n, rerr := io.ReadFull(reader, buf)
		if n > 0 {
			// Send serializa o frame antes de retornar: buf pode ser reutilizado
			if err := out.Send(ctx, &protocol.Chunk{UploadID: uploadID, Seq: seq, Data: buf[:n]}); err != nil {
				return res, fmt.Errorf("sending chunk %d: %w", seq, err)
			}
			acc.Fold(buf[:n])
			seq++
			res.Bytes += int64(n)
		}

		if rerr == nil {
			continue
		}
		if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
			break
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, s.fail(ctx, out, uploadID, protocol.CodeIO, fmt.Errorf("reading %s: %w", path, rerr))
	}

	if err := out.Send(ctx, &protocol.Chunk{UploadID: uploadID, Seq: seq, Last: true}); err != nil {
		return res, fmt.Errorf("sending terminal chunk: %w", err)
	}
	res.Chunks = seq + 1

	digest, err := acc.Finalize()
	if err != nil {
		return res, err
	}
	res.Digest = digest
	return res, nil
}

// open valida o caminho contra allowed_roots e abre o arquivo regular.
func (s *Sender) open(path string) (*os.File, error) {
	if path == "" {
		return nil, fmt.Errorf("empty file path: %w", fs.ErrNotExist)
	}
	if !s.allowed(path) {
		return nil, fmt.Errorf("%s: %w", path, errOutsideRoots)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}
	return f, nil
}

func (s *Sender) allowed(path string) bool {
	if len(s.allowedRoots) == 0 {
		return true
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	for _, root := range s.allowedRoots {
		rel, err := filepath.Rel(root, abs)
		if err != nil {
			continue
		}
		if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
			return true
		}
	}
	return false
}

// fail reporta o erro ao server e retorna o *TransferError correspondente.
func (s *Sender) fail(ctx context.Context, out Outbound, uploadID string, code protocol.ErrorCode, cause error) error {
	msg := &protocol.Error{UploadID: uploadID, Code: code, Message: cause.Error()}
	if err := out.Send(ctx, msg); err != nil {
		s.logger.Warn("failed to report upload error", "upload_id", uploadID, "code", code, "error", err)
	}
	return &TransferError{Code: code, Err: cause}
}
