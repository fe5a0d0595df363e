// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/nishisan-dev/n-upload/internal/config"
	"github.com/pierrec/lz4/v4"
)

// sinkBufferSize é o tamanho do buffer de escrita em disco (1MB).
const sinkBufferSize = 1024 * 1024

// partSuffix marca sinks ainda não concluídos. Rotate nunca os considera.
const partSuffix = ".part"

// Sink recebe os bytes brutos de um upload, na ordem em que chegam.
// Os bytes vão para um arquivo temporário; só Commit o publica com o nome final.
type Sink interface {
	io.Writer
	// Close descarrega buffers e fecha o arquivo, que permanece com o sufixo .part.
	// Chamadas repetidas não fazem nada.
	Close() error
	// Commit fecha o sink e o renomeia para o nome final com timestamp, retornando o caminho final.
	Commit() (string, error)
	// Path retorna o caminho atual: o temporário até o Commit, o final depois dele.
	Path() string
}

// SinkOpener abre o sink de um novo upload.
type SinkOpener interface {
	Open(identity, uploadID string) (Sink, error)
}

// SinkFactory cria sinks em {output_dir}/{identity}/{upload_id}{ext}.part e, no Commit,
// os publica como {output_dir}/{identity}/{timestamp}-{upload_id[:8]}{ext}.
type SinkFactory struct {
	outputDir   string
	compression string
	ext         string
	now         func() time.Time
}

// NewSinkFactory cria uma SinkFactory a partir da seção storage da configuração.
func NewSinkFactory(cfg config.StorageInfo) *SinkFactory {
	return &SinkFactory{
		outputDir:   cfg.OutputDir,
		compression: cfg.Compression,
		ext:         cfg.FileExtension(),
		now:         time.Now,
	}
}

// Extension retorna a extensão usada nos sinks criados por esta factory.
func (f *SinkFactory) Extension() string {
	return f.ext
}

// ClientDir retorna o diretório dos sinks de um client.
func (f *SinkFactory) ClientDir(identity string) string {
	return filepath.Join(f.outputDir, identity)
}

// Open cria (ou trunca) o arquivo temporário do upload e o encadeia ao compressor configurado.
func (f *SinkFactory) Open(identity, uploadID string) (Sink, error) {
	if err := validateIdentity(identity); err != nil {
		return nil, err
	}
	if err := validateIdentity(uploadID); err != nil {
		return nil, fmt.Errorf("invalid upload id: %w", err)
	}

	dir := f.ClientDir(identity)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating client directory: %w", err)
	}

	path := filepath.Join(dir, uploadID+f.ext+partSuffix)
	if err := validatePathInBaseDir(f.outputDir, path); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating sink file: %w", err)
	}

	s := &fileSink{
		file:     file,
		bw:       bufio.NewWriterSize(file, sinkBufferSize),
		path:     path,
		uploadID: uploadID,
		factory:  f,
	}
	enc, err := newCompressor(s.bw, f.compression)
	if err != nil {
		file.Close()
		return nil, err
	}
	s.enc = enc
	return s, nil
}

// newCompressor cria o io.WriteCloser de compressão; nil significa bytes sem compressão.
func newCompressor(w io.Writer, compression string) (io.WriteCloser, error) {
	switch compression {
	case "gzip":
		gzWriter, err := pgzip.NewWriterLevel(w, pgzip.BestSpeed)
		if err != nil {
			return nil, fmt.Errorf("creating gzip writer: %w", err)
		}
		if err := gzWriter.SetConcurrency(1<<20, runtime.GOMAXPROCS(0)); err != nil {
			return nil, fmt.Errorf("configuring gzip concurrency: %w", err)
		}
		return gzWriter, nil
	case "zst":
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	case "lz4":
		return lz4.NewWriter(w), nil
	default:
		return nil, nil
	}
}

// finalPath monta o nome publicado de um sink. O timestamp é o do commit, então
// a ordem lexicográfica dos sinks de um client é a ordem de conclusão.
func (f *SinkFactory) finalPath(dir, uploadID string) string {
	timestamp := f.now().UTC().Format("2006-01-02T15-04-05.000")
	// Substitui ponto decimal por traço para portabilidade em FS
	timestamp = strings.ReplaceAll(timestamp, ".", "-")
	shortID := uploadID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}
	return filepath.Join(dir, fmt.Sprintf("%s-%s%s", timestamp, shortID, f.ext))
}

// fileSink grava em disco através de um bufio.Writer e, opcionalmente, de um compressor.
type fileSink struct {
	file      *os.File
	bw        *bufio.Writer
	enc       io.WriteCloser
	path      string
	uploadID  string
	factory   *SinkFactory
	closed    bool
	committed bool
}

func (s *fileSink) Write(p []byte) (int, error) {
	if s.closed {
		return 0, os.ErrClosed
	}
	if s.enc != nil {
		return s.enc.Write(p)
	}
	return s.bw.Write(p)
}

func (s *fileSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	if s.enc != nil {
		if err := s.enc.Close(); err != nil {
			firstErr = fmt.Errorf("closing compressor: %w", err)
		}
	}
	if err := s.bw.Flush(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("flushing sink: %w", err)
	}
	if err := s.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing sink file: %w", err)
	}
	return firstErr
}

// Commit publica o sink. Se o fechamento falhar, o arquivo fica com o sufixo .part.
func (s *fileSink) Commit() (string, error) {
	if s.committed {
		return s.path, nil
	}
	if s.closed {
		return "", os.ErrClosed
	}
	if err := s.Close(); err != nil {
		return "", err
	}

	final := s.factory.finalPath(filepath.Dir(s.path), s.uploadID)
	if err := os.Rename(s.path, final); err != nil {
		return "", fmt.Errorf("renaming sink to final name: %w", err)
	}
	s.path = final
	s.committed = true
	return final, nil
}

func (s *fileSink) Path() string {
	return s.path
}

// Rotate remove os sinks publicados excedentes de um client, mantendo os maxFiles
// mais recentes. Arquivos .part (uploads em andamento ou abandonados) não entram na conta.
// Retorna os nomes removidos.
func Rotate(clientDir string, maxFiles int, ext string) ([]string, error) {
	if maxFiles <= 0 {
		return nil, nil
	}

	entries, err := os.ReadDir(clientDir)
	if err != nil {
		return nil, fmt.Errorf("reading client directory: %w", err)
	}

	var sinks []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ext) {
			sinks = append(sinks, e.Name())
		}
	}

	// Ordena por nome (timestamp → ordem cronológica natural)
	sort.Strings(sinks)

	if len(sinks) <= maxFiles {
		return nil, nil
	}

	toRemove := sinks[:len(sinks)-maxFiles]
	for _, name := range toRemove {
		if err := os.Remove(filepath.Join(clientDir, name)); err != nil {
			return nil, fmt.Errorf("removing old sink %s: %w", name, err)
		}
	}
	return toRemove, nil
}
