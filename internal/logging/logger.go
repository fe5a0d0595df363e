// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package logging constrói os loggers slog usados pelo agent, pelo server e pelo nupload-ctl.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// NewLogger cria um slog.Logger configurado com o nível, formato e output especificados.
// Formatos suportados: "json" (default) e "text".
// Níveis suportados: "debug", "info" (default), "warn", "error".
// Se filePath não for vazio, grava logs em stdout + file (MultiWriter); o diretório
// do arquivo é criado se necessário.
// Retorna o logger e um io.Closer que deve ser chamado no shutdown para fechar o arquivo.
// Se filePath for vazio, o Closer retornado é um no-op.
func NewLogger(level, format, filePath string) (*slog.Logger, io.Closer) {
	var w io.Writer = os.Stdout
	var closer io.Closer = io.NopCloser(strings.NewReader(""))

	if filePath != "" {
		f, err := openLogFile(filePath)
		if err != nil {
			// Se não conseguir abrir o arquivo, loga stderr e continua só com stdout
			fmt.Fprintf(os.Stderr, "WARNING: could not open log file %q: %v (logging to stdout only)\n", filePath, err)
		} else {
			w = io.MultiWriter(os.Stdout, f)
			closer = f
		}
	}

	return NewLoggerTo(w, level, format), closer
}

// NewLoggerTo cria um logger escrevendo em w. Usado pelo nupload-ctl (stderr)
// e pelos testes.
func NewLoggerTo(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// Discard retorna um logger que descarta tudo.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel converte o nível textual; valores desconhecidos resultam em INFO.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func openLogFile(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
}
