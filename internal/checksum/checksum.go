// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package checksum fornece o acumulador de integridade usado por agent e server.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"

	"github.com/zeebo/blake3"
)

// Algorithm identifica a função de hash usada no checksum de um upload.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

// ErrFinalized é retornado ao usar um acumulador já finalizado.
var ErrFinalized = errors.New("checksum: accumulator already finalized")

// Parse converte a string de configuração em Algorithm. Vazio resolve para SHA256.
func Parse(s string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(s))) {
	case "", SHA256:
		return SHA256, nil
	case BLAKE3:
		return BLAKE3, nil
	}
	return "", fmt.Errorf("unknown checksum algorithm %q (expected sha256 or blake3)", s)
}

func (a Algorithm) newHash() hash.Hash {
	if a == BLAKE3 {
		return blake3.New()
	}
	return sha256.New()
}

// Digest é o resultado final de um acumulador.
type Digest struct {
	Algorithm Algorithm
	Size      int64
	Hex       string
}

// Accumulator acumula bytes de um upload na ordem recebida e é finalizado uma única vez.
// Não é thread-safe: o dono do upload serializa os Fold.
type Accumulator struct {
	alg  Algorithm
	h    hash.Hash
	size int64
	done bool
}

// NewAccumulator cria um acumulador zerado.
func NewAccumulator(alg Algorithm) *Accumulator {
	return &Accumulator{alg: alg, h: alg.newHash()}
}

// Fold incorpora p ao checksum e ao contador de bytes.
func (a *Accumulator) Fold(p []byte) error {
	if a.done {
		return ErrFinalized
	}
	a.h.Write(p) // hash.Hash.Write nunca retorna erro
	a.size += int64(len(p))
	return nil
}

// Size retorna o total de bytes acumulados.
func (a *Accumulator) Size() int64 {
	return a.size
}

// Algorithm retorna o algoritmo do acumulador.
func (a *Accumulator) Algorithm() Algorithm {
	return a.alg
}

// Finalize calcula o digest final. Chamadas subsequentes retornam ErrFinalized.
func (a *Accumulator) Finalize() (Digest, error) {
	if a.done {
		return Digest{}, ErrFinalized
	}
	a.done = true
	return Digest{
		Algorithm: a.alg,
		Size:      a.size,
		Hex:       hex.EncodeToString(a.h.Sum(nil)),
	}, nil
}

// Sum calcula o digest hexadecimal de p de uma só vez.
func Sum(alg Algorithm, p []byte) string {
	h := alg.newHash()
	h.Write(p)
	return hex.EncodeToString(h.Sum(nil))
}
