// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package protocol implementa o protocolo de mensagens NUpload trocado entre
// agent e server sobre um canal TCP(+TLS) persistente e full-duplex.
//
// Cada frame tem o formato:
//
//	[Magic 4B] [Length uint32 4B big-endian] [Payload CBOR Length bytes]
//
// O magic identifica a variante da mensagem; o payload carrega seus campos.
package protocol

import "errors"

// Magic bytes para identificação das variantes de mensagem.
var (
	MagicHello         = [4]byte{'H', 'E', 'L', 'O'}
	MagicReady         = [4]byte{'R', 'E', 'D', 'Y'}
	MagicUploadRequest = [4]byte{'U', 'R', 'E', 'Q'}
	MagicChunk         = [4]byte{'C', 'H', 'N', 'K'}
	MagicComplete      = [4]byte{'C', 'M', 'P', 'L'}
	MagicError         = [4]byte{'E', 'R', 'R', 'R'}
)

// FrameHeaderSize é o tamanho do cabeçalho de frame: Magic(4B) + Length(4B).
const FrameHeaderSize = 8

// MaxFrameSize limita o payload aceito por frame (16MB de dados + overhead CBOR).
const MaxFrameSize = 16*1024*1024 + 4096

// Erros do protocolo.
var (
	ErrInvalidMagic   = errors.New("protocol: invalid magic bytes")
	ErrTruncatedFrame = errors.New("protocol: truncated frame")
	ErrFrameTooLarge  = errors.New("protocol: frame exceeds maximum size")
	ErrInvalidMessage = errors.New("protocol: invalid message")
)

// ErrorCode é a enumeração fechada de códigos de erro transportados por Error.
type ErrorCode string

const (
	CodeAuth     ErrorCode = "AUTH"      // secret inválido ou identity vazia no hello
	CodeNotFound ErrorCode = "NOT_FOUND" // upload desconhecido ou arquivo inexistente no client
	CodeIO       ErrorCode = "IO"        // falha local de leitura/escrita
	CodeInternal ErrorCode = "INTERNAL"  // falha inesperada de codec/validação
)

// Valid reporta se o código pertence à enumeração.
func (c ErrorCode) Valid() bool {
	switch c {
	case CodeAuth, CodeNotFound, CodeIO, CodeInternal:
		return true
	}
	return false
}

// Message é a união fechada das seis variantes do protocolo.
// Apenas os tipos deste pacote a implementam.
type Message interface {
	magic() [4]byte
	validate() error
}

// Hello é a primeira mensagem do agent após conectar (Agent → Server).
type Hello struct {
	Identity string `cbor:"client_id"`
	Secret   string `cbor:"secret"`
}

// Ready confirma a autenticação do hello (Server → Agent).
type Ready struct {
	Identity string `cbor:"client_id"`
}

// UploadRequest pede ao agent que envie um arquivo (Server → Agent).
// FilePath vazio faz o agent usar seu arquivo default.
type UploadRequest struct {
	UploadID string `cbor:"upload_id"`
	FilePath string `cbor:"file_path"`
}

// Chunk carrega um fragmento do arquivo (Agent → Server).
// Apenas o chunk terminal (Last) pode ter Data vazio.
type Chunk struct {
	UploadID string `cbor:"upload_id"`
	Seq      uint64 `cbor:"seq"`
	Data     []byte `cbor:"data"`
	Last     bool   `cbor:"last"`
}

// Complete informa tamanho e checksum finais de um upload (Server → Agent).
type Complete struct {
	UploadID  string `cbor:"upload_id"`
	Size      uint64 `cbor:"size"`
	Checksum  string `cbor:"checksum"`
	Algorithm string `cbor:"algorithm,omitempty"`
}

// Error reporta uma falha em qualquer direção. UploadID é opcional.
type Error struct {
	UploadID string    `cbor:"upload_id,omitempty"`
	Code     ErrorCode `cbor:"code"`
	Message  string    `cbor:"message"`
}

func (*Hello) magic() [4]byte         { return MagicHello }
func (*Ready) magic() [4]byte         { return MagicReady }
func (*UploadRequest) magic() [4]byte { return MagicUploadRequest }
func (*Chunk) magic() [4]byte         { return MagicChunk }
func (*Complete) magic() [4]byte      { return MagicComplete }
func (*Error) magic() [4]byte         { return MagicError }

// Error implementa a interface error para facilitar o log de erros remotos.
func (e *Error) Error() string {
	if e.UploadID != "" {
		return string(e.Code) + ": " + e.Message + " (upload " + e.UploadID + ")"
	}
	return string(e.Code) + ": " + e.Message
}

// newMessage retorna uma instância vazia da variante identificada pelo magic.
func newMessage(magic [4]byte) (Message, bool) {
	switch magic {
	case MagicHello:
		return &Hello{}, true
	case MagicReady:
		return &Ready{}, true
	case MagicUploadRequest:
		return &UploadRequest{}, true
	case MagicChunk:
		return &Chunk{}, true
	case MagicComplete:
		return &Complete{}, true
	case MagicError:
		return &Error{}, true
	}
	return nil, false
}

// Name retorna o nome da variante, usado em logs.
func Name(m Message) string {
	switch m.(type) {
	case *Hello:
		return "hello"
	case *Ready:
		return "ready"
	case *UploadRequest:
		return "upload_request"
	case *Chunk:
		return "chunk"
	case *Complete:
		return "complete"
	case *Error:
		return "error"
	}
	return "unknown"
}
