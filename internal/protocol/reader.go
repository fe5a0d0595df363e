// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ReadMessage lê um frame completo de r e retorna a mensagem decodificada.
//
// io.EOF é retornado sem wrap quando o stream termina exatamente numa fronteira
// de frame. Erros que envolvem ErrInvalidMessage deixam o stream alinhado no
// próximo frame (ver IsRecoverable); os demais corrompem o stream.
func ReadMessage(r io.Reader) (Message, error) {
	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncatedFrame
		}
		return nil, fmt.Errorf("reading frame header: %w", err)
	}

	var magic [4]byte
	copy(magic[:], header[0:4])
	length := binary.BigEndian.Uint32(header[4:8])

	msg, ok := newMessage(magic)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMagic, string(magic[:]))
	}
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncatedFrame
		}
		return nil, fmt.Errorf("reading %s payload: %w", Name(msg), err)
	}

	if err := decMode.Unmarshal(payload, msg); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrInvalidMessage, Name(msg), err)
	}
	if err := msg.validate(); err != nil {
		return nil, err
	}
	return msg, nil
}

// IsRecoverable reporta se err veio de um frame bem delimitado porém inválido.
// O canal continua utilizável e o erro deve ser reportado como INTERNAL.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrInvalidMessage)
}
