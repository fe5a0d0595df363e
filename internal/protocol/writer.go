// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	// Core deterministic encoding: mesmo Message gera sempre os mesmos bytes.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:   reflect.TypeOf(map[string]any(nil)),
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxByteStringLen: MaxFrameSize,
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeFrame valida e serializa m em um frame completo (header + payload).
// O slice retornado não referencia a memória de m, então o chamador pode
// reutilizar buffers (ex: Chunk.Data) assim que EncodeFrame retornar.
func EncodeFrame(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}

	payload, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", Name(m), err)
	}
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	magic := m.magic()
	frame := make([]byte, FrameHeaderSize+len(payload))
	copy(frame[0:4], magic[:])
	binary.BigEndian.PutUint32(frame[4:8], uint32(len(payload)))
	copy(frame[FrameHeaderSize:], payload)
	return frame, nil
}

// WriteMessage escreve m como um único frame em w.
// Formato: [Magic 4B] [Length uint32 4B] [Payload CBOR]
func WriteMessage(w io.Writer, m Message) error {
	frame, err := EncodeFrame(m)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("writing %s frame: %w", Name(m), err)
	}
	return nil
}
