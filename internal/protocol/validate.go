// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import "fmt"

// Validate verifica apenas a validade estrutural de m.
// Não interpreta significado de negócio (ex: se o upload existe).
func Validate(m Message) error {
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	return m.validate()
}

func invalid(kind, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidMessage, kind, fmt.Sprintf(format, args...))
}

func (h *Hello) validate() error {
	// identity vazia é estruturalmente válida; o registry a rejeita com AUTH.
	return nil
}

func (r *Ready) validate() error {
	if r.Identity == "" {
		return invalid("ready", "client_id is required")
	}
	return nil
}

func (u *UploadRequest) validate() error {
	if u.UploadID == "" {
		return invalid("upload_request", "upload_id is required")
	}
	return nil
}

func (c *Chunk) validate() error {
	if c.UploadID == "" {
		return invalid("chunk", "upload_id is required")
	}
	if !c.Last && len(c.Data) == 0 {
		return invalid("chunk", "empty payload on non-terminal chunk %d", c.Seq)
	}
	return nil
}

func (c *Complete) validate() error {
	if c.UploadID == "" {
		return invalid("complete", "upload_id is required")
	}
	if c.Checksum == "" {
		return invalid("complete", "checksum is required")
	}
	return nil
}

func (e *Error) validate() error {
	if !e.Code.Valid() {
		return invalid("error", "unknown code %q", string(e.Code))
	}
	return nil
}
