// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config carrega e valida os arquivos YAML do agent e do server.
package config

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseByteSize converte strings human-readable como "256mb", "1gb" para bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Do sufixo mais longo para o mais curto, para "mb" não casar como "b"
	suffixes := []struct {
		s string
		m int64
	}{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSpace(strings.TrimSuffix(s, sfx.s))
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			if num < 0 {
				return 0, fmt.Errorf("negative size %q", s)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	if num < 0 {
		return 0, fmt.Errorf("negative size %q", s)
	}
	return num, nil
}
