// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"fmt"
	"path/filepath"
	"strings"
)

// maxIdentityLength é o comprimento máximo permitido para o client_id.
const maxIdentityLength = 255

// validateIdentity valida que o client_id anunciado no hello é seguro para uso
// como componente de caminho em {output_dir}/{identity}/. Previne path traversal.
func validateIdentity(identity string) error {
	if identity == "" {
		return fmt.Errorf("identity cannot be empty")
	}

	if len(identity) > maxIdentityLength {
		return fmt.Errorf("identity exceeds max length %d", maxIdentityLength)
	}

	// Rejeita separadores de path
	if strings.ContainsAny(identity, "/\\") {
		return fmt.Errorf("identity contains path separator")
	}

	// Rejeita NUL byte e demais caracteres de controle
	if strings.ContainsFunc(identity, func(r rune) bool { return r < 0x20 || r == 0x7f }) {
		return fmt.Errorf("identity contains control character")
	}

	if identity == "." || identity == ".." || strings.HasPrefix(identity, "..") {
		return fmt.Errorf("identity contains path traversal")
	}

	// Rejeita nomes que começam com ponto (hidden dirs)
	if strings.HasPrefix(identity, ".") {
		return fmt.Errorf("identity starts with dot")
	}

	return nil
}

// validatePathInBaseDir verifica que o caminho resolvido permanece dentro de baseDir.
func validatePathInBaseDir(baseDir, resolvedPath string) error {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return fmt.Errorf("resolving base dir: %w", err)
	}
	absResolved, err := filepath.Abs(resolvedPath)
	if err != nil {
		return fmt.Errorf("resolving target path: %w", err)
	}

	rel, err := filepath.Rel(absBase, absResolved)
	if err != nil {
		return fmt.Errorf("path escapes base directory: %w", err)
	}

	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %q escapes base directory %q", resolvedPath, baseDir)
	}

	return nil
}
