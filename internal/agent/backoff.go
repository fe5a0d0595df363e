// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package agent

import (
	"time"
)

// baseBackoff é o delay da primeira tentativa antes do jitter.
const baseBackoff = time.Second

// Limites do jitter multiplicativo aplicado ao delay base.
const (
	jitterMin  = 0.7
	jitterSpan = 0.6
)

// calculateBackoff retorna o delay antes da próxima tentativa de conexão:
// min(maxDelay, 1s * 2^attempt) multiplicado por um fator uniforme em [0.7, 1.3).
// jitter deve estar em [0, 1); valores fora do intervalo são limitados.
func calculateBackoff(attempt int, maxDelay time.Duration, jitter float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	base := maxDelay
	// 2^30s já excede qualquer teto razoável; evita overflow no shift
	if attempt < 30 {
		if d := baseBackoff << attempt; d < maxDelay {
			base = d
		}
	}

	if jitter < 0 {
		jitter = 0
	}
	if jitter >= 1 {
		jitter = 0.999999
	}
	return time.Duration(float64(base) * (jitterMin + jitter*jitterSpan))
}
