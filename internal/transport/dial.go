// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transport

import (
	"context"
	"crypto/tls"
	"net"
	"time"
)

// keepAlivePeriod mantém conexões ociosas detectáveis sem mensagens de ping no protocolo.
const keepAlivePeriod = 30 * time.Second

// Dial abre a conexão do agent com o server. Com tlsCfg nil a conexão é TCP puro
// (modo insecure); caso contrário o handshake TLS é concluído antes do retorno.
func Dial(ctx context.Context, address string, tlsCfg *tls.Config, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: keepAlivePeriod}
	if tlsCfg == nil {
		return dialer.DialContext(ctx, "tcp", address)
	}

	cfg := tlsCfg.Clone()
	if cfg.ServerName == "" {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			host = address
		}
		cfg.ServerName = host
	}

	td := &tls.Dialer{NetDialer: dialer, Config: cfg}
	return td.DialContext(ctx, "tcp", address)
}

// Listen abre o listener do server. Com tlsCfg nil o listener é TCP puro.
func Listen(address string, tlsCfg *tls.Config) (net.Listener, error) {
	if tlsCfg == nil {
		return net.Listen("tcp", address)
	}
	return tls.Listen("tcp", address, tlsCfg)
}
