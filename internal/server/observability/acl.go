// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package observability provê a API HTTP de controle e observabilidade do nupload-server:
// disparo de uploads, clients conectados, uploads ativos e recentes, eventos e métricas.
package observability

import (
	"net"
	"net/http"
	"slices"
	"strings"
)

// ACL restringe a API de controle às origens listadas em api.allow.
// Uma ACL sem prefixos recusa tudo, inclusive loopback.
type ACL struct {
	allowed []*net.IPNet
}

// NewACL cria a ACL a partir de config.APIConfig.ParsedCIDRs.
func NewACL(allowed []*net.IPNet) *ACL {
	return &ACL{allowed: allowed}
}

// Middleware envolve o router inteiro: disparo de uploads, consultas, /metrics e o
// stream de eventos. Origens recusadas recebem 403 {"error":"forbidden"} antes de
// qualquer handler ler o corpo.
func (a *ACL) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Allowed(r.RemoteAddr) {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Allowed aceita "host:port", "[v6]:port" ou um IP puro; zonas IPv6 (fe80::1%eth0) são ignoradas.
func (a *ACL) Allowed(remoteAddr string) bool {
	ip := originIP(remoteAddr)
	if ip == nil {
		return false
	}
	return slices.ContainsFunc(a.allowed, func(n *net.IPNet) bool {
		return n.Contains(ip)
	})
}

func originIP(remoteAddr string) net.IP {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host, _, _ = strings.Cut(host, "%")
	return net.ParseIP(host)
}
