// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics agrupa os coletores Prometheus do server num registry próprio.
// Todos os métodos aceitam receiver nil, o que permite montar componentes sem métricas nos testes.
type Metrics struct {
	registry *prometheus.Registry

	triggers      *prometheus.CounterVec
	uploads       *prometheus.CounterVec
	archives      *prometheus.CounterVec
	bytesReceived prometheus.Counter
	chunks        prometheus.Counter
	authRejected  prometheus.Counter
}

// NewMetrics cria e registra os coletores. clients e uploads alimentam os gauges
// de clients conectados e uploads em andamento no momento da coleta.
func NewMetrics(clients, uploads func() int) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nupload",
			Subsystem: "server",
			Name:      "triggers_total",
			Help:      "Upload triggers by resulting status.",
		}, []string{"status"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nupload",
			Subsystem: "server",
			Name:      "uploads_total",
			Help:      "Finished uploads by final state.",
		}, []string{"state"}),
		archives: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nupload",
			Subsystem: "server",
			Name:      "archive_uploads_total",
			Help:      "Sink copies to object storage by result.",
		}, []string{"result"}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nupload",
			Subsystem: "server",
			Name:      "received_bytes_total",
			Help:      "Raw upload bytes received from clients.",
		}),
		chunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nupload",
			Subsystem: "server",
			Name:      "chunks_total",
			Help:      "Chunk frames received from clients.",
		}),
		authRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nupload",
			Subsystem: "server",
			Name:      "auth_rejected_total",
			Help:      "Hello frames rejected with AUTH.",
		}),
	}

	m.registry.MustRegister(
		m.triggers, m.uploads, m.archives, m.bytesReceived, m.chunks, m.authRejected,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "nupload",
			Subsystem: "server",
			Name:      "connected_clients",
			Help:      "Clients currently registered.",
		}, func() float64 { return float64(clients()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "nupload",
			Subsystem: "server",
			Name:      "active_uploads",
			Help:      "Uploads pending or in progress.",
		}, func() float64 { return float64(uploads()) }),
		collectors.NewGoCollector(),
	)
	return m
}

// Handler expõe o registry no formato de exposição do Prometheus.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry retorna o registry privado.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) triggerResult(status TriggerStatus) {
	if m == nil {
		return
	}
	m.triggers.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) uploadFinished(state UploadState) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) archiveResult(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.archives.WithLabelValues(result).Inc()
}

func (m *Metrics) chunkReceived(n int) {
	if m == nil {
		return
	}
	m.chunks.Inc()
	m.bytesReceived.Add(float64(n))
}

func (m *Metrics) authFailed() {
	if m == nil {
		return
	}
	m.authRejected.Inc()
}
