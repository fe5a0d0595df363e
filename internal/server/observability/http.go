// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/disk"
)

// startTime registra quando o processo iniciou (para cálculo de uptime).
var startTime = time.Now()

// Version é preenchida via ldflags no build (-X ...Version=x.y.z).
var Version = "dev"

const (
	// maxTriggerBody limita o corpo de POST /api/v1/trigger.
	maxTriggerBody = 64 * 1024
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// ErrInvalidRequest é retornado pelo Backend para pedidos malformados (HTTP 400).
var ErrInvalidRequest = errors.New("invalid request")

// ErrUnavailable é retornado pelo Backend quando o pedido não pôde ser atendido agora (HTTP 503).
var ErrUnavailable = errors.New("temporarily unavailable")

// Backend define o que o router precisa do coordenador do server.
// Isso desacopla o pacote observability do server.
type Backend interface {
	MetricsSnapshot() MetricsData
	Clients() []ClientSummary
	ActiveUploads() []UploadSummary
	RecentUploads(limit int) []UploadSummary
	// Upload procura primeiro no ledger e depois no histórico recente.
	Upload(id string) (UploadSummary, bool)
	Trigger(ctx context.Context, clientID, filePath string) (TriggerResponse, error)
	OutputDir() string
}

// EventSource fornece eventos recentes e a assinatura de eventos novos.
type EventSource interface {
	Recent(limit int) []EventEntry
	Subscribe(size int) (<-chan EventEntry, func())
}

// MetricsData contém os contadores coletados do Handler.
type MetricsData struct {
	TrafficIn     int64
	DiskWrite     int64
	ActiveConns   int32
	Clients       int
	ActiveUploads int
}

// RouterOptions agrupa as dependências do router.
type RouterOptions struct {
	Backend    Backend
	Events     EventSource
	Prometheus http.Handler // nil = sem /metrics
	ACL        *ACL
	Logger     *slog.Logger
}

var upgrader = websocket.Upgrader{
	// A ACL já filtrou a origem por IP
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewRouter cria o http.Handler da API de controle e observabilidade.
// Aplica middleware ACL em todas as rotas.
func NewRouter(opts RouterOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &api{backend: opts.Backend, events: opts.Events, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/health", a.handleHealth)
	mux.HandleFunc("GET /api/v1/metrics", a.handleMetrics)
	mux.HandleFunc("GET /api/v1/clients", a.handleClients)
	mux.HandleFunc("POST /api/v1/trigger", a.handleTrigger)
	mux.HandleFunc("GET /api/v1/uploads", a.handleUploads)
	mux.HandleFunc("GET /api/v1/uploads/{id}", a.handleUpload)
	mux.HandleFunc("GET /api/v1/events", a.handleEvents)
	mux.HandleFunc("GET /api/v1/events/stream", a.handleEventStream)
	if opts.Prometheus != nil {
		mux.Handle("GET /metrics", opts.Prometheus)
	}

	return opts.ACL.Middleware(mux)
}

type api struct {
	backend Backend
	events  EventSource
	logger  *slog.Logger
}

// handleHealth retorna status do processo, uptime, versão e espaço livre do output_dir.
func (a *api) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Uptime:  time.Since(startTime).Round(time.Second).String(),
		Version: Version,
		Go:      runtime.Version(),
	}
	if dir := a.backend.OutputDir(); dir != "" {
		resp.OutputDir = dir
		if usage, err := disk.Usage(dir); err == nil {
			resp.DiskFreeBytes = usage.Free
			resp.DiskUsedPercent = usage.UsedPercent
		} else {
			a.logger.Debug("disk usage unavailable", "path", dir, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) handleMetrics(w http.ResponseWriter, r *http.Request) {
	data := a.backend.MetricsSnapshot()
	writeJSON(w, http.StatusOK, MetricsResponse{
		TrafficInBytes: data.TrafficIn,
		DiskWriteBytes: data.DiskWrite,
		ActiveConns:    data.ActiveConns,
		Clients:        data.Clients,
		ActiveUploads:  data.ActiveUploads,
	})
}

func (a *api) handleClients(w http.ResponseWriter, r *http.Request) {
	clients := a.backend.Clients()
	if clients == nil {
		clients = []ClientSummary{}
	}
	writeJSON(w, http.StatusOK, clients)
}

// handleTrigger pede um upload ao client. client_not_connected não é erro HTTP:
// o status vai no corpo, como no retorno do dispatcher.
func (a *api) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTriggerBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.ClientID == "" {
		writeError(w, http.StatusBadRequest, "client_id is required")
		return
	}

	resp, err := a.backend.Trigger(r.Context(), req.ClientID, req.FilePath)
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if errors.Is(err, ErrUnavailable) {
			a.logger.Warn("trigger not delivered", "client_id", req.ClientID, "error", err)
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		a.logger.Error("trigger failed", "client_id", req.ClientID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) handleUploads(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp := UploadsResponse{
		Active: a.backend.ActiveUploads(),
		Recent: a.backend.RecentUploads(limit),
	}
	if resp.Active == nil {
		resp.Active = []UploadSummary{}
	}
	if resp.Recent == nil {
		resp.Recent = []UploadSummary{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) handleUpload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	up, ok := a.backend.Upload(id)
	if !ok {
		writeError(w, http.StatusNotFound, "upload not found")
		return
	}
	writeJSON(w, http.StatusOK, up)
}

func (a *api) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a.events.Recent(limit))
}

// handleEventStream faz upgrade para websocket e envia cada evento novo como JSON.
func (a *api) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()

	events, unsubscribe := a.events.Subscribe(64)
	defer unsubscribe()

	// Leitor descarta mensagens do cliente e detecta o fechamento
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	a.logger.Debug("event stream opened", "remote", r.RemoteAddr)
	for {
		select {
		case <-closed:
			a.logger.Debug("event stream closed", "remote", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}

// queryLimit lê ?limit=N (0 quando ausente).
func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

// writeJSON serializa v como JSON e envia com status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
