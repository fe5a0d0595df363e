// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import "time"

// HealthResponse é retornado por GET /api/v1/health.
type HealthResponse struct {
	Status          string  `json:"status"`
	Uptime          string  `json:"uptime"`
	Version         string  `json:"version"`
	Go              string  `json:"go"`
	OutputDir       string  `json:"output_dir,omitempty"`
	DiskFreeBytes   uint64  `json:"disk_free_bytes,omitempty"`
	DiskUsedPercent float64 `json:"disk_used_percent,omitempty"`
}

// MetricsResponse é retornado por GET /api/v1/metrics.
type MetricsResponse struct {
	TrafficInBytes int64 `json:"traffic_in_bytes"`
	DiskWriteBytes int64 `json:"disk_write_bytes"`
	ActiveConns    int32 `json:"active_conns"`
	Clients        int   `json:"clients"`
	ActiveUploads  int   `json:"active_uploads"`
}

// ClientSummary é usado na lista de GET /api/v1/clients.
type ClientSummary struct {
	ClientID    string    `json:"client_id"`
	ChannelID   string    `json:"channel_id"`
	Remote      string    `json:"remote"`
	ConnectedAt time.Time `json:"connected_at"`
}

// UploadSummary descreve um upload ativo ou finalizado.
type UploadSummary struct {
	UploadID   string     `json:"upload_id"`
	ClientID   string     `json:"client_id"`
	FilePath   string     `json:"file_path"`
	SinkPath   string     `json:"sink_path,omitempty"`
	State      string     `json:"state"` // PENDING | IN_PROGRESS | COMPLETED | FAILED
	Bytes      int64      `json:"bytes"`
	Chunks     uint64     `json:"chunks"`
	Checksum   string     `json:"checksum,omitempty"`
	Algorithm  string     `json:"algorithm,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// UploadsResponse é retornado por GET /api/v1/uploads.
type UploadsResponse struct {
	Active []UploadSummary `json:"active"`
	Recent []UploadSummary `json:"recent"`
}

// TriggerRequest é o corpo de POST /api/v1/trigger.
type TriggerRequest struct {
	ClientID string `json:"client_id"`
	FilePath string `json:"file_path"`
}

// TriggerResponse é a resposta de POST /api/v1/trigger.
type TriggerResponse struct {
	UploadID string `json:"upload_id"`
	Status   string `json:"status"` // queued | client_not_connected
}

// ErrorResponse é o corpo das respostas de erro da API.
type ErrorResponse struct {
	Error string `json:"error"`
}

// EventEntry representa um evento operacional.
type EventEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"` // info | warn | error
	Type      string `json:"type"`  // client_connected | upload_completed | archive_failed ...
	Client    string `json:"client,omitempty"`
	Message   string `json:"message"`
}
