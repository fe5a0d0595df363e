// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package apiclient fala com a API HTTP do nupload-server (usado pelo nupload-ctl).
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nishisan-dev/n-upload/internal/server/observability"
)

// DefaultTimeout é o timeout das requisições HTTP comuns.
const DefaultTimeout = 10 * time.Second

// ErrNotFound é retornado quando a API responde 404.
var ErrNotFound = errors.New("not found")

// APIError é uma resposta não-2xx da API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Is permite errors.Is(err, ErrNotFound) para respostas 404.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Client acessa a API de um nupload-server.
type Client struct {
	base   *url.URL
	http   *http.Client
	dialer *websocket.Dialer
}

// New cria um Client para server ("host:port" ou URL http(s)).
func New(server string) (*Client, error) {
	if server == "" {
		return nil, errors.New("server address is required")
	}
	if !strings.HasPrefix(server, "http://") && !strings.HasPrefix(server, "https://") {
		server = "http://" + server
	}
	u, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("parsing server address: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")

	return &Client{
		base:   u,
		http:   &http.Client{Timeout: DefaultTimeout},
		dialer: &websocket.Dialer{HandshakeTimeout: 5 * time.Second},
	}, nil
}

// Trigger pede ao server um upload de filePath no client clientID.
// client_not_connected é um status normal, não um erro.
func (c *Client) Trigger(ctx context.Context, clientID, filePath string) (observability.TriggerResponse, error) {
	var resp observability.TriggerResponse
	body, err := json.Marshal(observability.TriggerRequest{ClientID: clientID, FilePath: filePath})
	if err != nil {
		return resp, err
	}
	err = c.do(ctx, http.MethodPost, "/api/v1/trigger", nil, bytes.NewReader(body), &resp)
	return resp, err
}

// Clients lista os clients conectados.
func (c *Client) Clients(ctx context.Context) ([]observability.ClientSummary, error) {
	var out []observability.ClientSummary
	err := c.do(ctx, http.MethodGet, "/api/v1/clients", nil, nil, &out)
	return out, err
}

// Uploads retorna os uploads ativos e os últimos limit finalizados (0 = todos).
func (c *Client) Uploads(ctx context.Context, limit int) (observability.UploadsResponse, error) {
	var out observability.UploadsResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/uploads", limitQuery(limit), nil, &out)
	return out, err
}

// Upload retorna um upload pelo id. Retorna ErrNotFound se o server não o conhece.
func (c *Client) Upload(ctx context.Context, uploadID string) (observability.UploadSummary, error) {
	var out observability.UploadSummary
	err := c.do(ctx, http.MethodGet, "/api/v1/uploads/"+url.PathEscape(uploadID), nil, nil, &out)
	return out, err
}

// Events retorna os últimos limit eventos (0 = todos os retidos).
func (c *Client) Events(ctx context.Context, limit int) ([]observability.EventEntry, error) {
	var out []observability.EventEntry
	err := c.do(ctx, http.MethodGet, "/api/v1/events", limitQuery(limit), nil, &out)
	return out, err
}

// Health consulta o estado do server.
func (c *Client) Health(ctx context.Context) (observability.HealthResponse, error) {
	var out observability.HealthResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/health", nil, nil, &out)
	return out, err
}

// Watch assina o stream de eventos e chama fn para cada evento recebido.
// Bloqueia até ctx ser cancelado (retorna nil) ou a conexão cair.
func (c *Client) Watch(ctx context.Context, fn func(observability.EventEntry)) error {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path += "/api/v1/events/stream"

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return decodeError(resp)
		}
		return fmt.Errorf("dialing event stream: %w", err)
	}
	defer conn.Close()

	// Cancelamento fecha a conexão e desbloqueia a leitura
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var e observability.EventEntry
		if err := conn.ReadJSON(&e); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("reading event stream: %w", err)
		}
		fn(e)
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader, out any) error {
	u := *c.base
	u.Path += path
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

// decodeError monta um *APIError a partir do corpo {"error": "..."} da API.
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var er observability.ErrorResponse
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &er) == nil && er.Error != "" {
		msg = er.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

func limitQuery(limit int) url.Values {
	if limit <= 0 {
		return nil
	}
	return url.Values{"limit": {strconv.Itoa(limit)}}
}
