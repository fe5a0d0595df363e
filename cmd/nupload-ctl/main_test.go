// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nishisan-dev/n-upload/internal/server/observability"
)

func runCtl(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestTriggerCommand(t *testing.T) {
	var got observability.TriggerRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/trigger" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(observability.TriggerResponse{UploadID: "u-1", Status: "queued"})
	}))
	defer srv.Close()

	out, err := runCtl(t, "--server", srv.URL, "trigger", "web-01", "/var/data.bin")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if got.ClientID != "web-01" || got.FilePath != "/var/data.bin" {
		t.Errorf("server received %+v", got)
	}

	var resp observability.TriggerResponse
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("output is not JSON: %q", out)
	}
	if resp.UploadID != "u-1" || resp.Status != "queued" {
		t.Errorf("unexpected output %+v", resp)
	}
}

func TestServerFromEnvironment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"client_id":"web-01","channel_id":"c","remote":"r","connected_at":"2025-01-01T00:00:00Z"}]`))
	}))
	defer srv.Close()
	t.Setenv("NUPLOAD_SERVER", srv.URL)

	out, err := runCtl(t, "clients")
	if err != nil {
		t.Fatalf("clients: %v", err)
	}
	if !strings.Contains(out, `"client_id": "web-01"`) {
		t.Errorf("unexpected output %q", out)
	}
}

func TestUploadNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"upload not found"}`))
	}))
	defer srv.Close()

	_, err := runCtl(t, "--server", srv.URL, "uploads", "nope")
	if err == nil || !strings.Contains(err.Error(), "upload not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestTriggerRequiresClientID(t *testing.T) {
	if _, err := runCtl(t, "trigger"); err == nil {
		t.Fatal("expected argument error")
	}
}
