// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package server

import (
	"bytes"
	"crypto/rand"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/nishisan-dev/n-upload/internal/checksum"
	"github.com/nishisan-dev/n-upload/internal/config"
	"github.com/nishisan-dev/n-upload/internal/logging"
)

// finishRecorder coleta as chamadas de OnFinish.
type finishRecorder struct {
	mu    sync.Mutex
	infos []UploadInfo
}

func (r *finishRecorder) record(info UploadInfo) {
	r.mu.Lock()
	r.infos = append(r.infos, info)
	r.mu.Unlock()
}

func (r *finishRecorder) all() []UploadInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]UploadInfo(nil), r.infos...)
}

func newTestLedger(t *testing.T, rec *finishRecorder) (*Ledger, string) {
	t.Helper()
	dir := t.TempDir()
	opts := LedgerOptions{Algorithm: checksum.SHA256, Logger: logging.Discard()}
	if rec != nil {
		opts.OnFinish = rec.record
	}
	return NewLedger(NewSinkFactory(config.StorageInfo{OutputDir: dir, Compression: "none"}), opts), dir
}

// failingSink falha em todas as escritas.
type failingSink struct{ closed bool }

func (s *failingSink) Write([]byte) (int, error) { return 0, errors.New("disk full") }
func (s *failingSink) Close() error              { s.closed = true; return nil }
func (s *failingSink) Commit() (string, error)   { return "", errors.New("disk full") }
func (s *failingSink) Path() string              { return "/dev/null/failing" }

type failingOpener struct{ sink *failingSink }

func (o *failingOpener) Open(string, string) (Sink, error) { return o.sink, nil }

func TestLedger_CompleteScenarioAB(t *testing.T) {
	rec := &finishRecorder{}
	l, _ := newTestLedger(t, rec)

	id, err := l.Create("web-01", "chan-1", "/var/data.bin")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	info, ok := l.Get(id)
	if !ok || info.State != StatePending {
		t.Fatalf("expected PENDING after create, got %+v", info)
	}

	if ev := l.OnChunk("chan-1", id, 0, []byte("AB"), false); ev.Kind != EventProgress {
		t.Fatalf("expected progress, got %s", ev.Kind)
	}
	info, _ = l.Get(id)
	if info.State != StateInProgress || info.Bytes != 2 {
		t.Fatalf("expected IN_PROGRESS with 2 bytes, got %+v", info)
	}

	ev := l.OnChunk("chan-1", id, 1, nil, true)
	if ev.Kind != EventComplete {
		t.Fatalf("expected complete, got %s (%v)", ev.Kind, ev.Err)
	}
	if ev.Digest.Size != 2 {
		t.Errorf("expected size 2, got %d", ev.Digest.Size)
	}
	if ev.Digest.Hex != checksum.Sum(checksum.SHA256, []byte("AB")) {
		t.Errorf("unexpected checksum %s", ev.Digest.Hex)
	}

	if _, ok := l.Get(id); ok {
		t.Error("completed upload must leave the ledger")
	}

	finished := rec.all()
	if len(finished) != 1 || finished[0].State != StateCompleted || finished[0].Chunks != 2 {
		t.Fatalf("unexpected finish records %+v", finished)
	}
	data, err := os.ReadFile(finished[0].SinkPath)
	if err != nil || string(data) != "AB" {
		t.Errorf("sink content %q err=%v", data, err)
	}
}

func TestLedger_ReconstructsAnySize(t *testing.T) {
	for _, tc := range []struct{ size, chunk int }{{0, 3}, {1, 3}, {3, 3}, {1000, 7}, {300_000, 65_536}} {
		rec := &finishRecorder{}
		l, _ := newTestLedger(t, rec)
		payload := make([]byte, tc.size)
		rand.Read(payload)

		id, err := l.Create("web-01", "c", "/f")
		if err != nil {
			t.Fatal(err)
		}
		var seq uint64
		for off := 0; off < len(payload); off += tc.chunk {
			end := min(off+tc.chunk, len(payload))
			if ev := l.OnChunk("c", id, seq, payload[off:end], false); ev.Kind != EventProgress {
				t.Fatalf("size %d: unexpected %s", tc.size, ev.Kind)
			}
			seq++
		}
		ev := l.OnChunk("c", id, seq, nil, true)
		if ev.Kind != EventComplete {
			t.Fatalf("size %d: expected complete, got %s", tc.size, ev.Kind)
		}
		if ev.Digest.Size != int64(tc.size) || ev.Digest.Hex != checksum.Sum(checksum.SHA256, payload) {
			t.Errorf("size %d: digest mismatch %+v", tc.size, ev.Digest)
		}
		finished := rec.all()
		if len(finished) != 1 {
			t.Fatalf("size %d: expected one finish record, got %d", tc.size, len(finished))
		}
		got, _ := os.ReadFile(finished[0].SinkPath)
		if !bytes.Equal(got, payload) {
			t.Errorf("size %d: sink differs from payload", tc.size)
		}
	}
}

func TestLedger_UnknownChunkDoesNotMutate(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	id, _ := l.Create("web-01", "chan-1", "/f")
	before, _ := l.Get(id)

	if ev := l.OnChunk("chan-1", "does-not-exist", 0, []byte("x"), false); ev.Kind != EventUnknown {
		t.Errorf("expected unknown for missing id, got %s", ev.Kind)
	}
	if ev := l.OnChunk("chan-2", id, 0, []byte("x"), true); ev.Kind != EventUnknown {
		t.Errorf("expected unknown for foreign owner, got %s", ev.Kind)
	}

	after, ok := l.Get(id)
	if !ok || after != before {
		t.Errorf("entry mutated: before %+v after %+v", before, after)
	}
	if l.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", l.Len())
	}
}

func TestLedger_ChunkAfterCompleteIsUnknown(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	id, _ := l.Create("web-01", "c", "/f")
	l.OnChunk("c", id, 0, nil, true)

	if ev := l.OnChunk("c", id, 1, []byte("late"), false); ev.Kind != EventUnknown {
		t.Errorf("expected unknown after completion, got %s", ev.Kind)
	}
}

func TestLedger_SinkWriteFailure(t *testing.T) {
	rec := &finishRecorder{}
	sink := &failingSink{}
	l := NewLedger(&failingOpener{sink: sink}, LedgerOptions{OnFinish: rec.record})

	id, err := l.Create("web-01", "c", "/f")
	if err != nil {
		t.Fatal(err)
	}
	ev := l.OnChunk("c", id, 0, []byte("data"), false)
	if ev.Kind != EventFailed || ev.Err == nil {
		t.Fatalf("expected failed event, got %+v", ev)
	}
	if _, ok := l.Get(id); ok {
		t.Error("failed upload must leave the ledger")
	}
	if !sink.closed {
		t.Error("sink must be closed on failure")
	}
	if got := rec.all(); len(got) != 1 || got[0].State != StateFailed || got[0].Error == "" {
		t.Errorf("unexpected finish records %+v", got)
	}
}

func TestLedger_AbandonKeepsPartialSink(t *testing.T) {
	rec := &finishRecorder{}
	l, _ := newTestLedger(t, rec)
	id, _ := l.Create("web-01", "c", "/f")
	l.OnChunk("c", id, 0, []byte("partial"), false)

	if !l.Abandon(id, errors.New("operator cancelled")) {
		t.Fatal("expected Abandon to succeed")
	}
	if l.Abandon(id, nil) {
		t.Error("second Abandon must report false")
	}
	if ev := l.OnChunk("c", id, 1, []byte("more"), false); ev.Kind != EventUnknown {
		t.Errorf("expected unknown after abandon, got %s", ev.Kind)
	}

	got := rec.all()
	if len(got) != 1 || got[0].State != StateFailed || got[0].Digest.Hex != "" {
		t.Fatalf("unexpected finish records %+v", got)
	}
	if !strings.HasSuffix(got[0].SinkPath, partSuffix) {
		t.Errorf("abandoned sink must keep the .part suffix, got %s", got[0].SinkPath)
	}
	data, err := os.ReadFile(got[0].SinkPath)
	if err != nil || string(data) != "partial" {
		t.Errorf("partial sink must remain, got %q err=%v", data, err)
	}
}

func TestLedger_AbandonOwnedChecksOwner(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	id, _ := l.Create("web-01", "chan-1", "/f")

	if l.AbandonOwned("chan-2", id, errors.New("x")) {
		t.Error("foreign channel must not abandon the upload")
	}
	if l.AbandonOwned("", id, errors.New("x")) {
		t.Error("empty owner must not abandon the upload")
	}
	if !l.AbandonOwned("chan-1", id, errors.New("client failure")) {
		t.Error("owner must be able to abandon the upload")
	}
}

func TestLedger_AbandonOwner(t *testing.T) {
	rec := &finishRecorder{}
	l, _ := newTestLedger(t, rec)
	a, _ := l.Create("web-01", "chan-1", "/a")
	b, _ := l.Create("web-01", "chan-1", "/b")
	other, _ := l.Create("db-01", "chan-2", "/c")

	ids := l.AbandonOwner("chan-1", errChannelClosed)
	if len(ids) != 2 {
		t.Fatalf("expected 2 abandoned uploads, got %v", ids)
	}
	for _, id := range []string{a, b} {
		if _, ok := l.Get(id); ok {
			t.Errorf("upload %s must be removed", id)
		}
	}
	if _, ok := l.Get(other); !ok {
		t.Error("upload of another channel must survive")
	}
	for _, info := range rec.all() {
		if info.State != StateFailed || info.Error != errChannelClosed.Error() {
			t.Errorf("unexpected finish record %+v", info)
		}
	}
}

func TestLedger_SnapshotOrder(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	first, _ := l.Create("web-01", "c", "/1")
	second, _ := l.Create("web-01", "c", "/2")

	snap := l.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snap))
	}
	if snap[0].CreatedAt.After(snap[1].CreatedAt) {
		t.Error("snapshot must be ordered by creation")
	}
	ids := map[string]bool{snap[0].UploadID: true, snap[1].UploadID: true}
	if !ids[first] || !ids[second] {
		t.Errorf("unexpected snapshot %+v", snap)
	}
}

func TestLedger_ConcurrentUploads(t *testing.T) {
	l, _ := newTestLedger(t, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := l.Create("web-01", "c", "/f")
			if err != nil {
				t.Error(err)
				return
			}
			for seq := uint64(0); seq < 50; seq++ {
				l.OnChunk("c", id, seq, []byte("0123456789"), false)
			}
			if ev := l.OnChunk("c", id, 50, nil, true); ev.Kind != EventComplete || ev.Digest.Size != 500 {
				t.Errorf("unexpected final event %+v", ev)
			}
		}()
	}
	wg.Wait()
	if l.Len() != 0 {
		t.Errorf("expected empty ledger, got %d", l.Len())
	}
}

func TestLedger_UploadLogRemovedOnSuccessKeptOnFailure(t *testing.T) {
	logDir := t.TempDir()
	l := NewLedger(NewSinkFactory(config.StorageInfo{OutputDir: t.TempDir()}), LedgerOptions{
		UploadLogDir: logDir,
		Logger:       logging.Discard(),
	})

	ok, _ := l.Create("web-01", "c", "/ok")
	failed, _ := l.Create("web-01", "c", "/fail")

	l.OnChunk("c", ok, 0, nil, true)
	l.Abandon(failed, errors.New("boom"))

	if _, err := os.Stat(logging.UploadLogPath(logDir, "web-01", ok)); !os.IsNotExist(err) {
		t.Errorf("log of completed upload must be removed, stat err=%v", err)
	}
	if _, err := os.Stat(logging.UploadLogPath(logDir, "web-01", failed)); err != nil {
		t.Errorf("log of failed upload must be kept: %v", err)
	}
}
