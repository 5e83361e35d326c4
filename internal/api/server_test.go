package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/printwatch/layercapture/internal/capture"
	"github.com/printwatch/layercapture/internal/db"
	"github.com/printwatch/layercapture/internal/printer"
	"github.com/printwatch/layercapture/internal/storage"
)

// confirmingPrinter acknowledges every command, so sessions started
// through the API run to completion. A non-zero latency delays each
// acknowledgement the way real firmware does.
type confirmingPrinter struct {
	latency time.Duration

	mu     sync.Mutex
	subs   map[string]chan printer.Event
	nextID int
	raw    []string
}

func newConfirmingPrinter() *confirmingPrinter {
	return &confirmingPrinter{subs: make(map[string]chan printer.Event)}
}

func (p *confirmingPrinter) emitLocked(ev printer.Event) {
	for _, ch := range p.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (p *confirmingPrinter) deliver(ev printer.Event) {
	if p.latency > 0 {
		go func() {
			time.Sleep(p.latency)
			p.mu.Lock()
			defer p.mu.Unlock()
			p.emitLocked(ev)
		}()
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emitLocked(ev)
}

func (p *confirmingPrinter) SendPause() error {
	p.deliver(printer.Event{Kind: printer.EventPaused})
	return nil
}

func (p *confirmingPrinter) SendResume() error {
	p.deliver(printer.Event{Kind: printer.EventResumed})
	return nil
}

func (p *confirmingPrinter) SendMove(x, y, z float64, feedrate int) error {
	p.deliver(printer.Event{Kind: printer.EventPositionReached, X: x, Y: y, Z: z})
	return nil
}

func (p *confirmingPrinter) RequestPosition() error {
	p.deliver(printer.Event{Kind: printer.EventPositionReached, X: 10, Y: 10, Z: 1})
	return nil
}

func (p *confirmingPrinter) SendRaw(command string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.raw = append(p.raw, command)
	return nil
}

func (p *confirmingPrinter) Events() (string, <-chan printer.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := fmt.Sprintf("sub-%d", p.nextID)
	ch := make(chan printer.Event, 64)
	p.subs[id] = ch
	return id, ch
}

func (p *confirmingPrinter) UnsubscribeEvents(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.subs[id]; ok {
		close(ch)
		delete(p.subs, id)
	}
}

type apiHarness struct {
	fp        *confirmingPrinter
	orch      *capture.Orchestrator
	db        *db.DB
	broadcast *capture.Broadcaster
	srv       *httptest.Server
}

func newAPIHarness(t *testing.T) *apiHarness {
	return newAPIHarnessWithLatency(t, 0)
}

func newAPIHarnessWithLatency(t *testing.T, latency time.Duration) *apiHarness {
	t.Helper()

	fp := newConfirmingPrinter()
	fp.latency = latency
	fs := storage.NewMemoryFileSystem()

	database, err := db.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	broadcast := capture.NewBroadcaster()

	cfg := capture.Config{
		Grid: capture.GridConfig{
			CenterX: 100, CenterY: 100,
			SpacingX: 20, SpacingY: 20,
			SizeX: 3, SizeY: 3, SizeZ: 1,
			BaseZOffset: 5,
		},
		Limits:            capture.BedLimits{MaxX: 200, MaxY: 200, MaxZ: 300, Margin: 10},
		Trigger:           capture.TriggerRule{EveryNLayers: 3, MinLayerHeight: 0.2},
		Feedrate:          3000,
		SaveMetadata:      true,
		PauseTimeout:      time.Second,
		MoveTimeout:       time.Second,
		ResumeTimeout:     time.Second,
		ResumeMaxAttempts: 2,
	}
	orch, err := capture.New(cfg, capture.Deps{
		Printer:  fp,
		Events:   fp,
		Camera:   capture.NewFakeCamera(fs),
		Store:    storage.NewStore(fs, "captures", false),
		Index:    database,
		Notifier: broadcast,
	})
	if err != nil {
		t.Fatalf("capture.New failed: %v", err)
	}

	srv := httptest.NewServer(NewServer(orch, database, fp, broadcast).ServeMux())
	t.Cleanup(srv.Close)

	return &apiHarness{fp: fp, orch: orch, db: database, broadcast: broadcast, srv: srv}
}

func (h *apiHarness) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(h.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	return resp, body
}

func (h *apiHarness) post(t *testing.T, path string, form url.Values) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.PostForm(h.srv.URL+path, form)
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	return resp, body
}

func TestStatusEndpoint(t *testing.T) {
	h := newAPIHarness(t)

	resp, body := h.get(t, "/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /status = %d", resp.StatusCode)
	}
	if body["state"] != "idle" {
		t.Errorf("state = %v, want idle", body["state"])
	}

	resp, _ = h.post(t, "/status", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /status = %d, want 405", resp.StatusCode)
	}
}

func TestCaptureEndpointRunsSession(t *testing.T) {
	h := newAPIHarness(t)

	resp, body := h.post(t, "/capture", url.Values{"z": {"2.0"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /capture = %d (%v)", resp.StatusCode, body)
	}
	if body["started"] != true {
		t.Errorf("started = %v, want true", body["started"])
	}

	h.orch.Wait()

	rec := h.orch.LastRecord()
	if rec == nil || rec.Outcome != "completed" {
		t.Fatalf("session record = %+v, want completed", rec)
	}
	if len(rec.Images) != 9 {
		t.Errorf("captured %d images, want 9", len(rec.Images))
	}

	// the finished session shows up in the index
	resp, body = h.get(t, "/sessions")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /sessions = %d", resp.StatusCode)
	}
	sessions, ok := body["sessions"].([]any)
	if !ok || len(sessions) != 1 {
		t.Errorf("sessions = %v, want one entry", body["sessions"])
	}
}

func TestCaptureSessionOutlivesRequest(t *testing.T) {
	// Acknowledgements lag each command, so the HTTP response returns
	// while the session is still pausing and moving. The request going
	// away must not cancel the session; /abort is the cancellation path.
	h := newAPIHarnessWithLatency(t, 25*time.Millisecond)

	resp, body := h.post(t, "/capture", url.Values{"z": {"2.0"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /capture = %d (%v)", resp.StatusCode, body)
	}
	resp.Body.Close()

	h.orch.Wait()

	rec := h.orch.LastRecord()
	if rec == nil {
		t.Fatal("no session record after Wait")
	}
	if rec.Outcome != "completed" {
		t.Fatalf("outcome = %q (abort reason %q), want completed", rec.Outcome, rec.AbortReason)
	}
	if len(rec.Images) != 9 {
		t.Errorf("captured %d images, want 9", len(rec.Images))
	}
}

func TestCaptureEndpointRejectsBadZ(t *testing.T) {
	h := newAPIHarness(t)

	resp, _ := h.post(t, "/capture", url.Values{"z": {"not-a-number"}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("POST /capture z=garbage = %d, want 400", resp.StatusCode)
	}
	resp, _ = h.post(t, "/capture", url.Values{"z": {"-1"}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("POST /capture z=-1 = %d, want 400", resp.StatusCode)
	}
}

func TestAbortEndpointWhenIdle(t *testing.T) {
	h := newAPIHarness(t)

	resp, body := h.post(t, "/abort", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /abort = %d", resp.StatusCode)
	}
	if body["aborted"] != false {
		t.Errorf("aborted = %v, want false with no active session", body["aborted"])
	}
}

func TestJobEndpoint(t *testing.T) {
	h := newAPIHarness(t)

	resp, body := h.post(t, "/job", url.Values{"file": {"benchy.gcode"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /job = %d", resp.StatusCode)
	}
	if body["job"] != "benchy.gcode" {
		t.Errorf("job = %v", body["job"])
	}

	resp, _ = h.post(t, "/job", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("POST /job without file = %d, want 400", resp.StatusCode)
	}
}

func TestCommandEndpoint(t *testing.T) {
	h := newAPIHarness(t)

	resp, _ := h.post(t, "/command", url.Values{"command": {"M114"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /command = %d", resp.StatusCode)
	}
	h.fp.mu.Lock()
	raw := append([]string(nil), h.fp.raw...)
	h.fp.mu.Unlock()
	if len(raw) != 1 || raw[0] != "M114" {
		t.Errorf("printer received raw commands %v, want [M114]", raw)
	}

	resp, _ = h.post(t, "/command", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("POST /command without command = %d, want 400", resp.StatusCode)
	}
}

func TestNilCollaboratorsRespond503(t *testing.T) {
	fp := newConfirmingPrinter()
	fs := storage.NewMemoryFileSystem()
	orch, err := capture.New(capture.Config{
		Grid:              capture.GridConfig{CenterX: 100, CenterY: 100, SpacingX: 20, SpacingY: 20, SizeX: 1, SizeY: 1, SizeZ: 1},
		Limits:            capture.BedLimits{MaxX: 200, MaxY: 200, MaxZ: 300, Margin: 10},
		Trigger:           capture.TriggerRule{EveryNLayers: 3, MinLayerHeight: 0.2},
		Feedrate:          3000,
		PauseTimeout:      time.Second,
		MoveTimeout:       time.Second,
		ResumeTimeout:     time.Second,
		ResumeMaxAttempts: 1,
	}, capture.Deps{
		Printer: fp, Events: fp,
		Camera: capture.NewFakeCamera(fs),
		Store:  storage.NewStore(fs, "captures", false),
	})
	if err != nil {
		t.Fatalf("capture.New failed: %v", err)
	}

	srv := httptest.NewServer(NewServer(orch, nil, nil, nil).ServeMux())
	defer srv.Close()

	for _, c := range []struct {
		method, path string
	}{
		{http.MethodGet, "/sessions"},
		{http.MethodPost, "/command"},
		{http.MethodGet, "/events"},
	} {
		req, _ := http.NewRequest(c.method, srv.URL+c.path, nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s failed: %v", c.method, c.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("%s %s = %d, want 503", c.method, c.path, resp.StatusCode)
		}
	}
}

func TestEventsStreamDeliversNotifications(t *testing.T) {
	h := newAPIHarness(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.srv.URL+"/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	reader := bufio.NewReader(resp.Body)
	// initial ping arrives before any notification
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("reading ping: %v", err)
	}
	if !strings.HasPrefix(line, ": ping") {
		t.Errorf("first line = %q, want ping comment", line)
	}

	h.broadcast.Notify(capture.Notification{
		Type: capture.NotifySessionStart, SessionID: "s-1", Layer: 3, Time: time.Now(),
	})

	for {
		line, err = reader.ReadString('\n')
		if err != nil {
			t.Fatalf("reading event: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			var n capture.Notification
			if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &n); err != nil {
				t.Fatalf("event payload not JSON: %v", err)
			}
			if n.Type != capture.NotifySessionStart || n.Layer != 3 {
				t.Errorf("notification = %+v", n)
			}
			return
		}
	}
}
