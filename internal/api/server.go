// Package api exposes the daemon's HTTP surface: orchestrator status,
// session history, manual triggers, raw command passthrough, and an SSE
// tail of capture notifications.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/printwatch/layercapture/internal/capture"
	"github.com/printwatch/layercapture/internal/db"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// RawSender passes arbitrary G-code through to the printer.
type RawSender interface {
	SendRaw(command string) error
}

type Server struct {
	orch      *capture.Orchestrator
	db        *db.DB
	sender    RawSender
	broadcast *capture.Broadcaster
}

// NewServer creates an API server. db, sender, and broadcast may be nil;
// their endpoints respond 503 in that case.
func NewServer(orch *capture.Orchestrator, database *db.DB, sender RawSender, broadcast *capture.Broadcaster) *Server {
	return &Server{
		orch:      orch,
		db:        database,
		sender:    sender,
		broadcast: broadcast,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.showStatus)
	mux.HandleFunc("/sessions", s.listSessions)
	mux.HandleFunc("/capture", s.triggerCapture)
	mux.HandleFunc("/abort", s.abortCapture)
	mux.HandleFunc("/job", s.setJob)
	mux.HandleFunc("/command", s.sendCommandHandler)
	mux.HandleFunc("/events", s.tailEvents)
	return mux
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] failed to encode response: %v", err)
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, s.orch.Status())
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.db == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "Session index not available")
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	sessions, err := s.db.ListSessions(limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, "Failed to list sessions")
		return
	}
	s.writeJSON(w, map[string]any{"sessions": sessions})
}

// triggerCapture starts a manual capture session at the current layer.
// Returns 409 when a session is already running.
func (s *Server) triggerCapture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	layer := s.orch.CurrentLayer()
	zHeight := 0.0
	if z := r.FormValue("z"); z != "" {
		parsed, err := strconv.ParseFloat(z, 64)
		if err != nil || parsed < 0 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'z' parameter")
			return
		}
		zHeight = parsed
	}

	// The session outlives this request: net/http cancels r.Context()
	// the moment the handler returns. Cancellation goes through /abort.
	if err := s.orch.StartSession(context.WithoutCancel(r.Context()), layer, zHeight); err != nil {
		s.writeJSONError(w, http.StatusConflict, fmt.Sprintf("Capture not started: %v", err))
		return
	}
	s.writeJSON(w, map[string]any{"started": true, "layer": layer})
}

func (s *Server) abortCapture(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	aborted := s.orch.AbortActive()
	s.writeJSON(w, map[string]any{"aborted": aborted})
}

// setJob records the identity of the print job now running, resetting
// layer tracking.
func (s *Server) setJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	file := r.FormValue("file")
	if file == "" {
		s.writeJSONError(w, http.StatusBadRequest, "Missing 'file' parameter")
		return
	}
	s.orch.SetJob(capture.JobIdentity{GcodeFile: file, PrintStartTime: time.Now()})
	s.writeJSON(w, map[string]any{"job": file})
}

func (s *Server) sendCommandHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.sender == nil {
		http.Error(w, "Printer not available", http.StatusServiceUnavailable)
		return
	}

	command := r.FormValue("command")
	if command == "" {
		http.Error(w, "Missing command", http.StatusBadRequest)
		return
	}

	if err := s.sender.SendRaw(command); err != nil {
		http.Error(w, "Failed to send command", http.StatusInternalServerError)
		return
	}
	io.WriteString(w, "Command sent successfully")
}

// tailEvents streams capture notifications as Server-Sent Events.
func (s *Server) tailEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.broadcast == nil {
		http.Error(w, "Notifications not available", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

	id, ch := s.broadcast.Subscribe()
	defer s.broadcast.Unsubscribe(id)

	// Send initial ping to establish connection
	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	for {
		select {
		case n, ok := <-ch:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", n.JSON()); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
