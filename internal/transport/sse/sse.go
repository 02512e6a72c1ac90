// Package sse serves the classification agent's three HTTP endpoints
// (ask/resume/command), framing each returned stream.Seq as a
// text/event-stream response. The "event: <type>\ndata: <json>\n\n" framing
// mirrors the SSE wire format already exercised elsewhere in this module's
// dependency graph.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/convoclassify/agent/internal/classifier"
	"github.com/convoclassify/agent/internal/stream"
)

// Server wires the three HTTP endpoints onto a Runtime and Dispatcher.
type Server struct {
	runtime    *classifier.Runtime
	dispatcher *classifier.Dispatcher
}

// NewServer constructs a Server.
func NewServer(runtime *classifier.Runtime, dispatcher *classifier.Dispatcher) *Server {
	return &Server{runtime: runtime, dispatcher: dispatcher}
}

// Routes registers the three endpoints onto mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /agents/{agentId}/ask", s.handleAsk)
	mux.HandleFunc("POST /agents/{agentId}/{runId}/resume", s.handleResume)
	mux.HandleFunc("POST /agents/{agentId}/{runId}/command", s.handleCommand)
}

type askRequest struct {
	RunID            string `json:"runId"`
	APIKey           string `json:"apiKey"`
	UserInstructions string `json:"userInstructions"`
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.UserInstructions == "" {
		http.Error(w, "userInstructions is required", http.StatusBadRequest)
		return
	}
	serveSSE(w, r, s.runtime.StartRun(r.Context(), req.RunID, req.APIKey, req.UserInstructions))
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	if runID == "" {
		http.Error(w, "runId is required", http.StatusBadRequest)
		return
	}
	serveSSE(w, r, s.runtime.ResumeRun(r.Context(), runID))
}

type commandRequest struct {
	Mode     string `json:"mode"`
	Feedback string `json:"feedback"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	if runID == "" {
		http.Error(w, "runId is required", http.StatusBadRequest)
		return
	}
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	cmd := classifier.Command{Mode: classifier.CommandMode(req.Mode), Feedback: req.Feedback}
	serveSSE(w, r, s.dispatcher.Dispatch(r.Context(), runID, cmd))
}

// serveSSE drains seq onto w as it is produced, flushing after every event
// so a connected client sees progress in real time rather than buffered at
// the end of the run.
func serveSSE(w http.ResponseWriter, r *http.Request, seq stream.Seq) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	seq(func(ev stream.Event) bool {
		data, err := json.Marshal(ev)
		if err != nil {
			return false
		}
		fmt.Fprintf(w, "event: %s\n", ev.Type)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
		return ctx.Err() == nil
	})
}
