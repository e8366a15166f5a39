// Package backendmock serves the proctoring endpoints in memory for local
// development and tests. It acknowledges requests and keeps counters; it does
// not grade or persist anything.
package backendmock

import (
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

const maxChunkBytes = 64 << 20

// Upload is the bookkeeping for one chunked recording.
type Upload struct {
	ID        string    `json:"upload_id"`
	SessionID string    `json:"session_id"`
	Chunks    int       `json:"chunks"`
	Bytes     int64     `json:"bytes"`
	Finalized bool      `json:"finalized"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session is the server view of one proctoring session.
type Session struct {
	ID          string    `json:"session_id"`
	TestID      string    `json:"test_id"`
	CandidateID string    `json:"candidate_id"`
	StartedAt   time.Time `json:"started_at"`
	Heartbeats  int       `json:"heartbeats"`
	Snapshots   int       `json:"snapshots"`
	LastStatus  string    `json:"last_status"`
	Ended       bool      `json:"ended"`
	EndReason   string    `json:"end_reason,omitempty"`
}

type Server struct {
	log zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	uploads  map[string]*Upload
	failures map[string]int
}

func New(log zerolog.Logger) *Server {
	return &Server{
		log:      log.With().Str("component", "mock-backend").Logger(),
		sessions: map[string]*Session{},
		uploads:  map[string]*Upload{},
		failures: map[string]int{},
	}
}

// FailNext makes the next n requests to path answer 503.
func (s *Server) FailNext(path string, n int) {
	s.mu.Lock()
	s.failures[path] += n
	s.mu.Unlock()
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.faults)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	p := r.PathPrefix("/proctor").Subrouter()
	p.HandleFunc("/start", s.handleStart).Methods(http.MethodPost)
	p.HandleFunc("/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	p.HandleFunc("/snapshot", s.handleSnapshot).Methods(http.MethodPost)
	p.HandleFunc("/video/upload/chunk", s.handleChunk).Methods(http.MethodPost)
	p.HandleFunc("/video/upload/finalize", s.handleFinalize).Methods(http.MethodPost)
	p.HandleFunc("/end", s.handleEnd).Methods(http.MethodPost)
	p.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	p.HandleFunc("/uploads/{id}", s.handleGetUpload).Methods(http.MethodGet)
	return r
}

func (s *Server) faults(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		n := s.failures[r.URL.Path]
		if n > 0 {
			s.failures[r.URL.Path] = n - 1
		}
		s.mu.Unlock()
		if n > 0 {
			s.log.Warn().Str("path", r.URL.Path).Msg("injected failure")
			http.Error(w, "injected failure", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, 16<<20)).Decode(v)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TestID      string `json:"test_id"`
		CandidateID string `json:"candidate_id"`
	}
	if err := decode(r, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.TestID == "" || req.CandidateID == "" {
		http.Error(w, "test_id and candidate_id are required", http.StatusBadRequest)
		return
	}
	sess := &Session{
		ID:          uuid.NewString(),
		TestID:      req.TestID,
		CandidateID: req.CandidateID,
		StartedAt:   time.Now().UTC(),
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	s.log.Info().Str("session_id", sess.ID).Str("test_id", sess.TestID).Msg("session started")
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sess.ID, "started_at": sess.StartedAt})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
		Status    string `json:"status"`
	}
	if err := decode(r, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	sess, ok := s.sessions[req.SessionID]
	if ok {
		sess.Heartbeats++
		sess.LastStatus = req.Status
	}
	s.mu.Unlock()
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	s.log.Debug().Str("session_id", req.SessionID).Str("status", req.Status).Msg("heartbeat")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		Image     string `json:"image"`
		Reason    string `json:"reason"`
	}
	if err := decode(r, &req); err != nil || req.Image == "" {
		http.Error(w, "invalid snapshot", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	sess, ok := s.sessions[req.SessionID]
	if ok {
		sess.Snapshots++
	}
	s.mu.Unlock()
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	s.log.Info().Str("session_id", req.SessionID).Str("reason", req.Reason).Msg("snapshot")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleChunk(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxChunkBytes); err != nil {
		http.Error(w, "invalid multipart body", http.StatusBadRequest)
		return
	}
	file, _, err := r.FormFile("chunk")
	if err != nil {
		http.Error(w, "missing chunk", http.StatusBadRequest)
		return
	}
	defer file.Close()
	n, err := io.Copy(io.Discard, file)
	if err != nil {
		http.Error(w, "read chunk", http.StatusBadRequest)
		return
	}

	sessionID := r.FormValue("session_id")
	uploadID := r.FormValue("upload_id")

	s.mu.Lock()
	if _, ok := s.sessions[sessionID]; !ok {
		s.mu.Unlock()
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	up, ok := s.uploads[uploadID]
	if !ok {
		up = &Upload{ID: uuid.NewString(), SessionID: sessionID}
		s.uploads[up.ID] = up
	}
	if up.Finalized {
		s.mu.Unlock()
		http.Error(w, "upload already finalized", http.StatusConflict)
		return
	}
	up.Chunks++
	up.Bytes += n
	up.UpdatedAt = time.Now().UTC()
	id := up.ID
	s.mu.Unlock()

	s.log.Debug().Str("upload_id", id).Int64("bytes", n).Str("seq", r.FormValue("seq")).Msg("chunk")
	writeJSON(w, http.StatusOK, map[string]string{"upload_id": id})
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		http.Error(w, "invalid multipart body", http.StatusBadRequest)
		return
	}
	uploadID := r.FormValue("upload_id")

	s.mu.Lock()
	up, ok := s.uploads[uploadID]
	chunks := 0
	if ok {
		up.Finalized = true
		up.UpdatedAt = time.Now().UTC()
		chunks = up.Chunks
	}
	s.mu.Unlock()
	if !ok {
		http.Error(w, "unknown upload", http.StatusNotFound)
		return
	}
	s.log.Info().Str("upload_id", uploadID).Int("chunks", chunks).Msg("upload finalized")
	writeJSON(w, http.StatusOK, map[string]any{"upload_id": uploadID, "finalized": true})
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
		Reason    string `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	sess, ok := s.sessions[req.SessionID]
	if ok {
		sess.Ended = true
		sess.EndReason = req.Reason
	}
	s.mu.Unlock()
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	s.log.Info().Str("session_id", req.SessionID).Str("reason", req.Reason).Msg("session ended")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.Session(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleGetUpload(w http.ResponseWriter, r *http.Request) {
	up, ok := s.Upload(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "unknown upload", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, up)
}

// Session returns a copy of the session state.
func (s *Server) Session(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// Upload returns a copy of the upload state.
func (s *Server) Upload(id string) (Upload, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	up, ok := s.uploads[id]
	if !ok {
		return Upload{}, false
	}
	return *up, true
}

// Sessions returns the number of sessions started.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
