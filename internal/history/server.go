package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/parley/chat-relay/internal/metrics"
)

// ServerConfig holds the history service settings.
type ServerConfig struct {
	ListenAddr  string // address to listen on, e.g. ":8081"
	FileDir     string // directory for uploaded attachments
	MaxFileSize int64  // max attachment size in bytes
}

// DefaultServerConfig returns production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:  ":8081",
		FileDir:     "uploads",
		MaxFileSize: 16 << 20, // 16 MiB
	}
}

// Server is the history service's HTTP front. Routes mirror the CRUD API the
// clients consume: users, chats, message persistence, transcript listing,
// and file-attachment uploads.
type Server struct {
	config ServerConfig
	store  *Store
	http   *http.Server
}

// NewServer creates a history HTTP server over the given store.
func NewServer(config ServerConfig, store *Store) *Server {
	return &Server{config: config, store: store}
}

// Start wires the routes and blocks on ListenAndServe.
func (s *Server) Start() error {
	if err := os.MkdirAll(s.config.FileDir, 0o755); err != nil {
		return fmt.Errorf("history: create file dir: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /user", s.instrument("create_user", s.handleCreateUser))
	mux.HandleFunc("POST /chat", s.instrument("create_chat", s.handleCreateChat))
	mux.HandleFunc("GET /chat/{chatId}", s.instrument("get_chat", s.handleGetChat))
	mux.HandleFunc("POST /message", s.instrument("create_message", s.handleCreateMessage))
	mux.HandleFunc("GET /message/{chatId}", s.instrument("list_messages", s.handleListMessages))
	mux.HandleFunc("POST /message/file", s.instrument("upload_file", s.handleUploadFile))
	mux.Handle("GET /files/", http.StripPrefix("/files/",
		http.FileServer(http.Dir(s.config.FileDir))))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	s.http = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	log.Printf("history: server listening on %s (file_dir=%s)",
		s.config.ListenAddr, s.config.FileDir)

	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("history: http server error: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// instrument wraps a handler with the request counter.
func (s *Server) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		metrics.HistoryRequests.WithLabelValues(route, strconv.Itoa(sw.status/100*100)).Inc()
	}
}

// statusWriter captures the response status for metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	user, err := s.store.CreateUser(r.Context(), req.Name)
	if err != nil {
		s.storeError(w, "create user", err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string   `json:"name"`
		IsGroup bool     `json:"is_group"`
		UserIDs []string `json:"user_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	chat, err := s.store.CreateChat(r.Context(), req.Name, req.IsGroup, req.UserIDs)
	if errors.Is(err, ErrEmptyChat) || errors.Is(err, ErrUnknownUser) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.storeError(w, "create chat", err)
		return
	}
	writeJSON(w, http.StatusCreated, chat)
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	chat, err := s.store.GetChat(r.Context(), r.PathValue("chatId"))
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	if err != nil {
		s.storeError(w, "get chat", err)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

// handleCreateMessage is phase 1 of the delivery pipeline: it turns a client
// draft {chat_id, sender_id, content} into the canonical message record the
// relay fan-out will carry.
func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChatID   string `json:"chat_id"`
		SenderID string `json:"sender_id"`
		Content  string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ChatID == "" || req.SenderID == "" {
		writeError(w, http.StatusBadRequest, "chat_id and sender_id are required")
		return
	}
	if err := ValidateContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := s.store.CreateMessage(r.Context(), req.ChatID, req.SenderID, req.Content, "")
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	if errors.Is(err, ErrNotAMember) {
		writeError(w, http.StatusForbidden, "sender is not a chat member")
		return
	}
	if err != nil {
		s.storeError(w, "create message", err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.store.ListMessages(r.Context(), r.PathValue("chatId"))
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	if err != nil {
		s.storeError(w, "list messages", err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

// handleUploadFile is the file-attachment variant of message creation: the
// multipart upload substitutes for plain persistence, then the stored
// message carries the served file URL.
func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxFileSize)
	if err := r.ParseMultipartForm(s.config.MaxFileSize); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	chatID := r.FormValue("chat_id")
	senderID := r.FormValue("sender_id")
	if chatID == "" || senderID == "" {
		writeError(w, http.StatusBadRequest, "chat_id and sender_id are required")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	// Stored name is a fresh UUID plus the original extension; the original
	// name survives only as the message content.
	stored := uuid.New().String() + filepath.Ext(header.Filename)
	dst, err := os.Create(filepath.Join(s.config.FileDir, stored))
	if err != nil {
		s.storeError(w, "store file", err)
		return
	}
	defer dst.Close()

	if _, err := io.Copy(dst, file); err != nil {
		s.storeError(w, "store file", err)
		return
	}

	msg, err := s.store.CreateMessage(r.Context(), chatID, senderID,
		header.Filename, "/files/"+stored)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "chat not found")
		return
	}
	if errors.Is(err, ErrNotAMember) {
		writeError(w, http.StatusForbidden, "sender is not a chat member")
		return
	}
	if err != nil {
		s.storeError(w, "create file message", err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// storeError logs an unexpected store failure and answers 500 without
// leaking internals.
func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	log.Printf("history: %s: %v", op, err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
