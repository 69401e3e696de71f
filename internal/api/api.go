// Package api exposes the HTTP surface of the livecast service: the chat
// log dump, the moderation report endpoint, and the daily game record
// endpoints. Handlers register onto the same mux the WebSocket server
// listens on.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/ballpark/livecast/internal/chatlog"
)

const requestTimeout = 5 * time.Second

// Store is the slice of the message log the HTTP surface needs.
type Store interface {
	ListMessages(ctx context.Context, channel string) ([]chatlog.Message, error)
	AddReport(ctx context.Context, channel, msgID string, r chatlog.Report) (int, error)
	GetOrCreateGameRecord(ctx context.Context, gameID string) (*chatlog.GameRecord, error)
	DeleteGameRecord(ctx context.Context, gameID string) error
}

// Handler serves the HTTP API over a message log store.
type Handler struct {
	store   Store
	channel string
	now     func() time.Time
}

// NewHandler creates a Handler for the given chat channel. The now function
// supplies the clock used to resolve today's game record; pass time.Now in
// production.
func NewHandler(store Store, channel string, now func() time.Time) *Handler {
	if now == nil {
		now = time.Now
	}
	return &Handler{store: store, channel: channel, now: now}
}

// Register attaches all API routes to the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/chatLogs", h.handleChatLogs)
	mux.HandleFunc("/message/report", h.handleReport)
	mux.HandleFunc("/liveinfo", h.handleLiveInfo)
	mux.HandleFunc("/deleteLiveInfo", h.handleDeleteLiveInfo)
}

// handleChatLogs returns the flattened ordered message log for the chat
// channel. 404 when no messages have ever been logged.
func (h *Handler) handleChatLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	msgs, err := h.store.ListMessages(ctx, h.channel)
	if err != nil {
		log.Printf("api: list messages: %v", err)
		http.Error(w, "error getting chat logs", http.StatusInternalServerError)
		return
	}
	if len(msgs) == 0 {
		http.Error(w, "no chat logs", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, msgs)
}

// reportRequest is the POST /message/report body.
type reportRequest struct {
	MsgID  string `json:"msgId"`
	UserID string `json:"userId"`
	Kind   string `json:"type"`
}

// handleReport merges a moderation report into every logged message with a
// matching msgId. 400 on missing fields, 404 when the channel has no
// documents, 500 on persistence failure. A msgId matching no message is
// still a success: the merge is a no-op by contract.
func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req reportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.MsgID == "" || req.UserID == "" || req.Kind == "" {
		http.Error(w, "msgId, userId and type are required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	matched, err := h.store.AddReport(ctx, h.channel, req.MsgID, chatlog.Report{
		UserID: req.UserID,
		Kind:   req.Kind,
	})
	if errors.Is(err, chatlog.ErrNotFound) {
		http.Error(w, "no chat documents", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("api: add report msgId=%s: %v", req.MsgID, err)
		http.Error(w, "error saving report", http.StatusInternalServerError)
		return
	}

	if matched == 0 {
		log.Printf("api: report msgId=%s matched no messages", req.MsgID)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleLiveInfo returns today's game record, creating it with the default
// pitcher names and empty score lists when this is the first lookup of the
// day.
func (h *Handler) handleLiveInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	rec, err := h.store.GetOrCreateGameRecord(ctx, chatlog.DateID(h.now()))
	if err != nil {
		log.Printf("api: get live info: %v", err)
		http.Error(w, "error getting live info", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, rec)
}

// handleDeleteLiveInfo deletes today's game record. 404 when none exists.
func (h *Handler) handleDeleteLiveInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	err := h.store.DeleteGameRecord(ctx, chatlog.DateID(h.now()))
	if errors.Is(err, chatlog.ErrNotFound) {
		http.Error(w, "no live info", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Printf("api: delete live info: %v", err)
		http.Error(w, "error deleting live info", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// writeJSON encodes v as the JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
