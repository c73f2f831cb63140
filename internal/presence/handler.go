package presence

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
)

// StatusSource is the query surface the presence endpoint consumes. *Store
// satisfies it.
type StatusSource interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
	Get(ctx context.Context, userID string) (*Record, error)
}

// Handler serves GET /api/presence?user=<identity>, answering from the
// Redis mirror so any instance can report presence for the whole cluster.
type Handler struct {
	source StatusSource
}

// NewHandler creates a presence handler over the given source.
func NewHandler(source StatusSource) *Handler {
	return &Handler{source: source}
}

type statusResponse struct {
	UserID      string `json:"userId"`
	Online      bool   `json:"online"`
	Server      string `json:"server,omitempty"`
	ConnectedAt int64  `json:"connectedAt,omitempty"`
	LastActive  int64  `json:"lastActive,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	user := r.URL.Query().Get("user")
	if user == "" {
		http.Error(w, "missing user parameter", http.StatusBadRequest)
		return
	}

	online, err := h.source.IsOnline(r.Context(), user)
	if err != nil {
		log.Printf("presence: lookup for %s: %v", user, err)
		http.Error(w, "presence unavailable", http.StatusInternalServerError)
		return
	}

	resp := statusResponse{UserID: user, Online: online}
	if online {
		record, err := h.source.Get(r.Context(), user)
		if err != nil {
			log.Printf("presence: lookup for %s: %v", user, err)
			http.Error(w, "presence unavailable", http.StatusInternalServerError)
			return
		}
		if record == nil {
			// The record expired between the two lookups.
			resp.Online = false
		} else {
			resp.Server = record.Server
			resp.ConnectedAt = record.ConnectedAt
			resp.LastActive = record.LastActive
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("presence: encode response for %s: %v", user, err)
	}
}
