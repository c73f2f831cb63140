// Package history exposes the message log over REST for history loading.
// The live routing path never goes through here; clients fetch history on
// conversation open and then follow the WebSocket stream.
package history

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/neurochat/backend/internal/message"
)

// DefaultLimit is used when the request omits or mangles the limit param.
const DefaultLimit = 50

// MaxLimit caps a single history page.
const MaxLimit = 500

// Store is the read surface the handler consumes.
type Store interface {
	QueryByRecipient(ctx context.Context, identity string, limit int) ([]message.Message, error)
}

// Handler serves GET /api/history?user=<identity>&limit=<n>.
type Handler struct {
	store Store
}

// NewHandler creates a history handler over the given store.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// entry is the JSON shape of one history row, matching the live chat
// envelope field names so clients render both identically.
type entry struct {
	ID            string `json:"id"`
	Sender        string `json:"sender"`
	To            string `json:"to,omitempty"`
	GroupID       string `json:"groupId,omitempty"`
	Content       string `json:"content"`
	MsgType       string `json:"msgType"`
	Timestamp     int64  `json:"timestamp"`
	DisappearTime int    `json:"disappearTime,omitempty"`
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

	limit := DefaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	msgs, err := h.store.QueryByRecipient(r.Context(), user, limit)
	if err != nil {
		log.Printf("history: query for %s: %v", user, err)
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}

	out := make([]entry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, entry{
			ID:            m.ID,
			Sender:        m.Sender,
			To:            m.Recipient,
			GroupID:       m.GroupID,
			Content:       m.Content,
			MsgType:       m.Kind,
			Timestamp:     m.Timestamp,
			DisappearTime: m.DisappearTime,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		log.Printf("history: encode response for %s: %v", user, err)
	}
}
