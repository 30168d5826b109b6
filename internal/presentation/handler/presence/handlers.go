package presence

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/talkline/relay/internal/domain"
	"github.com/talkline/relay/internal/infrastructure/json"
	"github.com/talkline/relay/internal/relay"
)

type Handler struct {
	core  *relay.Core
	store domain.UserStatusRepository
}

func NewHandler(core *relay.Core, store domain.UserStatusRepository) *Handler {
	return &Handler{core: core, store: store}
}

// GetPresenceHandler reports a user's presence. The in-memory tracker is
// authoritative for users this process has seen; everyone else falls back
// to the durable store.
func (h *Handler) GetPresenceHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if userID == "" {
		json.WriteValidationError(w, errors.New("user ID is missing"))
		return
	}

	rec := h.core.Presence(userID)

	if rec.State == domain.PresenceOffline && rec.LastSeen.IsZero() && h.store != nil {
		stored, err := h.store.GetStatus(r.Context(), userID)
		if err != nil {
			json.WriteInternalError(w, err)
			return
		}
		rec = *stored
	}

	json.Write(w, http.StatusOK, toResponse(rec))
}

// SetAwayHandler flips an online user to away. Inactivity detection lives
// client-side; the relay only applies the transition.
func (h *Handler) SetAwayHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	if userID == "" {
		json.WriteValidationError(w, errors.New("user ID is missing"))
		return
	}

	h.core.SetAway(userID)
	w.WriteHeader(http.StatusNoContent)
}

func toResponse(rec domain.PresenceRecord) presenceResponse {
	resp := presenceResponse{
		UserID: rec.UserID,
		State:  string(rec.State),
	}
	if !rec.LastSeen.IsZero() {
		resp.LastSeen = rec.LastSeen.UTC().Format(time.RFC3339)
	}
	return resp
}
