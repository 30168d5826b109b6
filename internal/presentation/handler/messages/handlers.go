package messages

import (
	"net/http"

	"github.com/talkline/relay/internal/domain"
	"github.com/talkline/relay/internal/infrastructure/json"
	"github.com/talkline/relay/internal/relay"
)

type Handler struct {
	core *relay.Core
}

func NewHandler(core *relay.Core) *Handler {
	return &Handler{core: core}
}

// IngestMessageHandler accepts one already-persisted message and fans it
// out to the room's live subscribers, excluding the sender's connections.
// Delivery is best-effort: a 202 means the event was accepted, not that
// every recipient received it.
func (h *Handler) IngestMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req ingestMessageRequest
	if err := json.Read(r, &req); err != nil {
		json.WriteValidationError(w, err)
		return
	}

	ev, err := domain.NewMessageDeliveryEvent(req.MessageID, req.RoomID, req.SenderID, req.Content, req.CreatedAt)
	if err != nil {
		json.WriteValidationError(w, err)
		return
	}

	delivered := h.core.Ingest(r.Context(), ev)

	json.Write(w, http.StatusAccepted, ingestMessageResponse{
		MessageID:       ev.MessageID,
		LocalRecipients: delivered,
	})
}
