package presence

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkline/relay/internal/domain"
	"github.com/talkline/relay/internal/infrastructure/logging"
	"github.com/talkline/relay/internal/relay"
)

type noopTransport struct{}

func (noopTransport) DeliverMessage(*domain.MessageDeliveryEvent) error { return nil }
func (noopTransport) DeliverPresence(domain.PresenceRecord) error       { return nil }
func (noopTransport) Close(string)                                      {}

type stubStore struct {
	record *domain.PresenceRecord
}

func (s *stubStore) UpdateStatus(_ context.Context, _ string, _ domain.PresenceState, _ time.Time) error {
	return nil
}

func (s *stubStore) GetStatus(_ context.Context, userID string) (*domain.PresenceRecord, error) {
	if s.record != nil {
		return s.record, nil
	}
	return &domain.PresenceRecord{UserID: userID, State: domain.PresenceOffline}, nil
}

func newTestRouter(t *testing.T, store domain.UserStatusRepository) (*chi.Mux, *relay.Core, *relay.Registry) {
	t.Helper()
	logger := logging.NewNopLogger()
	registry := relay.NewRegistry(logger, nil)
	tracker := relay.NewTracker(relay.TrackerOptions{}, logger, nil)
	engine := relay.NewEngine(registry, logger, nil)
	registry.AddListener(tracker)
	core := relay.NewCore(registry, tracker, engine, nil, logger, nil)

	h := NewHandler(core, store)
	r := chi.NewRouter()
	r.Get("/api/presence/{userId}", h.GetPresenceHandler)
	r.Post("/api/presence/{userId}/away", h.SetAwayHandler)
	return r, core, registry
}

func TestGetPresenceUnknownUser(t *testing.T) {
	router, _, _ := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/presence/ghost", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp presenceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ghost", resp.UserID)
	assert.Equal(t, "offline", resp.State)
	assert.Empty(t, resp.LastSeen)
}

func TestGetPresenceTrackedUser(t *testing.T) {
	router, _, registry := newTestRouter(t, nil)

	registry.Register("c1", noopTransport{})
	require.NoError(t, registry.Admit("c1", "alice"))

	req := httptest.NewRequest(http.MethodGet, "/api/presence/alice", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp presenceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "online", resp.State)
}

func TestGetPresenceFallsBackToStore(t *testing.T) {
	lastSeen := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := &stubStore{record: &domain.PresenceRecord{
		UserID:   "bob",
		State:    domain.PresenceOffline,
		LastSeen: lastSeen,
	}}
	router, _, _ := newTestRouter(t, store)

	req := httptest.NewRequest(http.MethodGet, "/api/presence/bob", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp presenceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "offline", resp.State)
	assert.Equal(t, "2025-06-01T12:00:00Z", resp.LastSeen)
}

func TestSetAway(t *testing.T) {
	router, core, registry := newTestRouter(t, nil)

	registry.Register("c1", noopTransport{})
	require.NoError(t, registry.Admit("c1", "alice"))

	req := httptest.NewRequest(http.MethodPost, "/api/presence/alice/away", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, domain.PresenceAway, core.Presence("alice").State)
}
