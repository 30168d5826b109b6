package websocket

import (
	"net/http"

	gws "github.com/gorilla/websocket"
	"github.com/talkline/relay/internal/infrastructure/auth"
	"github.com/talkline/relay/internal/infrastructure/logging"
	"github.com/talkline/relay/internal/infrastructure/ws"
	"github.com/talkline/relay/internal/relay"
)

type Handler struct {
	core     *relay.Core
	verifier auth.Verifier
	opts     ws.Options
	upgrader gws.Upgrader
	logger   logging.Logger
}

func NewHandler(core *relay.Core, verifier auth.Verifier, opts ws.Options, allowedOrigins []string, logger logging.Logger) *Handler {
	return &Handler{
		core:     core,
		verifier: verifier,
		opts:     opts,
		upgrader: gws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		logger: logger,
	}
}

// ServeWS upgrades the request and runs the connection until it closes.
// Admission happens after the upgrade, inside the setup handshake.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn(logging.Relay, logging.Admission, "websocket upgrade failed", map[logging.ExtraKey]any{
			logging.ErrorMessage: err.Error(),
			logging.ClientIp:     r.RemoteAddr,
		})
		return
	}

	client := ws.NewClient(conn, h.core, h.verifier, h.opts, h.logger)
	client.Run()
}

func originChecker(allowed []string) func(*http.Request) bool {
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
	}

	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		_, ok := set[origin]
		return ok
	}
}
