package realtime

import (
	"net/http"
	"strings"

	"github.com/baechuer/psychic-connect/services/session-service/internal/domain"
	"github.com/baechuer/psychic-connect/services/session-service/internal/metrics"
	"github.com/baechuer/psychic-connect/services/session-service/internal/pkg/logger"
	"github.com/baechuer/psychic-connect/services/session-service/internal/security"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Handler upgrades GET /api/ws. Browsers cannot set headers on a websocket
// handshake, so the token may also come as ?access_token=.
type Handler struct {
	hub      *Hub
	verifier security.AccessTokenVerifier
	upgrader websocket.Upgrader
}

// NewHandler accepts any origin when allowedOrigins is empty.
func NewHandler(hub *Hub, verifier security.AccessTokenVerifier, allowedOrigins []string) *Handler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.TrimRight(strings.ToLower(o), "/")] = struct{}{}
	}

	return &Handler{
		hub:      hub,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true // non-browser client
				}
				_, ok := allowed[strings.TrimRight(strings.ToLower(origin), "/")]
				return ok
			},
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	if token == "" {
		http.Error(w, "missing access token", http.StatusUnauthorized)
		return
	}
	claims, err := h.verifier.VerifyAccessToken(token)
	if err != nil {
		http.Error(w, "invalid access token", http.StatusUnauthorized)
		return
	}
	uid, err := uuid.Parse(claims.UserID)
	if err != nil {
		http.Error(w, "invalid access token", http.StatusUnauthorized)
		return
	}

	topics := Topics(claims, uid)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		logger.WithCtx(r.Context()).Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	log := logger.Logger.With().Str("component", "ws").Str("user_id", uid.String()).Logger()
	c := NewClient(conn, log)
	h.hub.Register(c, topics...)
	metrics.WSConnected()
	log.Debug().Strs("topics", topics).Msg("websocket connected")

	go c.writePump()
	c.readPump()

	h.hub.Unregister(c, topics...)
	metrics.WSDisconnected()
	log.Debug().Msg("websocket disconnected")
}

// Topics lists what a connection of this account listens to.
func Topics(claims security.TokenClaims, uid uuid.UUID) []string {
	topics := []string{domain.UserTopic(uid)}
	if claims.IsPsychic() {
		topics = append(topics, domain.PsychicTopic(uid))
	}
	return topics
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
