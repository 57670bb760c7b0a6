package rest

import (
	"errors"
	"net/http"
	"strings"

	"github.com/baechuer/psychic-connect/services/session-service/internal/domain"
	appCtx "github.com/baechuer/psychic-connect/services/session-service/internal/pkg/context"
	"github.com/baechuer/psychic-connect/services/session-service/internal/pkg/logger"
	"github.com/baechuer/psychic-connect/services/session-service/internal/service"
	"github.com/baechuer/psychic-connect/services/session-service/internal/transport/rest/response"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"
)

const maxIdempotencyKeyLen = 128

type Handler struct {
	svc *service.SessionService
}

func NewHandler(svc *service.SessionService) *Handler {
	return &Handler{svc: svc}
}

// -------------------------
// session endpoints; success bodies are the bare status snapshot
// -------------------------

func (h *Handler) SessionStatus(w http.ResponseWriter, r *http.Request) {
	auth, psychicID, ok := h.authAndPsychic(w, r)
	if !ok {
		return
	}
	snap, err := h.svc.Status(r.Context(), auth.UserID, psychicID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, snap)
}

func (h *Handler) StartFree(w http.ResponseWriter, r *http.Request) {
	auth, psychicID, ok := h.authAndPsychic(w, r)
	if !ok {
		return
	}
	snap, err := h.svc.StartFree(r.Context(), auth.UserID, psychicID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, snap)
}

func (h *Handler) StartPaid(w http.ResponseWriter, r *http.Request) {
	auth, psychicID, ok := h.authAndPsychic(w, r)
	if !ok {
		return
	}
	key, ok := idempotencyKey(w, r)
	if !ok {
		return
	}
	snap, err := h.svc.StartPaid(r.Context(), key, auth.UserID, psychicID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, snap)
}

func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	auth, psychicID, ok := h.authAndPsychic(w, r)
	if !ok {
		return
	}
	key, ok := idempotencyKey(w, r)
	if !ok {
		return
	}
	snap, err := h.svc.Stop(r.Context(), key, auth.UserID, psychicID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.JSON(w, http.StatusOK, snap)
}

// -------------------------
// catalogue and wallet
// -------------------------

func (h *Handler) Plans(w http.ResponseWriter, r *http.Request) {
	plans := h.svc.Plans()
	out := make([]planResp, 0, len(plans))
	for _, p := range plans {
		out = append(out, planResp{Plan: p, PricePerMinuteCents: p.PricePerMinuteCents()})
	}
	response.Data(w, http.StatusOK, out)
}

func (h *Handler) Psychics(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.Psychics(r.Context())
	if err != nil {
		handleErr(w, r, err)
		return
	}
	out := make([]psychicResp, 0, len(items))
	for _, p := range items {
		out = append(out, toPsychicResp(p))
	}
	response.Data(w, http.StatusOK, out)
}

func (h *Handler) Psychic(w http.ResponseWriter, r *http.Request) {
	psychicID, ok := uuidParam(w, r, "psychicID")
	if !ok {
		return
	}
	p, err := h.svc.GetPsychic(r.Context(), psychicID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, toPsychicResp(p))
}

func (h *Handler) Wallet(w http.ResponseWriter, r *http.Request) {
	auth, ok := mustAuth(w, r)
	if !ok {
		return
	}
	wallet, err := h.svc.Wallet(r.Context(), auth.UserID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, toWalletResp(wallet))
}

// -------------------------
// history
// -------------------------

func (h *Handler) MySessions(w http.ResponseWriter, r *http.Request) {
	auth, ok := mustAuth(w, r)
	if !ok {
		return
	}
	pg, statuses, ok := listParams(w, r)
	if !ok {
		return
	}
	items, next, err := h.svc.ListMySessions(r.Context(), auth.UserID, statuses, pg.limit, pg.cursor)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, toSessionPage(items, next))
}

// PsychicSessions lists the caller's sessions as a psychic. Admins may pass ?psychic_id=.
func (h *Handler) PsychicSessions(w http.ResponseWriter, r *http.Request) {
	auth, ok := mustAuth(w, r)
	if !ok {
		return
	}
	psychicID := auth.UserID
	if s := strings.TrimSpace(r.URL.Query().Get("psychic_id")); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			fail(w, r, http.StatusBadRequest, "request.invalid", "invalid psychic_id", map[string]string{
				"psychic_id": "must be a valid uuid",
			})
			return
		}
		psychicID = id
	}
	pg, statuses, ok := listParams(w, r)
	if !ok {
		return
	}
	items, next, err := h.svc.ListPsychicSessions(r.Context(), psychicID, auth.UserID, auth.Role, statuses, pg.limit, pg.cursor)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, toSessionPage(items, next))
}

// -------------------------
// chat
// -------------------------

func (h *Handler) UserMessages(w http.ResponseWriter, r *http.Request) {
	auth, psychicID, ok := h.authAndPsychic(w, r)
	if !ok {
		return
	}
	h.listMessages(w, r, auth.UserID, psychicID)
}

func (h *Handler) SendUserMessage(w http.ResponseWriter, r *http.Request) {
	auth, psychicID, ok := h.authAndPsychic(w, r)
	if !ok {
		return
	}
	h.sendMessage(w, r, domain.SenderUser, auth.UserID, psychicID)
}

func (h *Handler) PsychicMessages(w http.ResponseWriter, r *http.Request) {
	auth, ok := mustAuth(w, r)
	if !ok {
		return
	}
	userID, ok := uuidParam(w, r, "userID")
	if !ok {
		return
	}
	h.listMessages(w, r, userID, auth.UserID)
}

func (h *Handler) SendPsychicMessage(w http.ResponseWriter, r *http.Request) {
	auth, ok := mustAuth(w, r)
	if !ok {
		return
	}
	userID, ok := uuidParam(w, r, "userID")
	if !ok {
		return
	}
	h.sendMessage(w, r, domain.SenderPsychic, userID, auth.UserID)
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request, userID, psychicID uuid.UUID) {
	pg, err := parsePage(r.URL.Query())
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid cursor", nil)
		return
	}
	items, next, err := h.svc.ListMessages(r.Context(), userID, psychicID, pg.limit, pg.cursor)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, toMessagePage(items, next))
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request, sender domain.Sender, userID, psychicID uuid.UUID) {
	var req sendMessageRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}
	if meta, ok := validateRequest(req); !ok {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", meta)
		return
	}
	msg, err := h.svc.SendMessage(r.Context(), sender, userID, psychicID, req.Body)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusCreated, msg)
}

// -------------------------
// admin
// -------------------------

func (h *Handler) GrantCredits(w http.ResponseWriter, r *http.Request) {
	auth, ok := mustAuth(w, r)
	if !ok {
		return
	}
	userID, ok := uuidParam(w, r, "userID")
	if !ok {
		return
	}
	var req grantCreditsRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}
	if meta, ok := validateRequest(req); !ok {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", meta)
		return
	}
	wallet, err := h.svc.GrantCredits(r.Context(), userID, auth.UserID, auth.Role, req.Credits, strings.TrimSpace(req.Reason))
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, toWalletResp(wallet))
}

func (h *Handler) ForceStop(w http.ResponseWriter, r *http.Request) {
	auth, ok := mustAuth(w, r)
	if !ok {
		return
	}
	sessionID, ok := uuidParam(w, r, "sessionID")
	if !ok {
		return
	}
	snap, err := h.svc.ForceStop(r.Context(), sessionID, auth.UserID, auth.Role)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, snap)
}

// -------------------------
// helpers
// -------------------------

func mustAuth(w http.ResponseWriter, r *http.Request) (AuthContext, bool) {
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
	}
	return auth, ok
}

func (h *Handler) authAndPsychic(w http.ResponseWriter, r *http.Request) (AuthContext, uuid.UUID, bool) {
	auth, ok := mustAuth(w, r)
	if !ok {
		return AuthContext{}, uuid.Nil, false
	}
	psychicID, ok := uuidParam(w, r, "psychicID")
	if !ok {
		return AuthContext{}, uuid.Nil, false
	}
	return auth, psychicID, true
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid "+name, map[string]string{
			name: "must be a valid uuid",
		})
		return uuid.Nil, false
	}
	return id, true
}

func listParams(w http.ResponseWriter, r *http.Request) (page, []domain.SessionStatus, bool) {
	q := r.URL.Query()
	pg, err := parsePage(q)
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid cursor", nil)
		return page{}, nil, false
	}
	statuses, err := parseStatuses(q.Get("status"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", err.Error(), nil)
		return page{}, nil, false
	}
	return pg, statuses, true
}

// idempotencyKey is optional; retries with the same key replay the first outcome.
func idempotencyKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
	if key == "" {
		key = strings.TrimSpace(r.Header.Get("Idempotency-Key")) // legacy fallback
	}
	if len(key) > maxIdempotencyKeyLen {
		fail(w, r, http.StatusBadRequest, "request.invalid", "idempotency key too long", nil)
		return "", false
	}
	return key, true
}

func handleErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidCredits), errors.Is(err, domain.ErrInvalidMessage):
		fail(w, r, http.StatusBadRequest, "request.invalid", err.Error(), nil)
	case errors.Is(err, domain.ErrInsufficientCredits):
		fail(w, r, http.StatusPaymentRequired, "credits.insufficient", "Insufficient credits", nil)
	case errors.Is(err, domain.ErrForbidden):
		fail(w, r, http.StatusForbidden, "auth.forbidden", err.Error(), nil)
	case errors.Is(err, domain.ErrPsychicNotFound):
		fail(w, r, http.StatusNotFound, "psychic.not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrSessionNotFound):
		fail(w, r, http.StatusNotFound, "session.not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrFreeSessionUsed):
		fail(w, r, http.StatusConflict, "free_session.used", "Free minute already used", nil)
	case errors.Is(err, domain.ErrActiveSessionElsewhere):
		fail(w, r, http.StatusConflict, "session.active_elsewhere", "End your current session to chat with this psychic", nil)
	case errors.Is(err, domain.ErrSessionAlreadyActive):
		// clients treat this as success and refetch the status
		fail(w, r, http.StatusConflict, "state_already_reached", err.Error(), nil)
	case errors.Is(err, domain.ErrFreeSessionRunning):
		fail(w, r, http.StatusConflict, "free_session.running", "Free minute cannot be stopped", nil)
	case errors.Is(err, domain.ErrSessionNotActive):
		fail(w, r, http.StatusConflict, "session.not_active", err.Error(), nil)
	case errors.Is(err, domain.ErrIdempotencyKeyMismatch):
		fail(w, r, http.StatusConflict, "idempotency_key_mismatch", err.Error(), nil)
	case errors.Is(err, domain.ErrSessionLocked):
		fail(w, r, http.StatusLocked, "session.locked", err.Error(), nil)
	case errors.Is(err, domain.ErrPsychicUnavailable):
		fail(w, r, http.StatusServiceUnavailable, "psychic.unavailable", err.Error(), nil)
	default:
		// do not leak internal details
		logger.WithCtx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		fail(w, r, http.StatusInternalServerError, "internal", "internal error", nil)
	}
}

func fail(w http.ResponseWriter, r *http.Request, status int, code, message string, meta map[string]string) {
	response.Fail(w, status, code, message, meta, appCtx.TraceID(r.Context()))
}
