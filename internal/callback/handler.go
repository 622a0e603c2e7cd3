package callback

import (
	"crypto/subtle"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/bulk-dispatch/internal/domain"
	"github.com/ignite/bulk-dispatch/internal/pkg/httputil"
)

// Flow distinguishes the two callback surfaces a provider can post to.
// Transactional sends report to their own endpoint with its own key.
type Flow string

const (
	FlowNormal        Flow = "normal"
	FlowTransactional Flow = "transactional"
)

// Authenticator verifies a callback request before any payload parsing or
// database access happens.
type Authenticator interface {
	Authenticate(r *http.Request) bool
}

// KeyAuthenticator checks a shared secret carried in the X-Callback-Key
// header using a constant-time comparison.
type KeyAuthenticator struct {
	secret string
}

// NewKeyAuthenticator creates a shared-secret authenticator.
func NewKeyAuthenticator(secret string) *KeyAuthenticator {
	return &KeyAuthenticator{secret: secret}
}

// Authenticate reports whether the request carries the expected key. An
// empty configured secret rejects everything rather than allowing everything.
func (a *KeyAuthenticator) Authenticate(r *http.Request) bool {
	if a.secret == "" {
		return false
	}
	got := r.Header.Get("X-Callback-Key")
	return subtle.ConstantTimeCompare([]byte(got), []byte(a.secret)) == 1
}

type authKey struct {
	channel domain.Channel
	flow    Flow
}

// Handler exposes the provider callback endpoints. Authentication is keyed
// by (channel, flow); a missing entry means that surface is closed.
type Handler struct {
	ingestor *Ingestor
	auth     map[authKey]Authenticator
}

// NewHandler creates the callback HTTP handler.
func NewHandler(ingestor *Ingestor) *Handler {
	return &Handler{
		ingestor: ingestor,
		auth:     make(map[authKey]Authenticator),
	}
}

// Register opens one callback surface with its authenticator.
func (h *Handler) Register(ch domain.Channel, flow Flow, a Authenticator) {
	h.auth[authKey{channel: ch, flow: flow}] = a
}

// Routes mounts the callback endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/callbacks/{channel}", h.handle(FlowNormal))
	r.Post("/callbacks/{channel}/transactional", h.handle(FlowTransactional))
	return r
}

// callbackPayload is the provider-facing wire shape. Providers name the id
// field inconsistently, so both spellings are accepted.
type callbackPayload struct {
	ProviderMessageID string `json:"provider_message_id"`
	MessageID         string `json:"message_id"`
	Status            string `json:"status"`
	ErrorCode         string `json:"error_code"`
	AccountID         string `json:"account_id"`
}

func (h *Handler) handle(flow Flow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ch domain.Channel
		switch chi.URLParam(r, "channel") {
		case "email":
			ch = domain.ChannelEmail
		case "sms":
			ch = domain.ChannelSMS
		default:
			httputil.Error(w, http.StatusNotFound, "unknown channel")
			return
		}

		// Reject before reading the body: unauthenticated requests must
		// not reach parsing or the database.
		auth, ok := h.auth[authKey{channel: ch, flow: flow}]
		if !ok || !auth.Authenticate(r) {
			httputil.Unauthorized(w, "invalid callback key")
			return
		}

		var payload callbackPayload
		if !httputil.Decode(w, r, &payload) {
			return
		}
		if payload.ProviderMessageID == "" {
			payload.ProviderMessageID = payload.MessageID
		}
		if payload.ProviderMessageID == "" {
			httputil.BadRequest(w, "missing provider message id")
			return
		}

		ev := domain.CallbackEvent{
			ProviderMessageID: payload.ProviderMessageID,
			Status:            payload.Status,
			ErrorCode:         payload.ErrorCode,
			AccountID:         payload.AccountID,
		}
		if err := h.ingestor.Ingest(r.Context(), ch, ev); err != nil {
			httputil.InternalError(w, err)
			return
		}
		httputil.OK(w, map[string]string{"status": "ok"})
	}
}
