// Package relay serves the completion side of a handshake over HTTP. The
// provider redirects the authorization window to the callback page, which
// posts its URL back; the relay decodes the state, exchanges an
// authorization code when the provider returned one, and delivers the
// result to the initiator on the channel the state selects.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dgellow/login-handshake/internal/channel"
	"github.com/dgellow/login-handshake/internal/handshake"
	"github.com/dgellow/login-handshake/internal/hostbus"
	"github.com/dgellow/login-handshake/internal/identity"
	"github.com/dgellow/login-handshake/internal/idp"
	jsonwriter "github.com/dgellow/login-handshake/internal/json"
	"github.com/dgellow/login-handshake/internal/log"
	"github.com/dgellow/login-handshake/internal/login"
	"github.com/dgellow/login-handshake/internal/metrics"
)

const (
	// CompletePath receives the callback page's URL.
	CompletePath = "/auth/complete"

	defaultCallbackPath = "/auth/callback"
	defaultAckTimeout   = 5 * time.Second

	// errCodeExchangeFailed is published in place of a result when the
	// authorization code could not be redeemed.
	errCodeExchangeFailed = "code_exchange_failed"
)

// Publish results, also used as metrics labels.
const (
	resultAcked          = "acked"
	resultUnacknowledged = "unacknowledged"
	resultNoListener     = "no_listener"
	resultDelivered      = "delivered"
	resultResumed        = "resumed"
	resultFailed         = "failed"
)

// Config configures the relay routes.
type Config struct {
	CallbackPath   string
	AckTimeout     time.Duration
	AllowedOrigins []string
}

// Server is the completion relay.
type Server struct {
	cfg     Config
	service *login.Service
	broker  channel.Broker
	bus     *hostbus.Bus
	metrics *metrics.Metrics
}

// New creates a relay. bus may be nil when no provider redirects to the
// opener; broker must be the one the initiator's broadcast strategy uses.
func New(cfg Config, service *login.Service, broker channel.Broker, bus *hostbus.Bus, m *metrics.Metrics) *Server {
	if cfg.CallbackPath == "" {
		cfg.CallbackPath = defaultCallbackPath
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	return &Server{
		cfg:     cfg,
		service: service,
		broker:  broker,
		bus:     bus,
		metrics: m,
	}
}

// Routes builds the relay router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(
		NewRecoverMiddleware("relay"),
		NewLoggerMiddleware("relay"),
		NewMetricsMiddleware(s.metrics),
		NewCORSMiddleware(s.cfg.AllowedOrigins),
	)

	r.Get(s.cfg.CallbackPath, s.handleCallback)
	r.Post(CompletePath, s.handleComplete)
	r.Post("/auth/windows/{nonce}/closed", s.handleWindowClosed)
	r.Method(http.MethodGet, "/healthz", NewHealthHandler())
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	return r
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Referrer-Policy", "no-referrer")
	if err := callbackPageTemplate.Execute(w, CallbackPageData{CompletePath: CompletePath}); err != nil {
		log.LogErrorWithFields("relay", "Failed to render callback page", map[string]any{
			"error": err.Error(),
		})
	}
}

// completeRequest carries either the full return URL or its already
// extracted parameters.
type completeRequest struct {
	URL    string            `json:"url,omitempty"`
	Params map[string]string `json:"params,omitempty"`
}

type completeResponse struct {
	// CloseWindow tells the completion page it may close itself.
	CloseWindow bool                  `json:"closeWindow"`
	Status      string                `json:"status"`
	Error       string                `json:"error,omitempty"`
	User        *idp.UserInfo         `json:"user,omitempty"`
	Credential  *handshake.Credential `json:"credential,omitempty"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := jsonwriter.Decode(r, &req); err != nil {
		jsonwriter.WriteBadRequest(w, err.Error())
		return
	}

	params := req.Params
	if req.URL != "" {
		p, err := handshake.ReturnParams(req.URL)
		if err != nil {
			jsonwriter.WriteBadRequest(w, err.Error())
			return
		}
		params = p
	}
	if params["state"] == "" {
		jsonwriter.WriteBadRequest(w, handshake.ErrMissingState.Error())
		return
	}

	codec := s.service.Coordinator().Codec()
	state, err := codec.Decode(params["state"])
	if err != nil {
		log.LogWarnWithFields("relay", "Rejected completion with undecodable state", map[string]any{
			"error": err.Error(),
		})
		jsonwriter.WriteBadRequest(w, "invalid state")
		return
	}

	exchangeErr := s.exchangeCode(r.Context(), state, params)
	if exchangeErr != nil {
		log.LogErrorWithFields("relay", "Code exchange failed", map[string]any{
			"verifier": state.VerifierID,
			"error":    exchangeErr.Error(),
		})
		params["error"] = errCodeExchangeFailed
	}

	payload, err := handshake.PayloadFromParams(codec, params)
	if err != nil {
		jsonwriter.WriteBadRequest(w, err.Error())
		return
	}

	switch {
	case state.RedirectMode == identity.RedirectModeRedirect:
		s.completeRedirect(w, r, payload)
		return
	case state.RedirectToOpener:
		s.publishRuntime(w, state, payload, exchangeErr)
	default:
		s.publishBroadcast(w, r, state, payload, exchangeErr)
	}
}

// exchangeCode redeems an authorization code in place, replacing it in
// params with the token parameters. Handlers that don't exchange codes
// leave params untouched.
func (s *Server) exchangeCode(ctx context.Context, state identity.HandshakeState, params map[string]string) error {
	code := params["code"]
	if code == "" || params["access_token"] != "" || params["error"] != "" {
		return nil
	}

	_, h, ok := s.service.HandlerForVerifier(state.VerifierID)
	if !ok {
		return fmt.Errorf("%w: no provider for verifier %s", login.ErrUnknownProvider, state.VerifierID)
	}
	exchanger, ok := h.(idp.CodeExchanger)
	if !ok {
		return nil
	}

	token, err := exchanger.ExchangeCode(ctx, code)
	if err != nil {
		return err
	}
	delete(params, "code")
	for k, v := range idp.TokenParams(token) {
		params[k] = fmt.Sprint(v)
	}
	return nil
}

// completeRedirect finishes a redirect-mode login here: the initiator is
// gone, so the relay consumes the state itself and answers with the user.
func (s *Server) completeRedirect(w http.ResponseWriter, r *http.Request, payload channel.Payload) {
	cred, err := s.service.Coordinator().Complete(r.Context(), payload)
	if err != nil {
		var providerErr *handshake.ProviderError
		switch {
		case errors.As(err, &providerErr):
			jsonwriter.WriteError(w, http.StatusBadRequest, "provider_error", providerErr.Message)
		case errors.Is(err, handshake.ErrStateReplayed):
			jsonwriter.WriteConflict(w, "login already completed")
		default:
			jsonwriter.WriteInternalServerError(w, "failed to complete login")
		}
		s.metrics.RelayPublished(resultFailed)
		return
	}

	outcome, err := s.service.Finish(r.Context(), cred)
	if err != nil {
		s.metrics.RelayPublished(resultFailed)
		jsonwriter.WriteBadGateway(w, "failed to resolve user")
		return
	}

	s.metrics.RelayPublished(resultResumed)
	_ = jsonwriter.Write(w, completeResponse{
		Status:     resultResumed,
		User:       outcome.User,
		Credential: outcome.Credential,
	})
}

// publishRuntime posts the result on the host bus. The runtime strategy
// closes the completion tabs itself once it claims the message.
func (s *Server) publishRuntime(w http.ResponseWriter, state identity.HandshakeState, payload channel.Payload, exchangeErr error) {
	if s.bus == nil {
		s.metrics.RelayPublished(resultFailed)
		jsonwriter.WriteServiceUnavailable(w, "runtime bus not available")
		return
	}

	payload.Channel = identity.ChannelName(state.Nonce)
	body, err := payload.Encode()
	if err != nil {
		s.metrics.RelayPublished(resultFailed)
		jsonwriter.WriteInternalServerError(w, "failed to encode result")
		return
	}

	result := resultDelivered
	if s.bus.Publish(body) == 0 {
		result = resultNoListener
	}
	s.respond(w, state, result, exchangeErr)
}

// publishBroadcast publishes the result on the broadcast channel and waits
// for the initiator's acknowledgement. The relay subscribes before
// publishing so the ack can't slip past it; its own subscription is
// subtracted from the receiver count.
func (s *Server) publishBroadcast(w http.ResponseWriter, r *http.Request, state identity.HandshakeState, payload channel.Payload, exchangeErr error) {
	name := identity.ChannelName(state.Nonce)
	body, err := payload.Encode()
	if err != nil {
		s.metrics.RelayPublished(resultFailed)
		jsonwriter.WriteInternalServerError(w, "failed to encode result")
		return
	}

	result, err := s.publishAndAwaitAck(r.Context(), name, body)
	if err != nil {
		log.LogErrorWithFields("relay", "Failed to publish result", map[string]any{
			"channel": name,
			"error":   err.Error(),
		})
		s.metrics.RelayPublished(resultFailed)
		jsonwriter.WriteServiceUnavailable(w, "result channel unavailable")
		return
	}
	s.respond(w, state, result, exchangeErr)
}

func (s *Server) publishAndAwaitAck(ctx context.Context, name string, body []byte) (string, error) {
	sub, err := s.broker.Subscribe(ctx, name)
	if err != nil {
		return "", err
	}
	defer sub.Close()

	n, err := s.broker.Publish(ctx, name, body)
	if err != nil {
		return "", err
	}
	if n-1 <= 0 {
		return resultNoListener, nil
	}

	timer := time.NewTimer(s.cfg.AckTimeout)
	defer timer.Stop()
	for {
		select {
		case msg, ok := <-sub.Messages():
			if !ok {
				return resultUnacknowledged, nil
			}
			if channel.IsAck(msg) {
				return resultAcked, nil
			}
		case <-timer.C:
			return resultUnacknowledged, nil
		case <-ctx.Done():
			return resultUnacknowledged, nil
		}
	}
}

// respond answers a popup-mode completion. Only an acknowledged or claimed
// result lets the page close; otherwise the user still sees it.
func (s *Server) respond(w http.ResponseWriter, state identity.HandshakeState, result string, exchangeErr error) {
	s.metrics.RelayPublished(result)
	log.LogDebugWithFields("relay", "Published result", map[string]any{
		"loginType": string(state.LoginType),
		"result":    result,
	})

	resp := completeResponse{
		CloseWindow: result == resultAcked || result == resultDelivered,
		Status:      result,
	}
	status := http.StatusOK
	if !resp.CloseWindow {
		status = http.StatusAccepted
	}
	if exchangeErr != nil {
		resp.Error = errCodeExchangeFailed
		status = http.StatusBadGateway
	}
	_ = jsonwriter.WriteResponse(w, status, resp)
}

func (s *Server) handleWindowClosed(w http.ResponseWriter, r *http.Request) {
	nonce := chi.URLParam(r, "nonce")
	if !s.service.Coordinator().Registry().MarkClosedByUser(nonce) {
		jsonwriter.WriteNotFound(w, "no open window for nonce")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
