// Package server exposes the wallet ceremony HTTP surface.
package server

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/louisbranch/abstractwallet/internal/ceremony"
	apperrors "github.com/louisbranch/abstractwallet/internal/platform/errors"
	"github.com/louisbranch/abstractwallet/internal/wallet"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// ceremonyCookieName carries the signed ceremony token between the
	// options call and its paired verify call.
	ceremonyCookieName = "wallet_ceremony"
	// maxResponseBodySize caps verify request bodies.
	maxResponseBodySize = 1 << 20
)

// Handler routes wallet ceremony requests.
type Handler struct {
	ceremonies *ceremony.Service
	tracer     trace.Tracer
	cookieTTL  time.Duration
	secure     bool
}

// NewHandler builds the HTTP handler for the wallet server.
func NewHandler(ceremonies *ceremony.Service, cookieTTL time.Duration, secureCookies bool) http.Handler {
	handler := &Handler{
		ceremonies: ceremonies,
		tracer:     otel.Tracer("abstractwallet/server"),
		cookieTTL:  cookieTTL,
		secure:     secureCookies,
	}
	return handler.routes()
}

// routes wires the HTTP routes for the wallet handler.
func (h *Handler) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/registration-options", http.HandlerFunc(h.handleRegistrationOptions))
	mux.Handle("/verify-registration", http.HandlerFunc(h.handleVerifyRegistration))
	mux.Handle("/authentication-options", http.HandlerFunc(h.handleAuthenticationOptions))
	mux.Handle("/verify-authentication", http.HandlerFunc(h.handleVerifyAuthentication))
	mux.Handle("/wallet", http.HandlerFunc(h.handleWallet))
	mux.Handle("/healthz", http.HandlerFunc(h.handleHealth))
	return h.withTracing(mux)
}

func (h *Handler) withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), r.Method+" "+r.URL.Path)
		span.SetAttributes(attribute.String("http.method", r.Method))
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleRegistrationOptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := strings.TrimSpace(r.URL.Query().Get("principal"))
	if name == "" {
		http.Error(w, "principal is required", http.StatusBadRequest)
		return
	}

	start, err := h.ceremonies.BeginRegistration(r.Context(), name)
	if err != nil {
		h.writeError(w, "begin registration", err)
		return
	}

	h.setCeremonyCookie(w, start.Token)
	writeJSON(w, http.StatusOK, start.Options)
}

func (h *Handler) handleVerifyRegistration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	token := h.ceremonyToken(r)
	body, err := io.ReadAll(io.LimitReader(r.Body, maxResponseBodySize))
	if err != nil {
		http.Error(w, "read request body", http.StatusBadRequest)
		return
	}

	result, _, err := h.ceremonies.FinishRegistration(r.Context(), token, body)
	if err != nil {
		h.writeError(w, "verify registration", err)
		return
	}

	h.clearCeremonyCookie(w)
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleAuthenticationOptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := strings.TrimSpace(r.URL.Query().Get("principal"))
	if name == "" {
		http.Error(w, "principal is required", http.StatusBadRequest)
		return
	}

	start, err := h.ceremonies.BeginAuthentication(r.Context(), name)
	if err != nil {
		h.writeError(w, "begin authentication", err)
		return
	}

	h.setCeremonyCookie(w, start.Token)
	writeJSON(w, http.StatusOK, start.Options)
}

func (h *Handler) handleVerifyAuthentication(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	token := h.ceremonyToken(r)
	body, err := io.ReadAll(io.LimitReader(r.Body, maxResponseBodySize))
	if err != nil {
		http.Error(w, "read request body", http.StatusBadRequest)
		return
	}

	result, _, err := h.ceremonies.FinishAuthentication(r.Context(), token, body)
	if err != nil {
		h.writeError(w, "verify authentication", err)
		return
	}

	h.clearCeremonyCookie(w)
	writeJSON(w, http.StatusOK, result)
}

type walletRequest struct {
	Principal string `json:"principal"`
}

type walletResponse struct {
	Address string          `json:"address"`
	Secret  json.RawMessage `json:"secret"`
}

// handleWallet generates a wallet key pair for an enrolled principal and
// returns the address plus the key-binding envelope. Decryption of the
// envelope stays gated behind a verified authentication on the caller's side.
func (h *Handler) handleWallet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req walletRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxResponseBodySize)).Decode(&req); err != nil {
		http.Error(w, "decode request body", http.StatusBadRequest)
		return
	}

	base, err := h.ceremonies.Principal(r.Context(), req.Principal)
	if err != nil {
		h.writeError(w, "resolve principal", err)
		return
	}

	generated, err := wallet.New()
	if err != nil {
		h.writeError(w, "generate wallet", err)
		return
	}
	wrapped, err := generated.Wrap(base.Name)
	if err != nil {
		h.writeError(w, "wrap wallet key", err)
		return
	}
	envelope, err := json.Marshal(wrapped)
	if err != nil {
		h.writeError(w, "encode envelope", err)
		return
	}

	writeJSON(w, http.StatusOK, walletResponse{Address: generated.Address, Secret: envelope})
}

func (h *Handler) ceremonyToken(r *http.Request) string {
	cookie, err := r.Cookie(ceremonyCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func (h *Handler) setCeremonyCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     ceremonyCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(h.cookieTTL / time.Second),
	})
}

func (h *Handler) clearCeremonyCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     ceremonyCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

// writeError maps domain codes to HTTP statuses. Security-sensitive codes
// never reach this path; ceremonies fold them into unverified results first.
func (h *Handler) writeError(w http.ResponseWriter, op string, err error) {
	code := apperrors.GetCode(err)
	status := code.HTTPStatus()
	if status == http.StatusOK || status == http.StatusInternalServerError {
		log.Printf("%s: %v", op, err)
		http.Error(w, "request failed", http.StatusInternalServerError)
		return
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response: %v", err)
	}
}
