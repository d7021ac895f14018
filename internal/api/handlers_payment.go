package api

import (
	"net"
	"net/http"
	"strings"

	"hotelbooking/internal/domain"
)

type paymentRequest struct {
	BookingID int64 `json:"booking_id"`
	Amount    int64 `json:"amount"`
}

type signatureRequest struct {
	Data      string `json:"data"`
	Signature string `json:"signature"`
}

func (s *HTTPServer) handleRequestPayment(w http.ResponseWriter, r *http.Request) {
	var body paymentRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeServiceError(w, err)
		return
	}
	actor, _ := actorFrom(r.Context())
	redirect, err := s.deps.Coordinator.RequestPayment(r.Context(), actor, body.BookingID, body.Amount, clientIP(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, redirect)
}

// handleCallback settles the gateway redirect, then sends the browser to the signed
// result page. The result page never learns why a payment failed.
func (s *HTTPServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Coordinator.HandleCallback(r.Context(), r.URL.Query())
	success := err == nil && res != nil && res.Success
	if err != nil {
		s.logger.Warn().Err(err).Str("txn_ref", r.URL.Query().Get("vnp_TxnRef")).Msg("gateway callback not settled")
	}
	http.Redirect(w, r, s.deps.Results.RedirectURL(success), http.StatusFound)
}

func (s *HTTPServer) handleVerifySignature(w http.ResponseWriter, r *http.Request) {
	var body signatureRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeServiceError(w, err)
		return
	}
	if body.Data == "" || body.Signature == "" {
		s.writeServiceError(w, domain.ValidationError{Msg: "data and signature are required"})
		return
	}
	if !s.deps.Results.Verify(body.Data, body.Signature) {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil || host == "" {
		return "127.0.0.1"
	}
	return host
}
