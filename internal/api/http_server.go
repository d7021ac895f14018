package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"hotelbooking/internal/config"
	"hotelbooking/internal/domain"
	"hotelbooking/internal/gateway/vnpay"
	"hotelbooking/internal/metrics"
	"hotelbooking/internal/service"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Reporter writes the reconciliation workbook for a check-in range.
type Reporter interface {
	Write(ctx context.Context, from, to time.Time) (string, error)
}

// Pinger reports storage liveness.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps are the collaborators behind the HTTP API.
type Deps struct {
	Coordinator *service.Coordinator
	Rooms       *service.RoomService
	Store       domain.KVStore
	Results     *vnpay.ResultSigner
	Identity    *IdentityVerifier
	Reports     Reporter
	Storage     Pinger
}

// HTTPServer exposes the guest, gateway and staff endpoints.
type HTTPServer struct {
	cfg     config.APIConfig
	deps    Deps
	server  *http.Server
	staff   *staffKeys
	limiter *rateLimiter
	logger  *zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, deps Deps, logger *zerolog.Logger) *HTTPServer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	srv := &HTTPServer{
		cfg:     cfg,
		deps:    deps,
		staff:   newStaffKeys(cfg.Auth),
		limiter: newRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", srv.handleHealthz)
	mux.HandleFunc("GET /readyz", srv.handleReadyz)

	mux.Handle("GET /api/v1/rooms", srv.guest(srv.handleListRooms))
	mux.Handle("GET /api/v1/rooms/available", srv.guest(srv.handleFreeRooms))
	mux.Handle("GET /api/v1/rooms/{id}", srv.guest(srv.handleGetRoom))
	mux.Handle("POST /api/v1/bookings", srv.guest(srv.handleReserve))
	mux.Handle("GET /api/v1/bookings", srv.guest(srv.handleListBookings))
	mux.Handle("GET /api/v1/bookings/{id}", srv.guest(srv.handleGetBooking))
	mux.Handle("POST /api/v1/bookings/{id}/cancel", srv.guest(srv.handleCancelBooking))
	mux.Handle("GET /api/v1/bookings/{id}/payments", srv.guest(srv.handleListPayments))
	mux.Handle("POST /api/v1/payments/vnpay", srv.guest(srv.handleRequestPayment))
	mux.Handle("POST /api/v1/payments/verify-signature", srv.guest(srv.handleVerifySignature))

	// Authenticity of the gateway redirect comes from its signature.
	mux.HandleFunc("GET /api/v1/payments/vnpay/callback", srv.handleCallback)

	mux.Handle("POST /api/v1/admin/rooms", srv.admin(permManageRooms, srv.handleCreateRoom))
	mux.Handle("PUT /api/v1/admin/rooms/{id}", srv.admin(permManageRooms, srv.handleUpdateRoom))
	mux.Handle("POST /api/v1/admin/bookings/{id}/check-in", srv.admin(permManageBookings, srv.handleCheckIn))
	mux.Handle("POST /api/v1/admin/bookings/{id}/check-out", srv.admin(permManageBookings, srv.handleCheckOut))
	mux.Handle("GET /api/v1/admin/bookings/arrivals", srv.admin(permManageBookings, srv.handleArrivals))
	mux.Handle("GET /api/v1/admin/bookings/departures", srv.admin(permManageBookings, srv.handleDepartures))
	mux.Handle("POST /api/v1/admin/exports/reconciliation", srv.admin(permExportReports, srv.handleReconciliation))

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return srv
}

func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Storage != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Storage.PingContext(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("readiness check failed")
			writeError(w, http.StatusServiceUnavailable, "storage unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// guest requires a valid bearer token and stores the actor in the request context.
func (s *HTTPServer) guest(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		actor, err := s.deps.Identity.Verify(token)
		if err != nil {
			s.logger.Debug().Err(err).Msg("bearer token rejected")
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next(w, r.WithContext(withActor(r.Context(), actor)))
	})
}

// admin requires a staff API key holding permission, then applies the per-key limiter.
func (s *HTTPServer) admin(permission string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Auth.Enabled {
			apiKey := strings.TrimSpace(r.Header.Get(s.staff.headerAPIKey))
			extra := strings.TrimSpace(r.Header.Get(s.staff.headerExtra))
			if _, err := s.staff.check(apiKey, extra, permission); err != nil {
				code := http.StatusUnauthorized
				if errors.Is(err, errPermissionDenied) {
					code = http.StatusForbidden
				}
				writeError(w, code, err.Error())
				return
			}
		}
		if !s.limiter.allow(s.clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r.WithContext(withActor(r.Context(), service.Actor{Staff: true})))
	})
}

func (s *HTTPServer) clientKey(r *http.Request) string {
	if apiKey := strings.TrimSpace(r.Header.Get(s.staff.headerAPIKey)); apiKey != "" {
		return apiKey
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return clientKeyUnknown
}

const requestIDHeader = "X-Request-ID"

type requestIDKey struct{}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, requestID))

		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		dur := time.Since(start)

		// The mux records the matched pattern on the request it was given.
		endpoint := r.Pattern
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.ObserveHTTP(endpoint, recorder.status, dur)

		s.logger.Info().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", dur).
			Msg("http request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

// writeServiceError maps domain errors onto HTTP statuses.
func (s *HTTPServer) writeServiceError(w http.ResponseWriter, err error) {
	var mismatch domain.AmountMismatchError
	switch {
	case errors.As(err, &mismatch):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":    err.Error(),
			"expected": mismatch.Expected,
			"claimed":  mismatch.Claimed,
		})
	case domain.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case domain.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case domain.IsConflict(err), domain.IsState(err):
		writeError(w, http.StatusConflict, err.Error())
	case domain.IsAuthenticity(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return domain.ValidationError{Msg: "invalid JSON body", Err: err}
	}
	return nil
}
