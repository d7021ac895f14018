package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"hotelbooking/internal/domain"
	"hotelbooking/internal/service"
)

const (
	idempotencyHeader = "Idempotency-Key"
	idempotencyTTL    = 24 * time.Hour
	idempotencyMarker = "in-flight"
)

type reserveRequest struct {
	RoomID   int64  `json:"room_id"`
	CheckIn  string `json:"check_in"`
	CheckOut string `json:"check_out"`
	Note     string `json:"note"`
}

func (s *HTTPServer) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.deps.Rooms.ListRooms(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}

func (s *HTTPServer) handleFreeRooms(w http.ResponseWriter, r *http.Request) {
	checkIn, err := parseStayTime("check_in", r.URL.Query().Get("check_in"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	checkOut, err := parseStayTime("check_out", r.URL.Query().Get("check_out"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	rooms, err := s.deps.Rooms.FreeRooms(r.Context(), checkIn, checkOut)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}

func (s *HTTPServer) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	actor, _ := actorFrom(r.Context())
	room, err := s.deps.Rooms.GetRoom(r.Context(), actor, id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (s *HTTPServer) handleReserve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, _ := actorFrom(ctx)

	if s.deps.Store != nil && s.cfg.RateLimit.ReservationsPerHour > 0 {
		key := "reserve:" + strconv.FormatInt(actor.ID, 10)
		allowed, err := s.deps.Store.CheckRateLimit(ctx, key, s.cfg.RateLimit.ReservationsPerHour, time.Hour)
		if err != nil {
			s.logger.Warn().Err(err).Int64("guest_id", actor.ID).Msg("reservation rate limit unavailable")
		} else if !allowed {
			writeError(w, http.StatusTooManyRequests, "too many reservation requests")
			return
		}
	}

	var body reserveRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeServiceError(w, err)
		return
	}
	checkIn, err := parseStayTime("check_in", body.CheckIn)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	checkOut, err := parseStayTime("check_out", body.CheckOut)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	idemKey := ""
	if raw := strings.TrimSpace(r.Header.Get(idempotencyHeader)); raw != "" && s.deps.Store != nil {
		idemKey = "idempotency:reserve:" + strconv.FormatInt(actor.ID, 10) + ":" + raw
		replayed, err := s.claimIdempotencyKey(w, r, idemKey)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		if replayed {
			return
		}
	}

	booking, err := s.deps.Coordinator.Reserve(ctx, actor, service.ReserveRequest{
		RoomID:   body.RoomID,
		CheckIn:  checkIn,
		CheckOut: checkOut,
		Note:     body.Note,
	})
	if err != nil {
		if idemKey != "" {
			if derr := s.deps.Store.Delete(ctx, idemKey); derr != nil {
				s.logger.Warn().Err(derr).Str("key", idemKey).Msg("release idempotency key")
			}
		}
		s.writeServiceError(w, err)
		return
	}

	if idemKey != "" {
		if data, err := json.Marshal(booking); err == nil {
			if err := s.deps.Store.Set(ctx, idemKey, string(data), idempotencyTTL); err != nil {
				s.logger.Warn().Err(err).Str("key", idemKey).Msg("store idempotent response")
			}
		}
	}
	writeJSON(w, http.StatusCreated, booking)
}

// claimIdempotencyKey reserves key for this request. It reports true when the response
// was already written from a previous request with the same key.
func (s *HTTPServer) claimIdempotencyKey(w http.ResponseWriter, r *http.Request, key string) (bool, error) {
	ctx := r.Context()
	claimed, err := s.deps.Store.SetNX(ctx, key, idempotencyMarker, idempotencyTTL)
	if err != nil {
		return false, domain.InternalError{Msg: "internal error", Err: err}
	}
	if claimed {
		return false, nil
	}

	stored, ok, err := s.deps.Store.Get(ctx, key)
	if err != nil {
		return false, domain.InternalError{Msg: "internal error", Err: err}
	}
	if !ok || stored == idempotencyMarker {
		return false, domain.ConflictError{Resource: "request", Msg: "a request with this idempotency key is in progress"}
	}

	w.Header().Set("Idempotent-Replayed", "true")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write([]byte(stored + "\n"))
	return true, nil
}

func (s *HTTPServer) handleListBookings(w http.ResponseWriter, r *http.Request) {
	actor, _ := actorFrom(r.Context())
	bookings, err := s.deps.Coordinator.ListGuestBookings(r.Context(), actor)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookings": bookings})
}

func (s *HTTPServer) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	actor, _ := actorFrom(r.Context())
	booking, err := s.deps.Coordinator.GetBooking(r.Context(), actor, id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (s *HTTPServer) handleCancelBooking(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	actor, _ := actorFrom(r.Context())
	booking, err := s.deps.Coordinator.CancelBooking(r.Context(), actor, id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (s *HTTPServer) handleListPayments(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	actor, _ := actorFrom(r.Context())
	payments, err := s.deps.Coordinator.ListPayments(r.Context(), actor, id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payments": payments})
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.ValidationError{Field: "id", Msg: "must be a positive integer"}
	}
	return id, nil
}

// parseStayTime accepts RFC 3339 instants or plain dates, which are read as UTC midnight.
func parseStayTime(field, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, domain.ValidationError{Field: field, Msg: "is required"}
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	return time.Time{}, domain.ValidationError{Field: field, Msg: "expected RFC 3339 time or YYYY-MM-DD"}
}
