package api

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"hotelbooking/internal/domain"
	"hotelbooking/internal/models"
)

type roomRequest struct {
	Number      string `json:"number"`
	Type        string `json:"type"`
	NightlyRate int64  `json:"nightly_rate"`
	Description string `json:"description"`
	IsListed    bool   `json:"is_listed"`
}

func (req roomRequest) room() *models.Room {
	return &models.Room{
		Number:      req.Number,
		Type:        req.Type,
		NightlyRate: req.NightlyRate,
		Description: req.Description,
		IsListed:    req.IsListed,
	}
}

func (s *HTTPServer) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var body roomRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeServiceError(w, err)
		return
	}
	room := body.room()
	if err := s.deps.Rooms.CreateRoom(r.Context(), room); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, room)
}

func (s *HTTPServer) handleUpdateRoom(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	var body roomRequest
	if err := decodeJSON(w, r, &body); err != nil {
		s.writeServiceError(w, err)
		return
	}
	room := body.room()
	room.ID = id
	if err := s.deps.Rooms.UpdateRoom(r.Context(), room); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (s *HTTPServer) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	booking, err := s.deps.Coordinator.CheckIn(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (s *HTTPServer) handleCheckOut(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	booking, err := s.deps.Coordinator.CheckOut(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, booking)
}

func (s *HTTPServer) handleArrivals(w http.ResponseWriter, r *http.Request) {
	from, to, err := dayRange(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	bookings, err := s.deps.Coordinator.Arrivals(r.Context(), from, to)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookings": bookings})
}

func (s *HTTPServer) handleDepartures(w http.ResponseWriter, r *http.Request) {
	from, to, err := dayRange(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	bookings, err := s.deps.Coordinator.Departures(r.Context(), from, to)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookings": bookings})
}

func (s *HTTPServer) handleReconciliation(w http.ResponseWriter, r *http.Request) {
	from, to, err := dayRange(r)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if s.deps.Reports == nil {
		writeError(w, http.StatusServiceUnavailable, "reports are not configured")
		return
	}

	path, err := s.deps.Reports.Write(r.Context(), from, to)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(path)+`"`)
	http.ServeContent(w, r, filepath.Base(path), info.ModTime(), f)
}

// dayRange reads ?from&to as dates. Both default to a one-day window starting today (UTC).
func dayRange(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()
	from := time.Now().UTC().Truncate(24 * time.Hour)
	if raw := q.Get("from"); raw != "" {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return time.Time{}, time.Time{}, domain.ValidationError{Field: "from", Msg: "expected YYYY-MM-DD"}
		}
		from = t
	}
	to := from.AddDate(0, 0, 1)
	if raw := q.Get("to"); raw != "" {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return time.Time{}, time.Time{}, domain.ValidationError{Field: "to", Msg: "expected YYYY-MM-DD"}
		}
		to = t
	}
	if !to.After(from) {
		return time.Time{}, time.Time{}, domain.ValidationError{Field: "to", Msg: "must be after from"}
	}
	return from, to, nil
}
