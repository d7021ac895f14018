package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"hotelbooking/internal/availability"
	"hotelbooking/internal/domain"
	"hotelbooking/internal/models"

	"github.com/rs/zerolog"
)

// RoomService serves the room catalogue. Listed rooms are cached and refreshed after
// every administrative write.
type RoomService struct {
	repo           domain.Repository
	index          *availability.Index
	maxAdvanceDays int
	now            func() time.Time
	logger         *zerolog.Logger

	mu     sync.RWMutex
	listed []*models.Room
	loaded bool
}

func NewRoomService(repo domain.Repository, maxAdvanceDays int, logger *zerolog.Logger) *RoomService {
	if maxAdvanceDays <= 0 {
		maxAdvanceDays = 365
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &RoomService{
		repo:           repo,
		index:          availability.NewIndex(repo),
		maxAdvanceDays: maxAdvanceDays,
		now:            time.Now,
		logger:         logger,
	}
}

func (s *RoomService) ListRooms(ctx context.Context) ([]*models.Room, error) {
	s.mu.RLock()
	if s.loaded {
		rooms := s.listed
		s.mu.RUnlock()
		return rooms, nil
	}
	s.mu.RUnlock()

	if err := s.Refresh(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listed, nil
}

// GetRoom hides unlisted rooms from guests.
func (s *RoomService) GetRoom(ctx context.Context, actor Actor, id int64) (*models.Room, error) {
	room, err := s.repo.GetRoom(ctx, id)
	if err != nil {
		return nil, storeErr(s.logger, err, "room")
	}
	if !room.IsListed && !actor.Staff {
		return nil, domain.NotFoundError{Resource: "room"}
	}
	return room, nil
}

// FreeRooms returns the listed rooms with no blocking booking overlapping [checkIn, checkOut).
func (s *RoomService) FreeRooms(ctx context.Context, checkIn, checkOut time.Time) ([]*models.Room, error) {
	if err := validateStay(s.now(), checkIn, checkOut, s.maxAdvanceDays); err != nil {
		return nil, err
	}
	rooms, err := s.ListRooms(ctx)
	if err != nil {
		return nil, err
	}
	free, err := s.index.FreeRooms(ctx, rooms, checkIn.UTC(), checkOut.UTC())
	if err != nil {
		return nil, storeErr(s.logger, err, "booking")
	}
	return free, nil
}

func (s *RoomService) CreateRoom(ctx context.Context, room *models.Room) error {
	if err := validateRoom(room); err != nil {
		return err
	}
	if err := s.repo.CreateRoom(ctx, room); err != nil {
		return storeErr(s.logger, err, "room")
	}
	s.logger.Info().Int64("room_id", room.ID).Str("number", room.Number).Msg("room created")
	return s.Refresh(ctx)
}

func (s *RoomService) UpdateRoom(ctx context.Context, room *models.Room) error {
	if room.ID <= 0 {
		return domain.ValidationError{Field: "id", Msg: "is required"}
	}
	if err := validateRoom(room); err != nil {
		return err
	}
	if err := s.repo.UpdateRoom(ctx, room); err != nil {
		return storeErr(s.logger, err, "room")
	}
	s.logger.Info().Int64("room_id", room.ID).Str("number", room.Number).Msg("room updated")
	return s.Refresh(ctx)
}

// SeedRooms upserts the catalogue by room number.
func (s *RoomService) SeedRooms(ctx context.Context, rooms []models.Room) error {
	for i := range rooms {
		room := rooms[i]
		if err := validateRoom(&room); err != nil {
			return err
		}
		if err := s.repo.UpsertRoomByNumber(ctx, &room); err != nil {
			return storeErr(s.logger, err, "room")
		}
	}
	s.logger.Info().Int("rooms", len(rooms)).Msg("room catalogue seeded")
	return s.Refresh(ctx)
}

func (s *RoomService) Refresh(ctx context.Context) error {
	rooms, err := s.repo.ListRooms(ctx, true)
	if err != nil {
		return storeErr(s.logger, err, "room")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.listed = rooms
	s.loaded = true
	return nil
}

func validateRoom(room *models.Room) error {
	room.Number = strings.TrimSpace(room.Number)
	room.Type = strings.TrimSpace(room.Type)
	switch {
	case room.Number == "":
		return domain.ValidationError{Field: "number", Msg: "is required"}
	case room.Type == "":
		return domain.ValidationError{Field: "type", Msg: "is required"}
	case room.NightlyRate <= 0:
		return domain.ValidationError{Field: "nightly_rate", Msg: "must be positive"}
	}
	return nil
}
