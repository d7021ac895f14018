package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"hotelbooking/internal/models"
)

const roomColumns = `id, number, type, nightly_rate, description, is_listed, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRoom(row rowScanner) (*models.Room, error) {
	var r models.Room
	var created, updated string
	if err := row.Scan(&r.ID, &r.Number, &r.Type, &r.NightlyRate, &r.Description, &r.IsListed, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if r.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parse room created_at %q: %w", created, err)
	}
	if r.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("parse room updated_at %q: %w", updated, err)
	}
	return &r, nil
}

func (db *DB) CreateRoom(ctx context.Context, room *models.Room) error {
	now := time.Now().UTC().Truncate(time.Second)
	query := `INSERT INTO rooms (number, type, nightly_rate, description, is_listed, created_at, updated_at)
              VALUES (?, ?, ?, ?, ?, ?, ?)`
	result, err := db.ExecContext(ctx, query,
		room.Number, room.Type, room.NightlyRate, room.Description, room.IsListed,
		formatTime(now), formatTime(now),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateRoom
		}
		return fmt.Errorf("failed to create room: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	room.ID = id
	room.CreatedAt = now
	room.UpdatedAt = now
	return nil
}

// UpdateRoom changes the administrative fields of a room. Bookings keep the rate they
// were created with.
func (db *DB) UpdateRoom(ctx context.Context, room *models.Room) error {
	now := time.Now().UTC().Truncate(time.Second)
	query := `UPDATE rooms SET number = ?, type = ?, nightly_rate = ?, description = ?, is_listed = ?, updated_at = ?
              WHERE id = ?`
	result, err := db.ExecContext(ctx, query,
		room.Number, room.Type, room.NightlyRate, room.Description, room.IsListed, formatTime(now), room.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateRoom
		}
		return fmt.Errorf("failed to update room: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	room.UpdatedAt = now
	return nil
}

// UpsertRoomByNumber is used when seeding the catalogue: the number identifies the room.
func (db *DB) UpsertRoomByNumber(ctx context.Context, room *models.Room) error {
	now := formatTime(time.Now())
	query := `INSERT INTO rooms (number, type, nightly_rate, description, is_listed, created_at, updated_at)
              VALUES (?, ?, ?, ?, ?, ?, ?)
              ON CONFLICT(number) DO UPDATE SET
                  type = excluded.type,
                  nightly_rate = excluded.nightly_rate,
                  description = excluded.description,
                  is_listed = excluded.is_listed,
                  updated_at = excluded.updated_at`
	if _, err := db.ExecContext(ctx, query,
		room.Number, room.Type, room.NightlyRate, room.Description, room.IsListed, now, now,
	); err != nil {
		return fmt.Errorf("failed to upsert room %s: %w", room.Number, err)
	}

	stored, err := scanRoom(db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE number = ?`, room.Number))
	if err != nil {
		return fmt.Errorf("failed to reload room %s: %w", room.Number, err)
	}
	*room = *stored
	return nil
}

func (db *DB) GetRoom(ctx context.Context, id int64) (*models.Room, error) {
	room, err := scanRoom(db.QueryRowContext(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get room: %w", err)
	}
	return room, nil
}

func (db *DB) ListRooms(ctx context.Context, listedOnly bool) ([]*models.Room, error) {
	query := `SELECT ` + roomColumns + ` FROM rooms`
	if listedOnly {
		query += ` WHERE is_listed = 1`
	}
	query += ` ORDER BY number ASC`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	defer rows.Close()

	var rooms []*models.Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan room: %w", err)
		}
		rooms = append(rooms, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rooms: %w", err)
	}
	return rooms, nil
}
