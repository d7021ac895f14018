package models

import "time"

type Room struct {
	ID          int64     `json:"id" yaml:"id"`
	Number      string    `json:"number" yaml:"number"`
	Type        string    `json:"type" yaml:"type"`
	NightlyRate int64     `json:"nightly_rate" yaml:"nightly_rate"`
	Description string    `json:"description,omitempty" yaml:"description"`
	IsListed    bool      `json:"is_listed" yaml:"is_listed"`
	CreatedAt   time.Time `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"-"`
}
