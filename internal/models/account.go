package models

import (
	"time"

	"github.com/google/uuid"
)

// User is an API identity. Credits live in user_credits, created lazily.
type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
