package models

import "time"

// AdminUsername is the only account the admin interface knows about.
const AdminUsername = "admin"

// AdminCredential is the stored, bcrypt-hashed admin password.
type AdminCredential struct {
	Username     string
	PasswordHash string
}

type LoginRequest struct {
	Password string `json:"password"`
}

type LoginResponse struct {
	Success   bool       `json:"success"`
	Message   string     `json:"message"`
	Token     string     `json:"token,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}
