package auth

import "time"

// Hiker is an account that records sessions. EmergencyContacts receive
// anomaly notifications when a session does not name its own recipients.
type Hiker struct {
	ID                string    `json:"id"`
	Email             string    `json:"email"`
	Name              string    `json:"name"`
	PasswordHash      string    `json:"-"`
	EmergencyContacts []string  `json:"emergency_contacts"`
	CreatedAt         time.Time `json:"created_at"`
}

type RegisterRequest struct {
	Email             string   `json:"email"`
	Name              string   `json:"name"`
	Password          string   `json:"password"`
	EmergencyContacts []string `json:"emergency_contacts"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}
