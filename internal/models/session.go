package models

import "time"

// Session is the explicit identity a conversation view runs with. It replaces ambient cookie lookups:
// whoever builds a stream controller hands it the session it should act for.
type Session struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	AuthToken string    `json:"auth_token"`
	CreatedAt time.Time `json:"created_at"`
}

// Valid reports whether the session carries enough to call the legal API.
func (s Session) Valid() bool {
	return s.UserID != 0 && s.AuthToken != ""
}
