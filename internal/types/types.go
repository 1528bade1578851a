package types

import (
	"time"
)

// User is the identity attached to a connection at handshake time. It is
// never re-derived from later requests.
type User struct {
	Id           int    `json:"id"`
	EmailAddress string `json:"email_address,omitempty"`
}

type Message struct {
	Id          int       `json:"id"`
	ResidenceId int       `json:"residence_id"`
	SenderId    int       `json:"sender_id"`
	SenderName  string    `json:"sender_name"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
	IsRead      bool      `json:"is_read"`
}

// Residence describes the active residence of a user as reported by the
// tenant directory.
type Residence struct {
	ResidenceId   int       `json:"residence_id"`
	ResidenceName string    `json:"residence_name"`
	UserId        int       `json:"user_id"`
	JoinedAt      time.Time `json:"joined_at"`
}
