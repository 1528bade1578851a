package database

import (
	"strings"
	"time"

	"github.com/npezzotti/residence-chat/internal/types"
)

type Message struct {
	Id          int
	ResidenceId int
	SenderId    int
	SenderName  string
	Body        string
	CreatedAt   time.Time
	IsRead      bool
}

// ToMessage converts a stored message into its wire representation.
func (m Message) ToMessage() types.Message {
	return types.Message{
		Id:          m.Id,
		ResidenceId: m.ResidenceId,
		SenderId:    m.SenderId,
		SenderName:  m.SenderName,
		Text:        m.Body,
		Timestamp:   m.CreatedAt.UTC(),
		IsRead:      m.IsRead,
	}
}

type CreateMessageParams struct {
	ResidenceId int
	SenderId    int
	SenderName  string
	Body        string
	CreatedAt   time.Time
}

type Membership struct {
	ResidenceId   int
	ResidenceName string
	UserId        int
	IsActive      bool
	JoinedAt      time.Time
}

func (m Membership) ToResidence() types.Residence {
	return types.Residence{
		ResidenceId:   m.ResidenceId,
		ResidenceName: m.ResidenceName,
		UserId:        m.UserId,
		JoinedAt:      m.JoinedAt.UTC(),
	}
}

type Profile struct {
	UserId       int
	EmailAddress string
	FirstName    string
	LastName     string
}

// DisplayName is "First Last" with surrounding whitespace removed.
func (p Profile) DisplayName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}
