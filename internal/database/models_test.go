package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProfile_DisplayName(t *testing.T) {
	assert.Equal(t, "Ana Lopez", Profile{FirstName: "Ana", LastName: "Lopez"}.DisplayName())
	assert.Equal(t, "Ana", Profile{FirstName: "Ana"}.DisplayName())
	assert.Equal(t, "", Profile{EmailAddress: "a@example.com"}.DisplayName())
}

func TestMessage_ToMessage(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	m := Message{
		Id:          4,
		ResidenceId: 7,
		SenderId:    101,
		SenderName:  "Ana",
		Body:        "hi",
		CreatedAt:   created,
	}

	wire := m.ToMessage()
	assert.Equal(t, "hi", wire.Text)
	assert.Equal(t, time.UTC, wire.Timestamp.Location())
	assert.True(t, created.Equal(wire.Timestamp))
}
