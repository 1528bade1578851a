package database

import "context"

// MessageStore is the durable, append-only log of residence messages.
type MessageStore interface {
	Ping(ctx context.Context) error
	CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error)
	// GetMessage returns types.ErrNotFound when no message has the id.
	GetMessage(ctx context.Context, id int) (Message, error)
	SetMessageRead(ctx context.Context, id int) error
	// ListMessages returns every message of a residence, oldest first.
	ListMessages(ctx context.Context, residenceId int) ([]Message, error)
}

// TenantDirectory answers membership questions. Results are never cached by
// callers since membership can change mid-session.
type TenantDirectory interface {
	IsActiveMember(ctx context.Context, residenceId, userId int) (bool, error)
	// GetUserResidence returns types.ErrNotFound when the user has no active residence.
	GetUserResidence(ctx context.Context, userId int) (Membership, error)
}

type ProfileLookup interface {
	GetDisplayName(ctx context.Context, userId int) (string, error)
}
