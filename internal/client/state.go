package client

import (
	"github.com/npezzotti/residence-chat/internal/types"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	}
	return "Unknown"
}

const (
	StatusConnecting       = "Connecting..."
	StatusConnected        = "Connected"
	StatusReconnecting     = "Reconnecting..."
	StatusDisconnected     = "Disconnected"
	StatusNoResidence      = "Not assigned to a residence"
	StatusNotAuthenticated = "Not authenticated"
)

func errorStatus(err error) string {
	return "Error: " + err.Error()
}

type EventKind int

const (
	// EventState reports a change of connection state or status text.
	EventState EventKind = iota
	// EventHistory reports that the local view was replaced by the server history.
	EventHistory
	// EventMessage reports a live message appended to the local view.
	EventMessage
	// EventRevoked reports that the server removed the connection from a residence group.
	EventRevoked
)

type Event struct {
	Kind        EventKind
	State       State
	Status      string
	Message     *types.Message
	ResidenceId int
}
