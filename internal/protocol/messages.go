package protocol

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/npezzotti/residence-chat/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is a request sent by a client over the websocket. Exactly one
// of the operation fields is expected to be set.
type ClientMessage struct {
	BaseMessage
	Join  *Join  `json:"join,omitempty"`
	Leave *Leave `json:"leave,omitempty"`
	Send  *Send  `json:"send,omitempty"`
	Read  *Read  `json:"read,omitempty"`

	// older clients address groups by a string house id
	JoinHouse  *HouseRef `json:"join_house,omitempty"`
	LeaveHouse *HouseRef `json:"leave_house,omitempty"`
}

type Join struct {
	ResidenceId int `json:"residence_id"`
}

type Leave struct {
	ResidenceId int `json:"residence_id"`
}

type Send struct {
	ResidenceId int    `json:"residence_id"`
	Text        string `json:"text"`
}

type Read struct {
	MessageId int `json:"message_id"`
}

type HouseRef struct {
	HouseId string `json:"house_id"`
}

// OpName returns the name of the operation carried by the message.
func (cm *ClientMessage) OpName() string {
	switch {
	case cm.Join != nil:
		return "JoinGroup"
	case cm.Leave != nil:
		return "LeaveGroup"
	case cm.Send != nil:
		return "SendMessage"
	case cm.Read != nil:
		return "MarkRead"
	case cm.JoinHouse != nil:
		return "JoinHouse"
	case cm.LeaveHouse != nil:
		return "LeaveHouse"
	}

	return "Unknown"
}

type ServerMessage struct {
	BaseMessage
	Response     *Response      `json:"response,omitempty"`
	Message      *types.Message `json:"message,omitempty"`
	Notification *Notification  `json:"notification,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
}

type Notification struct {
	Revoked *Revoked `json:"revoked,omitempty"`
}

// Revoked tells a connection it was removed from a residence group because
// its user is no longer an active member.
type Revoked struct {
	ResidenceId int `json:"residence_id"`
}

func newResponse(id, code int, errMsg string) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        errMsg,
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

func NoErrOK(id int) *ServerMessage {
	return newResponse(id, http.StatusOK, "")
}

func ErrUnauthorized(id int) *ServerMessage {
	return newResponse(id, http.StatusForbidden, types.ErrUnauthorized.Error())
}

func ErrInvalidArgument(id int) *ServerMessage {
	return newResponse(id, http.StatusBadRequest, types.ErrInvalidArgument.Error())
}

func ErrInternalError(id int) *ServerMessage {
	return newResponse(id, http.StatusInternalServerError, "internal server error")
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return newResponse(id, http.StatusServiceUnavailable, "service unavailable")
}

func ErrInvalidMessage(id int) *ServerMessage {
	return newResponse(id, http.StatusBadRequest, "invalid message format")
}

// ResponseFor maps the result of an operation onto a response. Errors that
// are not part of the public taxonomy are reported as a generic failure.
func ResponseFor(id int, err error) *ServerMessage {
	switch {
	case err == nil:
		return NoErrOK(id)
	case errors.Is(err, types.ErrUnauthorized):
		return ErrUnauthorized(id)
	case errors.Is(err, types.ErrInvalidArgument):
		return ErrInvalidArgument(id)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, types.ErrShuttingDown):
		return ErrServiceUnavailable(id)
	default:
		return ErrInternalError(id)
	}
}

// Err converts a response back into an error, or nil when it reports success.
func (r *Response) Err() error {
	switch r.ResponseCode {
	case http.StatusOK, http.StatusAccepted:
		return nil
	case http.StatusForbidden:
		return types.ErrUnauthorized
	case http.StatusBadRequest:
		if r.Error == types.ErrInvalidArgument.Error() {
			return types.ErrInvalidArgument
		}
		return fmt.Errorf("bad request: %s", r.Error)
	case http.StatusUnauthorized:
		return types.ErrUnauthenticated
	default:
		return fmt.Errorf("server error (%d): %s", r.ResponseCode, r.Error)
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
