package database

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
)

const membershipChannel = "residence_membership"

// MembershipChange is emitted by the residence_tenants trigger whenever a
// tenancy is created, toggled or removed.
type MembershipChange struct {
	ResidenceId int
	UserId      int
	Active      bool
}

// ParseMembershipChange parses a "residence:user:active" notification payload.
func ParseMembershipChange(payload string) (MembershipChange, error) {
	parts := strings.Split(payload, ":")
	if len(parts) != 3 {
		return MembershipChange{}, fmt.Errorf("malformed membership payload %q", payload)
	}

	residenceId, err := strconv.Atoi(parts[0])
	if err != nil {
		return MembershipChange{}, fmt.Errorf("residence id: %w", err)
	}

	userId, err := strconv.Atoi(parts[1])
	if err != nil {
		return MembershipChange{}, fmt.Errorf("user id: %w", err)
	}

	active, err := strconv.ParseBool(parts[2])
	if err != nil {
		return MembershipChange{}, fmt.Errorf("active flag: %w", err)
	}

	return MembershipChange{ResidenceId: residenceId, UserId: userId, Active: active}, nil
}

// MembershipListener receives membership changes over Postgres LISTEN/NOTIFY.
type MembershipListener struct {
	log      *log.Logger
	listener *pq.Listener
}

func NewMembershipListener(dsn string, logger *log.Logger) (*MembershipListener, error) {
	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Printf("membership listener event %d: %v", ev, err)
		}
	}

	l := pq.NewListener(dsn, 10*time.Second, time.Minute, reportProblem)
	if err := l.Listen(membershipChannel); err != nil {
		l.Close()
		return nil, fmt.Errorf("listen %s: %w", membershipChannel, err)
	}

	return &MembershipListener{log: logger, listener: l}, nil
}

// Run invokes onChange for every notification until ctx is cancelled.
func (ml *MembershipListener) Run(ctx context.Context, onChange func(MembershipChange)) error {
	ticker := time.NewTicker(90 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ml.listener.Close()
		case n := <-ml.listener.Notify:
			if n == nil {
				// the connection was re-established, notifications may have been lost
				ml.log.Println("membership listener reconnected")
				continue
			}

			change, err := ParseMembershipChange(n.Extra)
			if err != nil {
				ml.log.Println("membership listener:", err)
				continue
			}

			onChange(change)
		case <-ticker.C:
			go func() {
				if err := ml.listener.Ping(); err != nil {
					ml.log.Println("membership listener ping:", err)
				}
			}()
		}
	}
}
