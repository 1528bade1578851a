// Package directory provides a tenant directory and profile lookup backed by
// a YAML file, for deployments without Postgres.
package directory

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/npezzotti/residence-chat/internal/database"
	"github.com/npezzotti/residence-chat/internal/types"
	"gopkg.in/yaml.v3"
)

type fileContents struct {
	Residences []residenceEntry `yaml:"residences"`
	Users      []userEntry      `yaml:"users"`
}

type residenceEntry struct {
	Id      int           `yaml:"id"`
	Name    string        `yaml:"name"`
	Tenants []tenantEntry `yaml:"tenants"`
}

type tenantEntry struct {
	UserId   int       `yaml:"user_id"`
	Active   bool      `yaml:"active"`
	JoinedAt time.Time `yaml:"joined_at"`
}

type userEntry struct {
	Id        int    `yaml:"id"`
	Email     string `yaml:"email"`
	FirstName string `yaml:"first_name"`
	LastName  string `yaml:"last_name"`
}

type tenancyKey struct {
	residenceId int
	userId      int
}

type snapshot struct {
	memberships map[tenancyKey]database.Membership
	profiles    map[int]database.Profile
}

// FileDirectory answers membership and profile queries from a YAML file.
// Reload swaps in a fresh snapshot atomically.
type FileDirectory struct {
	path string

	mu   sync.RWMutex
	snap snapshot
}

func NewFileDirectory(path string) (*FileDirectory, error) {
	fd := &FileDirectory{path: path}
	if _, err := fd.Reload(); err != nil {
		return nil, err
	}
	return fd, nil
}

func load(path string) (snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return snapshot{}, fmt.Errorf("read directory file: %w", err)
	}

	var contents fileContents
	if err := yaml.Unmarshal(data, &contents); err != nil {
		return snapshot{}, fmt.Errorf("parse directory file: %w", err)
	}

	snap := snapshot{
		memberships: make(map[tenancyKey]database.Membership),
		profiles:    make(map[int]database.Profile),
	}

	for _, r := range contents.Residences {
		if r.Id <= 0 {
			return snapshot{}, fmt.Errorf("residence %q has invalid id %d", r.Name, r.Id)
		}
		for _, t := range r.Tenants {
			snap.memberships[tenancyKey{r.Id, t.UserId}] = database.Membership{
				ResidenceId:   r.Id,
				ResidenceName: r.Name,
				UserId:        t.UserId,
				IsActive:      t.Active,
				JoinedAt:      t.JoinedAt,
			}
		}
	}

	for _, u := range contents.Users {
		snap.profiles[u.Id] = database.Profile{
			UserId:       u.Id,
			EmailAddress: u.Email,
			FirstName:    u.FirstName,
			LastName:     u.LastName,
		}
	}

	return snap, nil
}

// Reload re-reads the file and returns the tenancies that were active before
// and are not any more.
func (fd *FileDirectory) Reload() ([]database.MembershipChange, error) {
	next, err := load(fd.path)
	if err != nil {
		return nil, err
	}

	fd.mu.Lock()
	prev := fd.snap
	fd.snap = next
	fd.mu.Unlock()

	var changes []database.MembershipChange
	for key, m := range prev.memberships {
		if !m.IsActive {
			continue
		}
		if cur, ok := next.memberships[key]; ok && cur.IsActive {
			continue
		}
		changes = append(changes, database.MembershipChange{
			ResidenceId: key.residenceId,
			UserId:      key.userId,
			Active:      false,
		})
	}

	return changes, nil
}

func (fd *FileDirectory) IsActiveMember(ctx context.Context, residenceId, userId int) (bool, error) {
	fd.mu.RLock()
	defer fd.mu.RUnlock()

	m, ok := fd.snap.memberships[tenancyKey{residenceId, userId}]
	return ok && m.IsActive, nil
}

// GetUserResidence returns the most recently joined active residence.
func (fd *FileDirectory) GetUserResidence(ctx context.Context, userId int) (database.Membership, error) {
	fd.mu.RLock()
	defer fd.mu.RUnlock()

	var (
		found  bool
		latest database.Membership
	)
	for _, m := range fd.snap.memberships {
		if m.UserId != userId || !m.IsActive {
			continue
		}
		if !found || m.JoinedAt.After(latest.JoinedAt) ||
			(m.JoinedAt.Equal(latest.JoinedAt) && m.ResidenceId < latest.ResidenceId) {
			latest = m
			found = true
		}
	}

	if !found {
		return database.Membership{}, fmt.Errorf("residence for user %d: %w", userId, types.ErrNotFound)
	}
	return latest, nil
}

func (fd *FileDirectory) GetDisplayName(ctx context.Context, userId int) (string, error) {
	fd.mu.RLock()
	p, ok := fd.snap.profiles[userId]
	fd.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("user %d: %w", userId, types.ErrNotFound)
	}

	name := p.DisplayName()
	if name == "" {
		return "", fmt.Errorf("user %d has no display name: %w", userId, types.ErrNotFound)
	}
	return name, nil
}
