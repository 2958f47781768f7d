package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nomeentregaron/medbot/internal/model/session"
)

var (
	// ErrNotFound means no session matched the lookup.
	ErrNotFound = errors.New("session not found")
	// ErrClosed means a mutation was attempted against an already-closed record.
	ErrClosed = errors.New("session already closed")
	// ErrUnavailable wraps transient backend failures; the event that hit it
	// is not consumed and may be redelivered.
	ErrUnavailable = errors.New("session store unavailable")
)

// SessionStore is the durability contract of the session service.
type SessionStore interface {
	// FindOpen returns the open session for the pair, or ErrNotFound.
	FindOpen(ctx context.Context, channel session.Channel, userID string) (*session.Session, error)
	// Create inserts a fresh session for the pair if no open one exists.
	// It is atomic: under concurrent first contact exactly one session is
	// created, and the loser observes the winner's record.
	Create(ctx context.Context, channel session.Channel, userID string) (*session.Session, error)
	// Get returns a session, open or archived, by identifier.
	Get(ctx context.Context, id string) (*session.Session, error)
	// Update persists the current state of an open session.
	Update(ctx context.Context, s *session.Session) error
	// Archive moves a closed session out of the open set and into durable
	// patient-record storage together with its transcript and patient data.
	Archive(ctx context.Context, s *session.Session) error
	// FindLatestArchived returns the pair's most recently archived session,
	// or ErrNotFound. It lets a redelivered closing event replay its stored
	// directive even after the process that closed the session is gone.
	FindLatestArchived(ctx context.Context, channel session.Channel, userID string) (*session.Session, error)
	// ListInactive returns open sessions whose last activity predates the
	// cutoff. Used by the operator-triggered cleanup.
	ListInactive(ctx context.Context, before time.Time) ([]*session.Session, error)
}

func newSession(channel session.Channel, userID string) *session.Session {
	now := time.Now().UTC()
	return &session.Session{
		ID:             uuid.NewString(),
		Channel:        channel,
		UserID:         userID,
		State:          session.StateNew,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}
