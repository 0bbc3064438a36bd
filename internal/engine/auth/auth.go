package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ForbiddenError indicates a missing forum capability.
type ForbiddenError struct {
	Capability string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("capability %s required", e.Capability)
}

// NotParticipantError indicates the actor is not a forum participant.
type NotParticipantError struct {
	ForumID string
}

func (e NotParticipantError) Error() string {
	return fmt.Sprintf("actor is not a participant of forum %s", e.ForumID)
}

// Service provides capability checks backed by forum memberships.
type Service struct {
	DB *sql.DB
}

func (s Service) EnsureUser(ctx context.Context, tx *sql.Tx, userID string) error {
	if userID == "" {
		return errors.New("user_id required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO users(id, created_at) VALUES (?,?)`, userID, now)
	return err
}

// MembershipCapabilities returns the capability list stored on the
// actor's membership, or NotParticipantError if there is none.
func (s Service) MembershipCapabilities(ctx context.Context, tx *sql.Tx, forumID, userID string) ([]string, error) {
	row := tx.QueryRowContext(ctx, `SELECT permissions_json FROM forum_participants WHERE forum_id=? AND user_id=?`, forumID, userID)
	var raw string
	err := row.Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, NotParticipantError{ForumID: forumID}
	}
	if err != nil {
		return nil, err
	}
	var caps []string
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &caps); err != nil {
			return nil, fmt.Errorf("membership permissions: %w", err)
		}
	}
	return caps, nil
}

// RequireCapability fails with ForbiddenError when the actor's forum
// membership does not carry the capability.
func (s Service) RequireCapability(ctx context.Context, tx *sql.Tx, forumID, userID, capability string) error {
	caps, err := s.MembershipCapabilities(ctx, tx, forumID, userID)
	if err != nil {
		var np NotParticipantError
		if errors.As(err, &np) {
			return ForbiddenError{Capability: capability}
		}
		return err
	}
	for _, c := range caps {
		if c == capability {
			return nil
		}
	}
	return ForbiddenError{Capability: capability}
}
