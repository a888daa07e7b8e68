package plugin

import (
	"context"
	"time"
)

// Grant is a stored permission record. A zero Expire means indefinite; an
// Expire in the past means revoked or lapsed.
type Grant struct {
	Subject   string    `json:"subject"`
	Node      string    `json:"node"`
	Expire    time.Time `json:"expire,omitzero"`
	GrantedAt time.Time `json:"granted_at"`
}

// Active reports whether the grant is in effect at now.
func (g Grant) Active(now time.Time) bool {
	return g.Expire.IsZero() || g.Expire.After(now)
}

// PermissionEvaluator answers hierarchical permission checks. Absence of a
// matching active grant denies.
type PermissionEvaluator interface {
	Check(ctx context.Context, subject, node string) (bool, error)
	Grant(ctx context.Context, subject, node string) error
	GrantUntil(ctx context.Context, subject, node string, until time.Time) error
	Revoke(ctx context.Context, subject, node string) error
	List(ctx context.Context, subject string) ([]Grant, error)
}
