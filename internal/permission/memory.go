package permission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/HerbHall/bote/pkg/plugin"
)

// Compile-time interface guards.
var (
	_ plugin.PermissionEvaluator = (*Memory)(nil)
	_ plugin.PermissionEvaluator = AllowAll{}
)

// Memory is an in-process evaluator with the same semantics as SQLStore.
// Records are lost when the process exits.
type Memory struct {
	mu     sync.RWMutex
	grants map[string][]plugin.Grant // subject -> records, revoked ones included
	opts   options
}

// NewMemory creates an empty in-memory evaluator.
func NewMemory(opts ...Option) *Memory {
	return &Memory{
		grants: make(map[string][]plugin.Grant),
		opts:   buildOptions(opts),
	}
}

func (m *Memory) Check(_ context.Context, subject, node string) (bool, error) {
	if MatchAny(m.opts.defaults, node) {
		return true, nil
	}
	now := m.opts.now()

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, g := range m.grants[subject] {
		if g.Active(now) && Match(g.Node, node) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) Grant(_ context.Context, subject, node string) error {
	return m.add(subject, node, time.Time{})
}

func (m *Memory) GrantUntil(_ context.Context, subject, node string, until time.Time) error {
	if !until.After(m.opts.now()) {
		return fmt.Errorf("%w: %s", ErrInvalidExpiry, until.Format(time.RFC3339))
	}
	return m.add(subject, node, until)
}

func (m *Memory) add(subject, node string, expire time.Time) error {
	if err := ValidateNode(node); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants[subject] = append(m.grants[subject], plugin.Grant{
		Subject:   subject,
		Node:      node,
		Expire:    expire,
		GrantedAt: m.opts.now().UTC(),
	})
	return nil
}

func (m *Memory) Revoke(_ context.Context, subject, node string) error {
	now := m.opts.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.grants[subject]
	for i := range recs {
		if recs[i].Node == node && recs[i].Active(now) {
			recs[i].Expire = now.Add(-time.Millisecond).UTC()
		}
	}
	return nil
}

func (m *Memory) List(_ context.Context, subject string) ([]plugin.Grant, error) {
	now := m.opts.now()
	out := defaultGrants(subject, m.opts.defaults)

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, g := range m.grants[subject] {
		if g.Active(now) {
			out = append(out, g)
		}
	}
	return out, nil
}

// History returns every record for subject, revoked ones included.
func (m *Memory) History(_ context.Context, subject string) ([]plugin.Grant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]plugin.Grant(nil), m.grants[subject]...), nil
}

// AllowAll permits everything and holds no deny nodes. Used when no store is
// configured and in development mode.
type AllowAll struct{}

func (AllowAll) Check(_ context.Context, _, node string) (bool, error) {
	return !IsDenyNode(node), nil
}

func (AllowAll) Grant(context.Context, string, string) error                 { return nil }
func (AllowAll) GrantUntil(context.Context, string, string, time.Time) error { return nil }
func (AllowAll) Revoke(context.Context, string, string) error                { return nil }
func (AllowAll) List(context.Context, string) ([]plugin.Grant, error)        { return nil, nil }
