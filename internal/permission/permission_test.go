package permission

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/HerbHall/bote/internal/store"
	"github.com/HerbHall/bote/pkg/plugin"
)

// historian is implemented by evaluators that keep revoked records.
type historian interface {
	plugin.PermissionEvaluator
	History(ctx context.Context, subject string) ([]plugin.Grant, error)
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newSQL(t *testing.T, opts ...Option) historian {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "perm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	s, err := NewSQLStore(context.Background(), st, opts...)
	require.NoError(t, err)
	return s
}

func newMem(_ *testing.T, opts ...Option) historian {
	return NewMemory(opts...)
}

var backends = []struct {
	name string
	new  func(t *testing.T, opts ...Option) historian
}{
	{"sqlite", newSQL},
	{"memory", newMem},
}

func TestMatch(t *testing.T) {
	tests := []struct {
		grant, node string
		want        bool
	}{
		{"a.b.c", "a.b.c", true},
		{"a.b.*", "a.b.c", true},
		{"a.b.*", "a.b.c.d", true},
		{"a.b.*", "a.c", false},
		{"a.b.*", "a.b", false},
		{"*", "anything.at.all", true},
		{"a.*.c", "a.x.y", true},
		{"a.b", "a.b.c", false},
		{"a.b.c", "a.b", false},
		{"a.b", "a.c", false},
		{"", "a", false},
		{"a", "", false},
		{"*", "bote.deny.command.echo", false},
		{"bote.*", "bote.deny.command.echo", false},
		{"bote.deny.*", "bote.deny.command.echo", true},
		{"bote.deny.command.echo", "bote.deny.command.echo", true},
	}
	for _, tt := range tests {
		t.Run(tt.grant+"~"+tt.node, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.grant, tt.node))
		})
	}
}

func TestMatch_exact_node_property(t *testing.T) {
	seg := rapid.StringMatching(`[a-z][a-z0-9]{0,6}`)
	rapid.Check(t, func(rt *rapid.T) {
		segs := rapid.SliceOfN(seg, 1, 6).Draw(rt, "segments")
		node := strings.Join(segs, ".")
		if !Match(node, node) {
			rt.Fatalf("Match(%q, itself) = false", node)
		}
		if len(segs) > 1 {
			prefix := strings.Join(segs[:len(segs)-1], ".")
			if !Match(prefix+".*", node) {
				rt.Fatalf("Match(%q.*, %q) = false", prefix, node)
			}
			if Match(prefix, node) {
				rt.Fatalf("Match(%q, %q) = true without wildcard", prefix, node)
			}
		}
	})
}

func TestValidateNode(t *testing.T) {
	for _, ok := range []string{"a", "a.b.c", "a.*", "*", "bote.deny.command.x"} {
		assert.NoError(t, ValidateNode(ok), ok)
	}
	for _, bad := range []string{"", "a..b", ".a", "a.", "a.b*", "a b"} {
		assert.ErrorIs(t, ValidateNode(bad), ErrInvalidNode, bad)
	}
}

func TestEvaluators(t *testing.T) {
	for _, be := range backends {
		t.Run(be.name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("grant_then_check", func(t *testing.T) {
				pe := be.new(t)
				require.NoError(t, pe.Grant(ctx, "42", "bote.plugins.list"))
				ok, err := pe.Check(ctx, "42", "bote.plugins.list")
				require.NoError(t, err)
				assert.True(t, ok)
			})

			t.Run("default_deny", func(t *testing.T) {
				pe := be.new(t)
				ok, err := pe.Check(ctx, "42", "bote.plugins.list")
				require.NoError(t, err)
				assert.False(t, ok)
			})

			t.Run("wildcard", func(t *testing.T) {
				pe := be.new(t)
				require.NoError(t, pe.Grant(ctx, "s", "a.b.*"))
				ok, _ := pe.Check(ctx, "s", "a.b.c")
				assert.True(t, ok)
				ok, _ = pe.Check(ctx, "s", "a.c")
				assert.False(t, ok)
			})

			t.Run("subjects_isolated", func(t *testing.T) {
				pe := be.new(t)
				require.NoError(t, pe.Grant(ctx, "alice", "x.y"))
				ok, _ := pe.Check(ctx, "bob", "x.y")
				assert.False(t, ok)
			})

			t.Run("revoke_retains_audit", func(t *testing.T) {
				pe := be.new(t)
				require.NoError(t, pe.Grant(ctx, "s", "x.y"))
				require.NoError(t, pe.Revoke(ctx, "s", "x.y"))

				ok, err := pe.Check(ctx, "s", "x.y")
				require.NoError(t, err)
				assert.False(t, ok)

				hist, err := pe.History(ctx, "s")
				require.NoError(t, err)
				require.Len(t, hist, 1)
				assert.False(t, hist[0].Expire.IsZero())
				assert.False(t, hist[0].Active(time.Now()))

				active, err := pe.List(ctx, "s")
				require.NoError(t, err)
				assert.Empty(t, active)
			})

			t.Run("regrant_after_revoke", func(t *testing.T) {
				pe := be.new(t)
				require.NoError(t, pe.Grant(ctx, "s", "x.y"))
				require.NoError(t, pe.Revoke(ctx, "s", "x.y"))
				require.NoError(t, pe.Grant(ctx, "s", "x.y"))
				ok, _ := pe.Check(ctx, "s", "x.y")
				assert.True(t, ok)
			})

			t.Run("revoke_unknown_is_noop", func(t *testing.T) {
				pe := be.new(t)
				assert.NoError(t, pe.Revoke(ctx, "s", "never.granted"))
			})

			t.Run("time_boxed_grant_lapses", func(t *testing.T) {
				c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
				pe := be.new(t, WithClock(c.now))
				require.NoError(t, pe.GrantUntil(ctx, "s", "x.y", c.t.Add(time.Hour)))

				ok, _ := pe.Check(ctx, "s", "x.y")
				assert.True(t, ok)
				c.advance(2 * time.Hour)
				ok, _ = pe.Check(ctx, "s", "x.y")
				assert.False(t, ok)
			})

			t.Run("grant_until_past_rejected", func(t *testing.T) {
				pe := be.new(t)
				err := pe.GrantUntil(ctx, "s", "x.y", time.Now().Add(-time.Minute))
				assert.ErrorIs(t, err, ErrInvalidExpiry)
			})

			t.Run("invalid_node_rejected", func(t *testing.T) {
				pe := be.new(t)
				assert.ErrorIs(t, pe.Grant(ctx, "s", "a..b"), ErrInvalidNode)
			})

			t.Run("defaults", func(t *testing.T) {
				pe := be.new(t, WithDefaults("bote.help.*"))
				ok, _ := pe.Check(ctx, "anyone", "bote.help.commands")
				assert.True(t, ok)

				list, err := pe.List(ctx, "anyone")
				require.NoError(t, err)
				require.Len(t, list, 1)
				assert.Equal(t, "bote.help.*", list[0].Node)
			})
		})
	}
}

func TestSQLStore_closed_db_is_store_error(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "perm.db"))
	require.NoError(t, err)
	pe, err := NewSQLStore(context.Background(), st)
	require.NoError(t, err)
	st.Close()

	_, err = pe.Check(context.Background(), "s", "x")
	assert.True(t, errors.Is(err, ErrStore), "Check() error = %v", err)
	assert.ErrorIs(t, pe.Grant(context.Background(), "s", "x"), ErrStore)
}

func TestAllowAll(t *testing.T) {
	var pe plugin.PermissionEvaluator = AllowAll{}
	ok, err := pe.Check(context.Background(), "s", "anything.here")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = pe.Check(context.Background(), "s", CommandDenyNode("echo"))
	assert.False(t, ok, "allow-all must hold no deny nodes")
}
