package permission

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/HerbHall/bote/internal/store"
	"github.com/HerbHall/bote/pkg/plugin"
)

// Compile-time interface guard.
var _ plugin.PermissionEvaluator = (*SQLStore)(nil)

var migrations = []store.Migration{
	{
		Version:     1,
		Description: "create permission grants",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE permission_grants (
					id         INTEGER PRIMARY KEY AUTOINCREMENT,
					subject    TEXT    NOT NULL,
					node       TEXT    NOT NULL,
					expire     INTEGER NOT NULL DEFAULT 0,
					granted_at INTEGER NOT NULL
				)`)
			if err != nil {
				return err
			}
			_, err = tx.Exec(`CREATE INDEX idx_permission_grants_subject ON permission_grants(subject, expire)`)
			return err
		},
	},
}

// SQLStore is a persistent evaluator. Every check queries the database;
// revocation sets expire in the past so rows are kept for audit.
// Times are stored as unix milliseconds, 0 meaning indefinite.
type SQLStore struct {
	db   *sql.DB
	opts options
}

// NewSQLStore runs the permission migrations and returns the store.
func NewSQLStore(ctx context.Context, st *store.SQLiteStore, opts ...Option) (*SQLStore, error) {
	if err := st.Migrate(ctx, "permission", migrations); err != nil {
		return nil, fmt.Errorf("permission migrations: %w", err)
	}
	return &SQLStore{db: st.DB(), opts: buildOptions(opts)}, nil
}

// Check reports whether subject holds an active grant covering node.
func (s *SQLStore) Check(ctx context.Context, subject, node string) (bool, error) {
	if MatchAny(s.opts.defaults, node) {
		return true, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT node FROM permission_grants
		WHERE subject = ? AND (expire = 0 OR expire > ?)`,
		subject, s.now(),
	)
	if err != nil {
		return false, fmt.Errorf("%w: check %s: %w", ErrStore, subject, err)
	}
	defer rows.Close()

	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return false, fmt.Errorf("%w: scan grant: %w", ErrStore, err)
		}
		if Match(g, node) {
			return true, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, fmt.Errorf("%w: check %s: %w", ErrStore, subject, err)
	}
	return false, nil
}

// Grant records an indefinite grant.
func (s *SQLStore) Grant(ctx context.Context, subject, node string) error {
	return s.insert(ctx, subject, node, 0)
}

// GrantUntil records a grant that lapses at until.
func (s *SQLStore) GrantUntil(ctx context.Context, subject, node string, until time.Time) error {
	if !until.After(s.opts.now()) {
		return fmt.Errorf("%w: %s", ErrInvalidExpiry, until.Format(time.RFC3339))
	}
	return s.insert(ctx, subject, node, until.UnixMilli())
}

func (s *SQLStore) insert(ctx context.Context, subject, node string, expire int64) error {
	if err := ValidateNode(node); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO permission_grants (subject, node, expire, granted_at)
		VALUES (?, ?, ?, ?)`,
		subject, node, expire, s.now(),
	)
	if err != nil {
		return fmt.Errorf("%w: grant %s %s: %w", ErrStore, subject, node, err)
	}
	return nil
}

// Revoke expires every active grant of exactly node held by subject.
// Revoking a node that is not held is a no-op.
func (s *SQLStore) Revoke(ctx context.Context, subject, node string) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE permission_grants SET expire = ?
		WHERE subject = ? AND node = ? AND (expire = 0 OR expire > ?)`,
		now-1, subject, node, now,
	)
	if err != nil {
		return fmt.Errorf("%w: revoke %s %s: %w", ErrStore, subject, node, err)
	}
	return nil
}

// List returns the defaults followed by subject's active grants.
func (s *SQLStore) List(ctx context.Context, subject string) ([]plugin.Grant, error) {
	grants := defaultGrants(subject, s.opts.defaults)
	active, err := s.query(ctx, `
		SELECT subject, node, expire, granted_at FROM permission_grants
		WHERE subject = ? AND (expire = 0 OR expire > ?)
		ORDER BY id`,
		subject, s.now(),
	)
	if err != nil {
		return nil, err
	}
	return append(grants, active...), nil
}

// History returns every stored record for subject, revoked ones included.
func (s *SQLStore) History(ctx context.Context, subject string) ([]plugin.Grant, error) {
	return s.query(ctx, `
		SELECT subject, node, expire, granted_at FROM permission_grants
		WHERE subject = ? ORDER BY id`,
		subject,
	)
}

func (s *SQLStore) query(ctx context.Context, q string, args ...any) ([]plugin.Grant, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list grants: %w", ErrStore, err)
	}
	defer rows.Close()

	var out []plugin.Grant
	for rows.Next() {
		var (
			g              plugin.Grant
			expire, minted int64
		)
		if err := rows.Scan(&g.Subject, &g.Node, &expire, &minted); err != nil {
			return nil, fmt.Errorf("%w: scan grant: %w", ErrStore, err)
		}
		if expire != 0 {
			g.Expire = time.UnixMilli(expire).UTC()
		}
		g.GrantedAt = time.UnixMilli(minted).UTC()
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list grants: %w", ErrStore, err)
	}
	return out, nil
}

func (s *SQLStore) now() int64 {
	return s.opts.now().UnixMilli()
}

func defaultGrants(subject string, nodes []string) []plugin.Grant {
	out := make([]plugin.Grant, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, plugin.Grant{Subject: subject, Node: n})
	}
	return out
}
