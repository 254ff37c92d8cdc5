package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/Struktal/struktal-auth/auth"
)

// dbPool is the subset of pgxpool.Pool used by the directory. pgxmock pools
// satisfy it in tests.
type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// UserListItem is a projection for admin user listing (no hashes).
type UserListItem struct {
	ID              string    `json:"id"`
	Username        string    `json:"username"`
	Email           string    `json:"email"`
	EmailVerified   bool      `json:"email_verified"`
	PermissionLevel int       `json:"permission_level"`
	CreatedAt       time.Time `json:"created_at"`
}

const userColumns = `id, username, email, password_hash, email_verified, permission_level,
	one_time_password, one_time_password_expiration, created_at, updated_at`

// PgUserDirectory implements auth.Directory over the users table.
type PgUserDirectory struct {
	db  dbPool
	otp auth.Hasher
}

// NewPgUserDirectory returns a directory. otp resolves one-time password
// filters and must be the hasher the OTP issuer stores codes with.
func NewPgUserDirectory(db dbPool, otp auth.Hasher) *PgUserDirectory {
	return &PgUserDirectory{db: db, otp: otp}
}

// FindOne returns the oldest user matching f.
func (r *PgUserDirectory) FindOne(ctx context.Context, f auth.Filter) (*auth.User, error) {
	where, args := buildWhere(f)
	if f.OneTimePassword != nil {
		return r.findByOneTimePassword(ctx, *f.OneTimePassword, where, args)
	}

	q := `SELECT ` + userColumns + ` FROM users` + where + ` ORDER BY created_at, id LIMIT 1`
	u, err := scanUser(r.db.QueryRow(ctx, q, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, oops.Code("DIRECTORY_QUERY_FAILED").With("operation", "find user").Wrap(err)
	}
	return u, nil
}

// A Digester hasher resolves the code with one indexed equality lookup.
// Any other hasher salts per row, so pending rows are verified one by one.
func (r *PgUserDirectory) findByOneTimePassword(ctx context.Context, code, where string, args []any) (*auth.User, error) {
	if r.otp == nil {
		return nil, auth.ErrNotFound
	}
	if dg, ok := r.otp.(auth.Digester); ok {
		args = append(args, dg.Digest(code))
		cond := fmt.Sprintf(`one_time_password = $%d`, len(args))
		if where == "" {
			where = ` WHERE ` + cond
		} else {
			where += ` AND ` + cond
		}
		q := `SELECT ` + userColumns + ` FROM users` + where + ` ORDER BY created_at, id LIMIT 1`
		u, err := scanUser(r.db.QueryRow(ctx, q, args...))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, auth.ErrNotFound
		}
		if err != nil {
			return nil, oops.Code("DIRECTORY_QUERY_FAILED").With("operation", "find one-time password").Wrap(err)
		}
		return u, nil
	}

	cond := `one_time_password IS NOT NULL`
	if where == "" {
		where = ` WHERE ` + cond
	} else {
		where += ` AND ` + cond
	}

	rows, err := r.db.Query(ctx, `SELECT `+userColumns+` FROM users`+where+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, oops.Code("DIRECTORY_QUERY_FAILED").With("operation", "scan one-time passwords").Wrap(err)
	}
	defer rows.Close()

	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, oops.Code("DIRECTORY_QUERY_FAILED").With("operation", "scan user").Wrap(err)
		}
		ok, err := r.otp.Verify(code, *u.OneTimePasswordHash)
		if err != nil {
			return nil, oops.Code("DIRECTORY_QUERY_FAILED").
				With("operation", "verify one-time password").
				With("user_id", u.ID.String()).
				Wrap(err)
		}
		if ok {
			return u, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("DIRECTORY_QUERY_FAILED").With("operation", "iterate users").Wrap(err)
	}
	return nil, auth.ErrNotFound
}

// Save inserts or updates u by id.
func (r *PgUserDirectory) Save(ctx context.Context, u *auth.User) error {
	if u == nil || u.ID.Compare(ulid.ULID{}) == 0 {
		return oops.Code("DIRECTORY_SAVE_FAILED").Errorf("user id cannot be zero")
	}
	created := u.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	updated := u.UpdatedAt
	if updated.IsZero() {
		updated = created
	}

	const q = `INSERT INTO users (` + userColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO UPDATE SET
	username = EXCLUDED.username,
	email = EXCLUDED.email,
	password_hash = EXCLUDED.password_hash,
	email_verified = EXCLUDED.email_verified,
	permission_level = EXCLUDED.permission_level,
	one_time_password = EXCLUDED.one_time_password,
	one_time_password_expiration = EXCLUDED.one_time_password_expiration,
	updated_at = EXCLUDED.updated_at`

	_, err := r.db.Exec(ctx, q,
		u.ID.String(), u.Username, u.Email, u.PasswordHash, u.EmailVerified, u.PermissionLevel.Rank(),
		u.OneTimePasswordHash, u.OneTimePasswordExpiration, created, updated)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return oops.Code("AUTH_DUPLICATE_USER").
				With("constraint", pgErr.ConstraintName).
				Wrap(auth.ErrDuplicate)
		}
		return oops.Code("DIRECTORY_SAVE_FAILED").With("user_id", u.ID.String()).Wrap(err)
	}
	return nil
}

// Delete removes a user by id. Deleting an unknown id is a no-op.
func (r *PgUserDirectory) Delete(ctx context.Context, id ulid.ULID) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM users WHERE id = $1`, id.String()); err != nil {
		return oops.Code("DIRECTORY_DELETE_FAILED").With("user_id", id.String()).Wrap(err)
	}
	return nil
}

// HasAdmin reports whether any user holds at least PermissionAdmin.
func (r *PgUserDirectory) HasAdmin(ctx context.Context) (bool, error) {
	const q = `SELECT 1 FROM users WHERE permission_level >= $1 LIMIT 1`
	var one int
	if err := r.db.QueryRow(ctx, q, auth.PermissionAdmin.Rank()).Scan(&one); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, oops.Code("DIRECTORY_QUERY_FAILED").With("operation", "has admin").Wrap(err)
	}
	return true, nil
}

// UserCounts summarizes the users table for the admin status page.
type UserCounts struct {
	Total      int64 `json:"total"`
	Verified   int64 `json:"verified"`
	Pending    int64 `json:"pending_verification"`
	Privileged int64 `json:"privileged"` // moderator or above
}

// CountUsers aggregates the users table in one pass.
func (r *PgUserDirectory) CountUsers(ctx context.Context) (UserCounts, error) {
	const q = `SELECT count(*),
		count(*) FILTER (WHERE email_verified),
		count(*) FILTER (WHERE one_time_password IS NOT NULL),
		count(*) FILTER (WHERE permission_level >= $1)
		FROM users`
	var c UserCounts
	if err := r.db.QueryRow(ctx, q, auth.PermissionModerator.Rank()).Scan(&c.Total, &c.Verified, &c.Pending, &c.Privileged); err != nil {
		return UserCounts{}, oops.Code("DIRECTORY_QUERY_FAILED").With("operation", "count users").Wrap(err)
	}
	return c, nil
}

// List returns paginated users without hashes.
func (r *PgUserDirectory) List(ctx context.Context, page, perPage int) ([]UserListItem, int, error) {
	if page <= 0 || perPage <= 0 {
		return nil, 0, oops.Code("VALIDATION_ERROR").Errorf("invalid pagination")
	}
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&total); err != nil {
		return nil, 0, oops.Code("DIRECTORY_QUERY_FAILED").With("operation", "count users").Wrap(err)
	}
	rows, err := r.db.Query(ctx,
		`SELECT id, username, email, email_verified, permission_level, created_at FROM users ORDER BY created_at, id LIMIT $1 OFFSET $2`,
		perPage, (page-1)*perPage)
	if err != nil {
		return nil, 0, oops.Code("DIRECTORY_QUERY_FAILED").With("operation", "list users").Wrap(err)
	}
	defer rows.Close()

	items := make([]UserListItem, 0, perPage)
	for rows.Next() {
		var it UserListItem
		if err := rows.Scan(&it.ID, &it.Username, &it.Email, &it.EmailVerified, &it.PermissionLevel, &it.CreatedAt); err != nil {
			return nil, 0, oops.Code("DIRECTORY_QUERY_FAILED").With("operation", "scan user").Wrap(err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, oops.Code("DIRECTORY_QUERY_FAILED").With("operation", "iterate users").Wrap(err)
	}
	return items, total, nil
}

func buildWhere(f auth.Filter) (string, []any) {
	var conds []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if f.ID != nil {
		add("id", f.ID.String())
	}
	if f.Username != nil {
		add("username", *f.Username)
	}
	if f.Email != nil {
		add("email", *f.Email)
	}
	if f.EmailVerified != nil {
		add("email_verified", *f.EmailVerified)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanUser(row pgx.Row) (*auth.User, error) {
	var (
		u     auth.User
		id    string
		level int
	)
	err := row.Scan(&id, &u.Username, &u.Email, &u.PasswordHash, &u.EmailVerified, &level,
		&u.OneTimePasswordHash, &u.OneTimePasswordExpiration, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return nil, oops.Code("DIRECTORY_CORRUPT_ROW").With("id", id).Wrap(err)
	}
	u.ID = parsed
	u.PermissionLevel = auth.PermissionLevel(level)
	return &u, nil
}
