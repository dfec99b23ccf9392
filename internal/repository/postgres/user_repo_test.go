package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/and161185/keyward/internal/errs"
	"github.com/and161185/keyward/internal/model"
	"github.com/and161185/keyward/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

func newDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return &DB{Pool: mock}, mock
}

var userCols = []string{
	"id", "email", "password_hash", "name", "role", "tenant_id",
	"email_verified", "email_verify_token", "email_verify_expires",
	"password_reset_token", "password_reset_expires",
	"login_count", "failed_login_count", "locked_until", "last_login",
	"oauth_provider", "oauth_provider_id", "linked_providers",
	"phone", "avatar_url", "preferences", "created_at", "updated_at",
}

func userRow(id, email string, lockedUntil *time.Time) *pgxmock.Rows {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return pgxmock.NewRows(userCols).AddRow(
		id, email, "$argon2id$hash", "Ann", "user", "tenant_x",
		true, "", (*time.Time)(nil),
		"", (*time.Time)(nil),
		3, 1, lockedUntil, &now,
		"google", "g-1", []string{"google"},
		"", "", []byte(`{"theme":"dark"}`), now, now,
	)
}

func anyArgs(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = pgxmock.AnyArg()
	}
	return out
}

func TestUserRepo_Create_OK_and_UniqueViolation(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewUserRepo(db)
	ctx := context.Background()
	u := &model.User{ID: "user_1", Email: "a@b.com", PasswordHash: "h", Role: model.RoleUser}

	mock.ExpectExec(`INSERT INTO users \(id, email, password_hash`).
		WithArgs(anyArgs(23)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, r.Create(ctx, u))

	mock.ExpectExec(`INSERT INTO users \(id, email, password_hash`).
		WithArgs(anyArgs(23)...).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	require.ErrorIs(t, r.Create(ctx, u), errs.ErrAlreadyExists)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepo_GetByID(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewUserRepo(db)
	ctx := context.Background()
	lock := time.Date(2025, 1, 1, 0, 15, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT id, email, .+ FROM users WHERE id = \$1`).
		WithArgs("user_1").
		WillReturnRows(userRow("user_1", "a@b.com", &lock))
	u, err := r.GetByID(ctx, "user_1")
	require.NoError(t, err)
	require.Equal(t, "user_1", u.ID)
	require.Equal(t, model.RoleUser, u.Role)
	require.Equal(t, "tenant_x", u.TenantID)
	require.Equal(t, []string{"google"}, u.LinkedProviders)
	require.Equal(t, "dark", u.Preferences["theme"])
	require.NotNil(t, u.LockedUntil)
	require.True(t, u.LockedUntil.Equal(lock))
	require.Nil(t, u.EmailVerifyExpires)

	mock.ExpectQuery(`SELECT id, email, .+ FROM users WHERE id = \$1`).
		WithArgs("user_2").
		WillReturnError(pgx.ErrNoRows)
	_, err = r.GetByID(ctx, "user_2")
	require.ErrorIs(t, err, errs.ErrNotFound)

	boom := errors.New("conn reset")
	mock.ExpectQuery(`SELECT id, email, .+ FROM users WHERE id = \$1`).
		WithArgs("user_3").
		WillReturnError(boom)
	_, err = r.GetByID(ctx, "user_3")
	require.ErrorIs(t, err, boom)
}

func TestUserRepo_GetByEmailAndTokens(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewUserRepo(db)
	ctx := context.Background()

	mock.ExpectQuery(`FROM users WHERE email = \$1`).
		WithArgs("a@b.com").
		WillReturnRows(userRow("user_1", "a@b.com", nil))
	u, err := r.GetByEmail(ctx, "a@b.com")
	require.NoError(t, err)
	require.Equal(t, "a@b.com", u.Email)
	require.Nil(t, u.LockedUntil)

	mock.ExpectQuery(`FROM users WHERE email_verify_token = \$1`).
		WithArgs("vh").
		WillReturnError(pgx.ErrNoRows)
	_, err = r.GetByVerifyToken(ctx, "vh")
	require.ErrorIs(t, err, errs.ErrNotFound)

	mock.ExpectQuery(`FROM users WHERE password_reset_token = \$1`).
		WithArgs("rh").
		WillReturnRows(userRow("user_1", "a@b.com", nil))
	_, err = r.GetByResetToken(ctx, "rh")
	require.NoError(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}

var _ repository.UserRepository = (*UserRepo)(nil)

func TestUserRepo_RecordLoginFailure(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewUserRepo(db)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	until := now.Add(15 * time.Minute)

	mock.ExpectQuery(`UPDATE users SET\s+failed_login_count = CASE`).
		WithArgs("user_1", 5, until, now).
		WillReturnRows(pgxmock.NewRows([]string{"failed_login_count", "locked_until"}).AddRow(5, &until))
	f, err := r.RecordLoginFailure(ctx, "user_1", 5, 15*time.Minute, now)
	require.NoError(t, err)
	require.Equal(t, 5, f.Count)
	require.True(t, f.Locked(now))

	mock.ExpectQuery(`UPDATE users SET\s+failed_login_count = CASE`).
		WithArgs(anyArgs(4)...).
		WillReturnError(pgx.ErrNoRows)
	_, err = r.RecordLoginFailure(ctx, "nope", 5, time.Minute, now)
	require.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepo_RecordLoginSuccess_RequiresCurrentHash(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewUserRepo(db)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(`WHERE id = \$1 AND password_hash = \$2`).
		WithArgs("user_1", "h", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, r.RecordLoginSuccess(ctx, "user_1", "h", now))

	mock.ExpectExec(`WHERE id = \$1 AND password_hash = \$2`).
		WithArgs("user_1", "stale", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.ErrorIs(t, r.RecordLoginSuccess(ctx, "user_1", "stale", now), errs.ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepo_ResetPassword_TokenGuarded(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewUserRepo(db)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`WHERE password_reset_token = \$1\s+RETURNING id`).
		WithArgs("rt", "new", now).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("user_1"))
	id, err := r.ResetPassword(ctx, "rt", "new", now)
	require.NoError(t, err)
	require.Equal(t, "user_1", id)

	mock.ExpectQuery(`WHERE password_reset_token = \$1\s+RETURNING id`).
		WithArgs("rt", "again", now).
		WillReturnError(pgx.ErrNoRows)
	_, err = r.ResetPassword(ctx, "rt", "again", now)
	require.ErrorIs(t, err, errs.ErrNotFound)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUserRepo_NarrowWrites(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewUserRepo(db)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`array_append\(linked_providers, \$2\)`).
		WithArgs("user_1", "google", "g-1", now).
		WillReturnRows(userRow("user_1", "a@b.com", nil))
	u, err := r.LinkOAuth(ctx, "user_1", "google", "g-1", now)
	require.NoError(t, err)
	require.Equal(t, []string{"google"}, u.LinkedProviders)

	mock.ExpectExec(`UPDATE users SET password_hash = \$2, password_reset_token = NULL`).
		WithArgs("user_1", "h2", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, r.SetPassword(ctx, "user_1", "h2", now))

	mock.ExpectExec(`UPDATE users SET password_reset_token = \$2`).
		WithArgs("user_1", "rt", now.Add(time.Hour), now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, r.SetResetToken(ctx, "user_1", "rt", now.Add(time.Hour), now))

	mock.ExpectExec(`UPDATE users SET email_verify_token = \$2`).
		WithArgs("user_1", "vt", now.Add(time.Hour), now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, r.SetVerifyToken(ctx, "user_1", "vt", now.Add(time.Hour), now))

	mock.ExpectExec(`UPDATE users SET email_verified = TRUE`).
		WithArgs("nope", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	require.ErrorIs(t, r.MarkEmailVerified(ctx, "nope", now), errs.ErrNotFound)

	mock.ExpectExec(`WHERE id = \$1 AND tenant_id IS NULL`).
		WithArgs("user_1", "acme", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	ok, err := r.AssignTenant(ctx, "user_1", "acme", now)
	require.NoError(t, err)
	require.True(t, ok)

	mock.ExpectExec(`WHERE id = \$1 AND tenant_id IS NULL`).
		WithArgs("user_1", "other", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT .+ FROM users WHERE id = \$1`).
		WithArgs("user_1").
		WillReturnRows(userRow("user_1", "a@b.com", nil))
	ok, err = r.AssignTenant(ctx, "user_1", "other", now)
	require.NoError(t, err)
	require.False(t, ok)

	mock.ExpectExec(`UPDATE users SET name = \$2`).
		WithArgs("user_1", "Ann", "", "", []byte(`{"a":1}`), now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, r.UpdateProfile(ctx, &model.User{ID: "user_1", Name: "Ann", Preferences: map[string]any{"a": 1}, UpdatedAt: now}))

	require.NoError(t, mock.ExpectationsWereMet())
}
