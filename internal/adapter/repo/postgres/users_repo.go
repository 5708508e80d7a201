package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/harbor-runner/internal/domain"
)

// UserRepo reads user rows. The worker only ever resolves owners; user
// lifecycle belongs to the API process.
type UserRepo struct{ Pool PgxPool }

// NewUserRepo constructs a UserRepo with the given pool.
func NewUserRepo(p PgxPool) *UserRepo { return &UserRepo{Pool: p} }

// Get loads a user by id.
func (r *UserRepo) Get(ctx domain.Context, id string) (domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "users"),
	)
	q := `SELECT id, created_at FROM users WHERE id=$1`
	var u domain.User
	if err := r.Pool.QueryRow(ctx, q, id).Scan(&u.ID, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, fmt.Errorf("op=user.get: %w", domain.ErrNotFound)
		}
		return domain.User{}, fmt.Errorf("op=user.get: %w", err)
	}
	return u, nil
}
