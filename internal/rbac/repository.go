package rbac

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads and writes role and department grants.
type Repository interface {
	UserRoles(ctx context.Context, userID string) ([]string, error)
	UserDepartments(ctx context.Context, userID string) ([]string, error)
	AssignRole(ctx context.Context, userID, roleName string) error
	AssignDepartment(ctx context.Context, userID, deptID string) error
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a PostgreSQL backed repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// UserRoles lists the stored role names granted to the user.
func (r *PGRepository) UserRoles(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT role_name FROM user_roles WHERE user_id = $1 ORDER BY role_name`, userID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// UserDepartments lists the departments the user belongs to.
func (r *PGRepository) UserDepartments(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT dept_id FROM user_departments WHERE user_id = $1 ORDER BY dept_id`, userID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// AssignRole grants a role; granting it twice is a no-op.
func (r *PGRepository) AssignRole(ctx context.Context, userID, roleName string) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO user_roles (user_id, role_name) VALUES ($1, $2)
ON CONFLICT (user_id, role_name) DO NOTHING`, userID, roleName)
	return err
}

// AssignDepartment adds the user to a department.
func (r *PGRepository) AssignDepartment(ctx context.Context, userID, deptID string) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO user_departments (user_id, dept_id) VALUES ($1, $2)
ON CONFLICT (user_id, dept_id) DO NOTHING`, userID, deptID)
	return err
}

var _ Repository = (*PGRepository)(nil)
