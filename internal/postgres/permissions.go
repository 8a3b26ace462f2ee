package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/capitalize-ai/live-conversations/internal/access"
	"github.com/capitalize-ai/live-conversations/internal/model"
)

// PermissionRepository answers access questions from the auth tables.
type PermissionRepository struct {
	pool *pgxpool.Pool
}

// NewPermissionRepository creates a permission repository.
func NewPermissionRepository(pool *pgxpool.Pool) *PermissionRepository {
	return &PermissionRepository{pool: pool}
}

var _ access.PermissionSource = (*PermissionRepository)(nil)

// ResolvePermission asks the database whether actor may open subjectID.
// A missing subject yields access.ErrUnknownSubject.
func (r *PermissionRepository) ResolvePermission(ctx context.Context, actor model.Actor, subjectID string) (access.Permission, error) {
	const q = `
		SELECT user_can_access_prospect($1, p.id)
		FROM prospects p
		WHERE p.id = $2`

	var ok bool
	err := r.pool.QueryRow(ctx, q, actor.ID, subjectID).Scan(&ok)
	if errors.Is(err, pgx.ErrNoRows) {
		return access.Permission{}, access.ErrUnknownSubject
	}
	if err != nil {
		return access.Permission{}, fmt.Errorf("failed to resolve permission: %w", err)
	}
	p := access.Permission{CanAccess: ok}
	if !ok {
		p.Reason = "not permitted"
	}
	return p, nil
}

// GetAssignmentFilter returns the executives an agent covers, including
// agents that named them as backup, or the teams a team-scoped role leads.
func (r *PermissionRepository) GetAssignmentFilter(ctx context.Context, actor model.Actor) (access.Filter, error) {
	switch {
	case actor.Role.Elevated():
		return access.Filter{}, nil

	case actor.Role == model.RoleAgent:
		const q = `
			SELECT agent_id
			FROM backup_assignments
			WHERE backup_id = $1 AND active`
		delegates, err := r.strings(ctx, q, actor.ID)
		if err != nil {
			return access.Filter{}, fmt.Errorf("failed to load backup assignments: %w", err)
		}
		return access.Filter{ExecutiveIDs: append([]string{actor.ID}, delegates...)}, nil

	case actor.Role.TeamScoped():
		const q = `
			SELECT team_id
			FROM user_teams
			WHERE user_id = $1`
		teams, err := r.strings(ctx, q, actor.ID)
		if err != nil {
			return access.Filter{}, fmt.Errorf("failed to load teams: %w", err)
		}
		if teams == nil {
			teams = []string{}
		}
		return access.Filter{TeamIDs: teams}, nil
	}
	return access.Filter{ExecutiveIDs: []string{}, TeamIDs: []string{}}, nil
}

func (r *PermissionRepository) strings(ctx context.Context, q string, args ...any) ([]string, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
