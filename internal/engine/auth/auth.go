package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"forestline/internal/config"
)

// Action is an operation gated by role.
type Action string

const (
	ActionImportWorksheet  Action = "worksheet.import"
	ActionRegisterOperator Action = "operator.register"
	ActionCreateSheet      Action = "execution.create"
	ActionAssign           Action = "operation.assign"
	ActionEdit             Action = "operation.edit"
	ActionStart            Action = "operation.start"
	ActionStop             Action = "operation.stop"
	ActionTrack            Action = "operation.track"
)

var ErrForbidden = errors.New("forbidden")

// ForbiddenError indicates the role may not perform an action.
type ForbiddenError struct {
	Action Action
	Role   string
}

func (e ForbiddenError) Error() string {
	if e.Role == "" {
		return fmt.Sprintf("action %s requires an office role", e.Action)
	}
	return fmt.Sprintf("role %s may not perform %s", e.Role, e.Action)
}

func (e ForbiddenError) Unwrap() error { return ErrForbidden }

// officeOnly lists the planning actions. Field actions are left to the
// lifecycle, which checks the caller against the assigned operator.
var officeOnly = map[Action]bool{
	ActionImportWorksheet:  true,
	ActionRegisterOperator: true,
	ActionCreateSheet:      true,
	ActionAssign:           true,
	ActionEdit:             true,
}

// Service resolves actor roles from the operators table and checks them
// against the office roles of the workspace config.
type Service struct {
	DB     *sql.DB
	Config *config.Config
}

// ActorRole returns the registered role of actorID, or "" when unknown.
func (s Service) ActorRole(ctx context.Context, actorID string) (string, error) {
	if actorID == "" {
		return "", errors.New("actor_id required")
	}
	var role string
	err := s.DB.QueryRowContext(ctx, `SELECT role FROM operators WHERE id=?`, actorID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return role, err
}

// Allow checks whether any of roles may perform action.
func (s Service) Allow(action Action, roles ...string) error {
	if !officeOnly[action] {
		return nil
	}
	cfg := s.Config
	if cfg == nil {
		cfg = config.Default()
	}
	for _, r := range roles {
		if cfg.IsOffice(r) {
			return nil
		}
	}
	role := ""
	if len(roles) > 0 {
		role = roles[0]
	}
	return ForbiddenError{Action: action, Role: role}
}

// Require is Allow with the role looked up for actorID when roles is empty.
func (s Service) Require(ctx context.Context, action Action, actorID string, roles []string) error {
	if len(roles) == 0 && officeOnly[action] {
		role, err := s.ActorRole(ctx, actorID)
		if err != nil {
			return err
		}
		if role != "" {
			roles = []string{role}
		}
	}
	return s.Allow(action, roles...)
}
