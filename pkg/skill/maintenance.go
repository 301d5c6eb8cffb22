package skill

import (
	"context"
	"fmt"
	"time"

	"github.com/aria-platform/aria/pkg/services"
)

// MaintenanceSkill exposes session housekeeping as scheduler-dispatchable
// actions. Layer 1: it sits above the storage leaves.
type MaintenanceSkill struct {
	sessions *services.SessionService
}

// NewMaintenanceSkill wraps the session service.
func NewMaintenanceSkill(sessions *services.SessionService) *MaintenanceSkill {
	return &MaintenanceSkill{sessions: sessions}
}

func (s *MaintenanceSkill) Name() string           { return "maintenance" }
func (s *MaintenanceSkill) Layer() int             { return 1 }
func (s *MaintenanceSkill) Dependencies() []string { return nil }

func (s *MaintenanceSkill) Invoke(ctx context.Context, action string, args map[string]any) (any, error) {
	switch action {
	case "prune_ghosts":
		olderThan := durationArg(args, "older_than", 0)
		deleted, err := s.sessions.DeleteGhostSessions(ctx, olderThan)
		if err != nil {
			return nil, Transient(err)
		}
		return map[string]any{"deleted": deleted}, nil

	case "archive_old":
		days := intArg(args, "days", 30)
		dryRun, _ := args["dry_run"].(bool)
		res, err := s.sessions.PruneOldSessions(ctx, days, dryRun)
		if err != nil {
			if services.IsValidationError(err) {
				return nil, err
			}
			return nil, Transient(err)
		}
		return res, nil

	default:
		return nil, fmt.Errorf("%w: maintenance.%s", ErrUnknownAction, action)
	}
}

func durationArg(args map[string]any, key string, fallback time.Duration) time.Duration {
	switch v := args[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case float64:
		return time.Duration(v) * time.Minute
	case int:
		return time.Duration(v) * time.Minute
	}
	return fallback
}

func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}
