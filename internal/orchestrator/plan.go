package orchestrator

import (
	"fmt"

	"github.com/tis24dev/proxsync/internal/types"
)

// BuildGuestPlan returns the guest loop order: every dependent, then every
// independent, each in the given order. An id is planned once.
func BuildGuestPlan(dependents, independents []int, kinds KindDetector) ([]types.Guest, error) {
	plan := make([]types.Guest, 0, len(dependents)+len(independents))
	seen := make(map[int]bool)

	add := func(ids []int, role types.GuestRole) error {
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			g, err := resolveGuest(id, role, kinds)
			if err != nil {
				return err
			}
			plan = append(plan, g)
		}
		return nil
	}

	if err := add(dependents, types.RoleDependent); err != nil {
		return nil, err
	}
	if err := add(independents, types.RoleIndependent); err != nil {
		return nil, err
	}
	return plan, nil
}

func resolveGuest(id int, role types.GuestRole, kinds KindDetector) (types.Guest, error) {
	kind, err := kinds.DetectKind(id)
	if err != nil {
		return types.Guest{}, fmt.Errorf("resolve %s guest %d: %w", role, id, err)
	}
	return types.Guest{ID: id, Kind: kind, Role: role}, nil
}
