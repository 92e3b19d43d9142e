package inventory

import (
	"context"

	"github.com/metal-toolbox/bmpipe/internal/model"
)

// StateSource lists the devices in one lifecycle state, it is the working set of the monitoring loop.
type StateSource struct {
	inventory Inventory
	state     model.LifecycleState
}

// NewStateSource returns a StateSource listing devices in the given state.
func NewStateSource(inventory Inventory, state model.LifecycleState) *StateSource {
	return &StateSource{inventory: inventory, state: state}
}

// Devices returns the devices currently in the source state.
func (s *StateSource) Devices(ctx context.Context) ([]*model.Device, error) {
	return s.inventory.DevicesByState(ctx, s.state)
}
