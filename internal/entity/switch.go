// Package entity adapts discovered docks into switch entities for the host
// platform.
package entity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"streda-bridge/internal/streda"
)

// Commander issues device commands through the cloud API.
type Commander interface {
	ToggleDevice(ctx context.Context, dockNumber, deviceNumber int) error
}

// States is the read-only view of the state store the façade needs.
type States interface {
	PowerState(zigbeeID string, deviceNumber int) (state string, ok bool)
	ResolveRelay(zigbeeID string) (deviceNumber int, firmware string, ok bool)
}

// RelaySwitch is one relay bin exposed as an on/off switch. The zigbee id
// and device number are bound once at construction; the power state is read
// live from the state store.
type RelaySwitch struct {
	SnapInID     string
	ZigbeeID     string
	DockNumber   int
	DeviceNumber int
	RoomName     string
	Position     string
	Firmware     string

	api    Commander
	states States
	logger *slog.Logger
}

// BuildSwitches creates one switch per relay-type dock in the topology.
// Docks whose relay device cannot be resolved in the current state tree are
// skipped with a warning rather than exposed half-bound.
func BuildSwitches(topo streda.Topology, states States, api Commander, logger *slog.Logger) []*RelaySwitch {
	logger = logger.With("component", "entity")

	var switches []*RelaySwitch
	for _, room := range topo {
		for _, dock := range room.Docks {
			if dock.DockCode != streda.DockCodeRelay {
				continue
			}
			deviceNumber, firmware, ok := states.ResolveRelay(dock.ZigbeeID)
			if !ok {
				logger.Warn("relay dock has no relay device in state tree, skipping",
					"zigbee_id", dock.ZigbeeID, "room", room.Name)
				continue
			}
			switches = append(switches, &RelaySwitch{
				SnapInID:     dock.SnapInID,
				ZigbeeID:     dock.ZigbeeID,
				DockNumber:   dock.Number,
				DeviceNumber: deviceNumber,
				RoomName:     room.Name,
				Position:     streda.PositionDescriptions[dock.PositionID],
				Firmware:     firmware,
				api:          api,
				states:       states,
				logger:       logger,
			})
		}
	}
	return switches
}

// UniqueID identifies the switch for the host platform.
func (s *RelaySwitch) UniqueID() string {
	return fmt.Sprintf("streda_%s_relay_%d", s.SnapInID, s.DeviceNumber)
}

// Name is the entity display name.
func (s *RelaySwitch) Name() string {
	return s.RoomName + " Ceiling Light"
}

// DeviceName is the display name of the grouping device (the snap-in).
func (s *RelaySwitch) DeviceName() string {
	return strings.TrimSpace(s.RoomName + " " + s.Position)
}

// IsOn reports whether the bound device's PowerState is "ON". A missing
// PowerState record reads as off.
func (s *RelaySwitch) IsOn() bool {
	state, ok := s.states.PowerState(s.ZigbeeID, s.DeviceNumber)
	return ok && state == "ON"
}

// TurnOn toggles the relay unless it is already on. The backing command is
// an unconditional toggle; the guard is only as good as the cached state,
// which is an accepted limitation of the vendor API.
func (s *RelaySwitch) TurnOn(ctx context.Context) error {
	if s.IsOn() {
		return nil
	}
	return s.Toggle(ctx)
}

// TurnOff toggles the relay unless it is already off.
func (s *RelaySwitch) TurnOff(ctx context.Context) error {
	if !s.IsOn() {
		return nil
	}
	return s.Toggle(ctx)
}

// Toggle sends the raw toggle command.
func (s *RelaySwitch) Toggle(ctx context.Context) error {
	if err := s.api.ToggleDevice(ctx, s.DockNumber, s.DeviceNumber); err != nil {
		s.logger.Warn("toggle failed", "zigbee_id", s.ZigbeeID, "err", err)
		return err
	}
	return nil
}
