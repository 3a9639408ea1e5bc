package streda

// Room is one room of a location with its mounted docks.
type Room struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Docks []Dock `json:"docks"`
}

// Dock is a mounting slot in a room associated with one snap-in module.
type Dock struct {
	ID         string `json:"id"`
	SnapInID   string `json:"snapInId"`
	ZigbeeID   string `json:"zigbeeId"`
	Number     int    `json:"number"`
	PositionID string `json:"positionId"`
	DockCode   string `json:"dockCode"`
}

// Topology is the discovered room/dock structure of a location. It is
// fetched once at startup and immutable afterwards; dock changes require
// a restart.
type Topology []Room

// SnapIn is a physical vendor module identified by its zigbee id. It hosts
// one or more addressable devices and carries module-level state records
// (e.g. FirmwareState).
type SnapIn struct {
	ZigbeeID string        `json:"zigbeeId"`
	Devices  []Device      `json:"devices"`
	States   []DeviceState `json:"states,omitempty"`
}

// Device is one addressable device within a snap-in, keyed by device number.
type Device struct {
	DeviceNumber int           `json:"deviceNumber"`
	DeviceType   string        `json:"deviceType"`
	States       []DeviceState `json:"states"`
}

// DeviceState is one typed state record with an opaque data mapping.
// (zigbeeId, deviceNumber, type) uniquely identifies a record in the tree.
type DeviceState struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Update is a partial state update delivered over the realtime channel.
type Update struct {
	ZigbeeID     string       `json:"zigbeeId"`
	DeviceNumber int          `json:"deviceNumber"`
	DeviceState  *DeviceState `json:"deviceState"`
}
