package streda

// Streda cloud deployment constants. The vendor runs a fixed production
// deployment; none of these are user-configurable.
const (
	ClientID = "ed1f77db-48fe-4a5e-8853-72929d971604"

	tenant = "stredaprod"
	policy = "b2c_1_homeowner"

	// TokenURL is the B2C OAuth2 token endpoint (refresh-token grant).
	TokenURL = "https://" + tenant + ".b2clogin.com/" + tenant + ".onmicrosoft.com/" + policy + "/oauth2/v2.0/token"

	// AuthAPIURL exchanges an identity token for a data API token.
	AuthAPIURL = "https://streda-authorization-production.azurewebsites.net"

	// DataAPIURL serves locations, rooms, docks, and device state.
	DataAPIURL = "https://streda-admin-production.azurewebsites.net"

	// NegotiateURL issues short-lived access tokens for the realtime hub.
	NegotiateURL = DataAPIURL + "/realtimehub/negotiate?negotiateVersion=1"

	// HubURL is the realtime push hub.
	HubURL = "https://streda-signalr-production.service.signalr.net/client/?hub=realtimehub"

	// SubscribeMethod is the hub method that starts the per-location
	// device state stream.
	SubscribeMethod = "SubscribeDeviceStatesForLocationAsync"

	// NotificationTarget is the hub message carrying partial state updates.
	NotificationTarget = "deviceStateNotification"
)

// Dock and device type codes. Only the relay bin is exposed as a switch.
const (
	DockCodeRelay   = "BN1-C"
	DeviceTypeRelay = "RelayBin"

	StateTypePower    = "PowerState"
	StateTypeFirmware = "FirmwareState"
)

// PositionDescriptions maps dock position codes to display names.
var PositionDescriptions = map[string]string{
	"cm":  "Ceiling, center",
	"cn":  "Ceiling, entry",
	"cf":  "Ceiling, far side",
	"edl": "Entry door left",
	"edr": "Entry door right",
	"lwn": "Leftside wall near",
	"lwm": "Leftside wall mid",
	"lwf": "Leftside wall far",
	"rwn": "Rightside wall near",
	"rwm": "Rightside wall mid",
	"rwf": "Rightside wall far",
	"bwl": "Backside wall left",
	"bwm": "Backside wall mid",
	"bwr": "Backside wall right",
}
