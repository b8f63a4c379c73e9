package models

// Platform values advertised over mDNS and carried in pairing messages.
const (
	PlatformDesktop = "desktop"
	PlatformMobile  = "mobile"
)

// NormalizePlatform maps legacy platform names from older records onto the
// canonical set. Unknown values default to desktop.
func NormalizePlatform(platform string) string {
	switch platform {
	case PlatformMobile, "android", "ios":
		return PlatformMobile
	default:
		return PlatformDesktop
	}
}

// DeviceInfo is the identity tuple exchanged during pairing and advertised
// over mDNS. Host and Port are populated only for remote devices resolved via
// discovery, or locally once the TCP listener is bound.
type DeviceInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Platform string `json:"platform"`
	Version  string `json:"version"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
}

// DiscoveredDevice is a DeviceInfo seen on the network. Entries whose
// LastSeen is older than 30 seconds are considered stale.
type DiscoveredDevice struct {
	DeviceInfo
	LastSeen int64 `json:"last_seen"`
}

// PairedDevice is the persisted outcome of a successful pairing. Uniqueness
// is by device ID; re-pairing overwrites the stored record.
type PairedDevice struct {
	DeviceInfo
	SharedSecret  string `json:"shared_secret"`
	PairedAt      int64  `json:"paired_at"`
	LastConnected *int64 `json:"last_connected,omitempty"`
}

// AppSettings are the persistent local-device settings served by the storage
// facade.
type AppSettings struct {
	DeviceName           string `json:"device_name"`
	DeviceID             string `json:"device_id"`
	AutoAcceptFromPaired bool   `json:"auto_accept_from_paired"`
	SaveDirectory        string `json:"save_directory"`
	NotificationsEnabled bool   `json:"notifications_enabled"`
}

// SettingsPatch is a partial settings update; nil fields are left unchanged.
type SettingsPatch struct {
	DeviceName           *string `json:"device_name,omitempty"`
	AutoAcceptFromPaired *bool   `json:"auto_accept_from_paired,omitempty"`
	SaveDirectory        *string `json:"save_directory,omitempty"`
	NotificationsEnabled *bool   `json:"notifications_enabled,omitempty"`
}
