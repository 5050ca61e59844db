package snapshot

import (
	"encoding/json"
)

// SystemSnapshot is one point-in-time bundle of host metrics produced by the agent.
// It is built fresh on every collection cycle and never modified afterwards.
type SystemSnapshot struct {
	OSName    string      `json:"os_name"`
	OSVersion string      `json:"os_version"`
	CPU       CPUInfo     `json:"cpu_info"`
	Processes ProcessList `json:"running_processes"`
	Users     UserList    `json:"logged_in_users"`
}

// StoredRecord is the line persisted by the collector for every accepted snapshot
type StoredRecord struct {
	ServerTimestamp string         `json:"server_timestamp"`
	Payload         SystemSnapshot `json:"payload"`
}

// errorMarker is the inline shape used when a sub-collection could not be read
type errorMarker struct {
	Error string `json:"error"`
}

const unknownError = "unknown error"

func markerText(msg string) string {
	if msg == "" {
		return unknownError
	}
	return msg
}

// CPUInfo holds either CPU statistics or the reason they are unavailable.
// Exactly one arm is set: Stats when Err is empty, Err otherwise.
type CPUInfo struct {
	Stats *CPUStats
	Err   string
}

// CPUStats describes CPU topology and usage. Nil fields were not reported by the host.
type CPUStats struct {
	PhysicalCores *int       `json:"physical_cores"`
	TotalCores    *int       `json:"total_cores"`
	Frequency     *Frequency `json:"frequency"`
	UsagePercent  *float64   `json:"usage_percent"`
}

// CPUError returns the error arm of CPUInfo
func CPUError(msg string) CPUInfo {
	return CPUInfo{Err: markerText(msg)}
}

// IsError reports whether the CPU sub-collection failed
func (c CPUInfo) IsError() bool {
	return c.Err != ""
}

func (c CPUInfo) MarshalJSON() ([]byte, error) {
	if c.IsError() {
		return json.Marshal(errorMarker{Error: c.Err})
	}
	if c.Stats == nil {
		return json.Marshal(CPUStats{})
	}
	return json.Marshal(c.Stats)
}

// Frequency is the current CPU frequency in MHz, or a text value such as "N/A"
// when the host does not expose one.
type Frequency struct {
	MHz    float64
	Text   string
	isText bool
}

// FrequencyMHz returns a numeric frequency
func FrequencyMHz(mhz float64) *Frequency {
	return &Frequency{MHz: mhz}
}

// FrequencyText returns a textual frequency
func FrequencyText(text string) *Frequency {
	return &Frequency{Text: text, isText: true}
}

// IsText reports whether the frequency carries a text value
func (f Frequency) IsText() bool {
	return f.isText
}

func (f Frequency) MarshalJSON() ([]byte, error) {
	if f.isText {
		return json.Marshal(f.Text)
	}
	return json.Marshal(f.MHz)
}

// Process is a single entry of the running process list
type Process struct {
	PID      int     `json:"pid"`
	Name     string  `json:"name"`
	Username *string `json:"username"`
}

// ProcessList holds the running processes, or the reason they could not be listed.
// On the wire the error arm is a one-element list: [{"error": "..."}].
type ProcessList struct {
	Processes []Process
	Err       string
}

// ProcessError returns the error arm of ProcessList
func ProcessError(msg string) ProcessList {
	return ProcessList{Err: markerText(msg)}
}

// IsError reports whether the process sub-collection failed
func (p ProcessList) IsError() bool {
	return p.Err != ""
}

func (p ProcessList) MarshalJSON() ([]byte, error) {
	if p.IsError() {
		return json.Marshal([]errorMarker{{Error: p.Err}})
	}
	if p.Processes == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(p.Processes)
}

// User is one active login session
type User struct {
	User     string  `json:"user"`
	Terminal *string `json:"terminal"`
}

// UserList holds the logged-in users, or the reason they could not be listed.
// On the wire the error arm is an object: {"error": "..."}.
type UserList struct {
	Users []User
	Err   string
}

// UserError returns the error arm of UserList
func UserError(msg string) UserList {
	return UserList{Err: markerText(msg)}
}

// IsError reports whether the user sub-collection failed
func (u UserList) IsError() bool {
	return u.Err != ""
}

func (u UserList) MarshalJSON() ([]byte, error) {
	if u.IsError() {
		return json.Marshal(errorMarker{Error: u.Err})
	}
	if u.Users == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(u.Users)
}
