package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
)

// ValidationError reports a payload that does not match the SystemSnapshot shape
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid snapshot: %v", e.Err)
	}
	return fmt.Sprintf("invalid snapshot: %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

var snapshotFields = []string{"os_name", "os_version", "cpu_info", "running_processes", "logged_in_users"}

// Decode reads a whole JSON document from r and validates it as a SystemSnapshot.
// Read errors are returned as-is; shape errors are returned as *ValidationError.
func Decode(r io.Reader) (*SystemSnapshot, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return Parse(data)
}

// Parse validates data as a SystemSnapshot. Field names are matched exactly,
// unknown fields are rejected at every level, and required fields may not be null.
func Parse(data []byte) (*SystemSnapshot, error) {
	fields, err := object(data, snapshotFields...)
	if err != nil {
		return nil, &ValidationError{Err: err}
	}

	s := &SystemSnapshot{}
	if err := required(fields, "os_name", &s.OSName); err != nil {
		return nil, &ValidationError{Field: "os_name", Err: err}
	}
	if err := required(fields, "os_version", &s.OSVersion); err != nil {
		return nil, &ValidationError{Field: "os_version", Err: err}
	}
	if err := required(fields, "cpu_info", &s.CPU); err != nil {
		return nil, &ValidationError{Field: "cpu_info", Err: err}
	}
	if err := required(fields, "running_processes", &s.Processes); err != nil {
		return nil, &ValidationError{Field: "running_processes", Err: err}
	}
	if err := required(fields, "logged_in_users", &s.Users); err != nil {
		return nil, &ValidationError{Field: "logged_in_users", Err: err}
	}
	return s, nil
}

func (c *CPUInfo) UnmarshalJSON(data []byte) error {
	fields, err := object(data, "physical_cores", "total_cores", "frequency", "usage_percent", "error")
	if err != nil {
		return err
	}

	var msg string
	hasErr, err := optional(fields, "error", &msg)
	if err != nil {
		return err
	}

	stats := &CPUStats{}
	var set bool
	for _, f := range []struct {
		key string
		dst any
	}{
		{"physical_cores", &stats.PhysicalCores},
		{"total_cores", &stats.TotalCores},
		{"frequency", &stats.Frequency},
		{"usage_percent", &stats.UsagePercent},
	} {
		ok, err := optional(fields, f.key, f.dst)
		if err != nil {
			return err
		}
		set = set || ok
	}

	if hasErr {
		if set {
			return errors.New("error marker cannot be combined with cpu fields")
		}
		if msg == "" {
			return errors.New(`field "error" must not be empty`)
		}
		*c = CPUInfo{Err: msg}
		return nil
	}
	*c = CPUInfo{Stats: stats}
	return nil
}

func (f *Frequency) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		*f = Frequency{Text: text, isText: true}
		return nil
	}
	var mhz float64
	if err := json.Unmarshal(data, &mhz); err != nil {
		return errors.New(`field "frequency" must be a number or a string`)
	}
	*f = Frequency{MHz: mhz}
	return nil
}

func (p *ProcessList) UnmarshalJSON(data []byte) error {
	items, err := array(data)
	if err != nil {
		return err
	}

	if len(items) == 1 {
		if msg, ok := marker(items[0]); ok {
			*p = ProcessList{Err: msg}
			return nil
		}
	}

	procs := make([]Process, 0, len(items))
	for i, raw := range items {
		fields, err := object(raw, "pid", "name", "username")
		if err != nil {
			return fmt.Errorf("[%d]: %w", i, err)
		}
		var proc Process
		if err := required(fields, "pid", &proc.PID); err != nil {
			return fmt.Errorf("[%d]: %w", i, err)
		}
		if err := required(fields, "name", &proc.Name); err != nil {
			return fmt.Errorf("[%d]: %w", i, err)
		}
		if _, err := optional(fields, "username", &proc.Username); err != nil {
			return fmt.Errorf("[%d]: %w", i, err)
		}
		procs = append(procs, proc)
	}
	*p = ProcessList{Processes: procs}
	return nil
}

func (u *UserList) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		msg, ok := marker(trimmed)
		if !ok {
			return errors.New(`expected a list of users or an object with a non-empty "error" field`)
		}
		*u = UserList{Err: msg}
		return nil
	}

	items, err := array(data)
	if err != nil {
		return err
	}
	users := make([]User, 0, len(items))
	for i, raw := range items {
		fields, err := object(raw, "user", "terminal")
		if err != nil {
			return fmt.Errorf("[%d]: %w", i, err)
		}
		var usr User
		if err := required(fields, "user", &usr.User); err != nil {
			return fmt.Errorf("[%d]: %w", i, err)
		}
		if _, err := optional(fields, "terminal", &usr.Terminal); err != nil {
			return fmt.Errorf("[%d]: %w", i, err)
		}
		users = append(users, usr)
	}
	*u = UserList{Users: users}
	return nil
}

// marker reports whether raw is exactly {"error": "<non-empty>"}
func marker(raw json.RawMessage) (string, bool) {
	fields, err := object(raw, "error")
	if err != nil {
		return "", false
	}
	var msg string
	if err := required(fields, "error", &msg); err != nil || msg == "" {
		return "", false
	}
	return msg, true
}

// object decodes a JSON object and rejects any key not in allowed.
// Keys are compared case-sensitively, unlike encoding/json struct matching.
func object(data []byte, allowed ...string) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errors.New("expected a JSON object")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, err
	}
	for key := range fields {
		if !slices.Contains(allowed, key) {
			return nil, fmt.Errorf("unknown field %q", key)
		}
	}
	return fields, nil
}

func array(data []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, errors.New("expected a JSON array")
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || string(trimmed) == "null"
}

func required(fields map[string]json.RawMessage, key string, dst any) error {
	raw, ok := fields[key]
	if !ok || isNull(raw) {
		return fmt.Errorf("field %q is required", key)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("field %q: %w", key, err)
	}
	return nil
}

// optional decodes fields[key] into dst when present and not null
func optional(fields map[string]json.RawMessage, key string, dst any) (bool, error) {
	raw, ok := fields[key]
	if !ok || isNull(raw) {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("field %q: %w", key, err)
	}
	return true, nil
}
