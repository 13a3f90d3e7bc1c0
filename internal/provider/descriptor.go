package provider

import (
	"fmt"
	"strconv"
	"strings"
)

// Type is the declarative descriptor of an available provider type,
// discovered from descriptor files. It is not itself executable: the
// instance factory turns it into a Provider through the registered driver
// constructor.
type Type struct {
	// Source is the key accounts reference (their declared source).
	Source string

	// Name is the operator-facing display name.
	Name string

	// AuthMethod labels how accounts of this type authenticate
	// (e.g. "oauth2", "none").
	AuthMethod string

	// Driver selects the registered constructor for this type.
	Driver string

	// Enabled gates instantiation; disabled types are discoverable but
	// never produce an instance.
	Enabled bool
}

// TypeFromMap validates one descriptor entry. All of name, auth_method,
// enabled, and driver must be present; a missing or empty key is a
// configuration error surfaced immediately.
func TypeFromMap(source string, entry map[string]any) (Type, error) {
	if strings.TrimSpace(source) == "" {
		return Type{}, fmt.Errorf("provider descriptor has an empty source key")
	}

	name, err := requiredString(entry, "name")
	if err != nil {
		return Type{}, fmt.Errorf("provider %q: %w", source, err)
	}
	authMethod, err := requiredString(entry, "auth_method")
	if err != nil {
		return Type{}, fmt.Errorf("provider %q: %w", source, err)
	}
	driver, err := requiredString(entry, "driver")
	if err != nil {
		return Type{}, fmt.Errorf("provider %q: %w", source, err)
	}

	rawEnabled, ok := entry["enabled"]
	if !ok {
		return Type{}, fmt.Errorf("provider %q: missing required key %q", source, "enabled")
	}
	enabled, err := coerceEnabled(rawEnabled)
	if err != nil {
		return Type{}, fmt.Errorf("provider %q: %w", source, err)
	}

	return Type{
		Source:     source,
		Name:       name,
		AuthMethod: authMethod,
		Driver:     driver,
		Enabled:    enabled,
	}, nil
}

func requiredString(entry map[string]any, key string) (string, error) {
	raw, ok := entry[key]
	if !ok {
		return "", fmt.Errorf("missing required key %q", key)
	}
	s, ok := raw.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("key %q must be a non-empty string", key)
	}
	return s, nil
}

func coerceEnabled(raw any) (bool, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, fmt.Errorf("key %q: unparseable boolean %q", "enabled", v)
		}
		return b, nil
	case int:
		return v != 0, nil
	default:
		return false, fmt.Errorf("key %q has unsupported type %T", "enabled", raw)
	}
}
