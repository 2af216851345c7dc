package configutil

import (
	"sort"
	"strings"
)

// Schema lists the keys a vendor settings block may carry. Keys match
// case-, underscore- and hyphen-insensitively.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// SettingsError reports every missing and unknown key at once so a bad
// config can be fixed in one pass.
type SettingsError struct {
	Missing []string
	Unknown []string
}

func (e *SettingsError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(e.Unknown, ", "))
	}
	return strings.Join(parts, "; ")
}

// Validate checks input against the schema. A required key holding a blank
// string counts as missing.
func (s Schema) Validate(input map[string]any) error {
	required := make(map[string]string, len(s.Required))
	for _, k := range s.Required {
		required[normalizeKey(k)] = k
	}
	optional := make(map[string]bool, len(s.Optional))
	for _, k := range s.Optional {
		optional[normalizeKey(k)] = true
	}

	e := &SettingsError{}
	present := make(map[string]bool, len(input))
	for k, v := range input {
		nk := normalizeKey(k)
		present[nk] = true
		reqKey, isRequired := required[nk]
		switch {
		case isRequired && blank(v):
			e.Missing = append(e.Missing, reqKey)
		case !isRequired && !optional[nk] && !s.AllowUnknown:
			e.Unknown = append(e.Unknown, k)
		}
	}
	for nk, reqKey := range required {
		if !present[nk] {
			e.Missing = append(e.Missing, reqKey)
		}
	}
	if len(e.Missing) == 0 && len(e.Unknown) == 0 {
		return nil
	}
	sort.Strings(e.Missing)
	sort.Strings(e.Unknown)
	return e
}

// ValidateSettings validates a settings map against a schema.
func ValidateSettings(input map[string]any, schema Schema) error {
	return schema.Validate(input)
}

func blank(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}
