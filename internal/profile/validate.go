// Package profile lays out the per-profile directory: database, socket,
// lock, config and logs.
package profile

import "fmt"

// MaxNameLen bounds profile names; they become directory names.
const MaxNameLen = 64

// NameError reports why a profile name was rejected.
type NameError struct {
	Name   string
	Reason string
}

func (e *NameError) Error() string {
	return fmt.Sprintf("invalid profile name %q: %s", e.Name, e.Reason)
}

// ValidateName accepts lowercase letters, digits, '-' and '_', starting with
// a letter or digit so a name is never mistaken for a flag.
func ValidateName(name string) error {
	switch {
	case name == "":
		return &NameError{Name: name, Reason: "must not be empty"}
	case len(name) > MaxNameLen:
		return &NameError{Name: name, Reason: fmt.Sprintf("longer than %d characters", MaxNameLen)}
	case !isAlnum(name[0]):
		return &NameError{Name: name, Reason: "must start with a lowercase letter or digit"}
	}
	for i := 0; i < len(name); i++ {
		if c := name[i]; !isAlnum(c) && c != '-' && c != '_' {
			return &NameError{Name: name, Reason: fmt.Sprintf("character %q not allowed (use a-z, 0-9, '-', '_')", c)}
		}
	}
	return nil
}

func isAlnum(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= '0' && c <= '9'
}
