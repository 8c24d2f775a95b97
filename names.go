package dbus

import (
	"errors"
	"fmt"
	"strings"
)

const maxNameLen = 255

// ErrInvalidName is returned for malformed bus, interface, error and
// member names.
var ErrInvalidName = errors.New("invalid dbus name")

func nameErr(kind, name, reason string) error {
	return fmt.Errorf("%w: %s %q %s", ErrInvalidName, kind, name, reason)
}

func isNameChar(r rune, first bool) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		return true
	case r >= '0' && r <= '9':
		return !first
	}
	return false
}

// ValidateInterfaceName reports whether name is a valid interface or
// error name: two or more dot-separated elements of [A-Za-z0-9_],
// none starting with a digit.
func ValidateInterfaceName(name string) error {
	if name == "" {
		return nameErr("interface", name, "is empty")
	}
	if len(name) > maxNameLen {
		return nameErr("interface", name, "is too long")
	}
	elems := strings.Split(name, ".")
	if len(elems) < 2 {
		return nameErr("interface", name, "must have at least two elements")
	}
	for _, e := range elems {
		if e == "" {
			return nameErr("interface", name, "has an empty element")
		}
		for i, r := range e {
			if !isNameChar(r, i == 0) {
				return nameErr("interface", name, fmt.Sprintf("has invalid character %q", r))
			}
		}
	}
	return nil
}

// ValidateMemberName reports whether name is a valid method or
// signal name.
func ValidateMemberName(name string) error {
	if name == "" {
		return nameErr("member", name, "is empty")
	}
	if len(name) > maxNameLen {
		return nameErr("member", name, "is too long")
	}
	for i, r := range name {
		if !isNameChar(r, i == 0) {
			return nameErr("member", name, fmt.Sprintf("has invalid character %q", r))
		}
	}
	return nil
}

// ValidateBusName reports whether name is a valid well-known or
// unique bus name.
func ValidateBusName(name string) error {
	if name == "" {
		return nameErr("bus", name, "is empty")
	}
	if len(name) > maxNameLen {
		return nameErr("bus", name, "is too long")
	}
	unique := strings.HasPrefix(name, ":")
	elems := strings.Split(strings.TrimPrefix(name, ":"), ".")
	if len(elems) < 2 {
		return nameErr("bus", name, "must have at least two elements")
	}
	for _, e := range elems {
		if e == "" {
			return nameErr("bus", name, "has an empty element")
		}
		for i, r := range e {
			if r == '-' {
				continue
			}
			// Unique name elements may start with digits.
			if !isNameChar(r, i == 0 && !unique) {
				return nameErr("bus", name, fmt.Sprintf("has invalid character %q", r))
			}
		}
	}
	return nil
}
