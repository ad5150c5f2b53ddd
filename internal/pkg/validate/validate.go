package validate

import (
	"net/mail"
	"strings"
)

func Required(value string) bool {
	return strings.TrimSpace(value) != ""
}

// Email accepts a bare address only; display names are rejected.
func Email(value string) bool {
	value = strings.TrimSpace(value)
	if value == "" || len(value) > 254 {
		return false
	}
	addr, err := mail.ParseAddress(value)
	if err != nil {
		return false
	}
	return addr.Address == value && strings.Contains(addr.Address[strings.LastIndex(addr.Address, "@")+1:], ".")
}

// LengthBetween reports whether value has min..max bytes, inclusive.
func LengthBetween(value string, min, max int) bool {
	n := len(value)
	return n >= min && n <= max
}
