package census

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidServiceGroup is returned when a service group string does not
// match the service.group[@organization] form.
var ErrInvalidServiceGroup = errors.New("census: invalid service group")

// ErrMissingMemberID rejects a service fact that names no member.
var ErrMissingMemberID = errors.New("census: service fact without member id")

// ServiceGroup identifies a group of members running the same service, e.g.
// "redis.default" or "redis.default@acme".
type ServiceGroup struct {
	Service      string
	Group        string
	Organization string
}

// ParseServiceGroup parses service.group[@organization]. Every present part
// must be non-empty.
func ParseServiceGroup(s string) (ServiceGroup, error) {
	var sg ServiceGroup
	rest := s
	if at := strings.IndexByte(rest, '@'); at >= 0 {
		sg.Organization = rest[at+1:]
		rest = rest[:at]
		if sg.Organization == "" || strings.IndexByte(sg.Organization, '@') >= 0 {
			return ServiceGroup{}, fmt.Errorf("%w: %q", ErrInvalidServiceGroup, s)
		}
	}
	dot := strings.IndexByte(rest, '.')
	if dot <= 0 || dot == len(rest)-1 || strings.IndexByte(rest[dot+1:], '.') >= 0 {
		return ServiceGroup{}, fmt.Errorf("%w: %q", ErrInvalidServiceGroup, s)
	}
	sg.Service = rest[:dot]
	sg.Group = rest[dot+1:]
	return sg, nil
}

// MustParseServiceGroup is like ParseServiceGroup but panics on error. It is
// intended for constants and tests.
func MustParseServiceGroup(s string) ServiceGroup {
	sg, err := ParseServiceGroup(s)
	if err != nil {
		panic(err)
	}
	return sg
}

// String renders the canonical key used by the registry.
func (sg ServiceGroup) String() string {
	if sg.Service == "" && sg.Group == "" {
		return ""
	}
	if sg.Organization != "" {
		return sg.Service + "." + sg.Group + "@" + sg.Organization
	}
	return sg.Service + "." + sg.Group
}

// IsZero reports whether sg is the zero value.
func (sg ServiceGroup) IsZero() bool { return sg == ServiceGroup{} }
