package model

import (
	"net"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrMACAddress = errors.New("invalid hardware address")
	ErrIPAddress  = errors.New("invalid IP address")
)

// NormalizeMAC returns the upper case, colon delimited form of a hardware address.
//
// Accepted inputs include colon, dash and dot delimited forms in any case,
// along with the bare 12 hex digit form.
func NormalizeMAC(s string) (string, error) {
	s = strings.TrimSpace(s)

	// bare hex digits
	if len(s) == 12 && !strings.ContainsAny(s, ":-.") {
		var parts []string
		for i := 0; i < 12; i += 2 {
			parts = append(parts, s[i:i+2])
		}

		s = strings.Join(parts, ":")
	}

	hw, err := net.ParseMAC(s)
	if err != nil {
		return "", errors.Wrap(ErrMACAddress, err.Error())
	}

	// 48 bit MAC-48 addresses only
	if len(hw) != 6 {
		return "", errors.Wrap(ErrMACAddress, "expected a 48 bit address: "+s)
	}

	return strings.ToUpper(hw.String()), nil
}

// NormalizeIP validates an IPv4 or IPv6 address, any prefix length given is dropped.
func NormalizeIP(s string) (string, error) {
	s = strings.TrimSpace(s)
	if idx := strings.Index(s, "/"); idx > 0 {
		s = s[:idx]
	}

	ip := net.ParseIP(s)
	if ip == nil {
		return "", errors.Wrap(ErrIPAddress, s)
	}

	return ip.String(), nil
}

// HostAddress returns the address part of a CIDR formatted address.
func HostAddress(cidr string) string {
	if idx := strings.Index(cidr, "/"); idx > 0 {
		return cidr[:idx]
	}

	return cidr
}
