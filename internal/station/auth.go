package station

import (
	"fmt"
	"strings"
)

// AuthMode is a Wi-Fi security mode. Modes are ordered from weakest to
// strongest so a minimum threshold can be compared directly.
type AuthMode int

// Supported security modes.
const (
	AuthOpen AuthMode = iota
	AuthWEP
	AuthWPAPSK
	AuthWPA2PSK
	AuthWPA3SAE
)

var authNames = map[AuthMode]string{
	AuthOpen:    "open",
	AuthWEP:     "wep",
	AuthWPAPSK:  "wpa-psk",
	AuthWPA2PSK: "wpa2-psk",
	AuthWPA3SAE: "wpa3-sae",
}

func (a AuthMode) String() string {
	if s, ok := authNames[a]; ok {
		return s
	}
	return fmt.Sprintf("auth(%d)", int(a))
}

// ParseAuthMode converts a config string ("wpa2-psk", "WPA2_PSK", ...)
// to an [AuthMode].
func ParseAuthMode(s string) (AuthMode, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	for mode, name := range authNames {
		if name == norm {
			return mode, nil
		}
	}
	return AuthOpen, fmt.Errorf("unknown auth mode %q (valid: open, wep, wpa-psk, wpa2-psk, wpa3-sae)", s)
}

// Credentials are the fixed join parameters of the station.
type Credentials struct {
	SSID       string
	Passphrase string
	// MinAuth is the weakest security mode the station will accept.
	MinAuth AuthMode
}

// Validate checks the credentials against the constraints of MinAuth.
func (c Credentials) Validate() error {
	if c.SSID == "" || len(c.SSID) > 32 {
		return fmt.Errorf("ssid must be 1-32 bytes, got %d", len(c.SSID))
	}
	switch {
	case c.MinAuth == AuthOpen:
	case c.MinAuth == AuthWEP:
		if n := len(c.Passphrase); n != 5 && n != 13 {
			return fmt.Errorf("wep key must be 5 or 13 characters, got %d", n)
		}
	default:
		if n := len(c.Passphrase); n < 8 || n > 63 {
			return fmt.Errorf("%s passphrase must be 8-63 characters, got %d", c.MinAuth, n)
		}
	}
	return nil
}
