// Package provision renders the station's join parameters as a Wi-Fi
// QR code, so a phone can be put on the same network the device uses.
package provision

import (
	"fmt"
	"strings"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/nugget/asgard/internal/station"
)

// escaper protects the characters the WIFI: URI scheme reserves.
var escaper = strings.NewReplacer(
	`\`, `\\`,
	`;`, `\;`,
	`,`, `\,`,
	`:`, `\:`,
	`"`, `\"`,
)

// WiFiURI returns the "WIFI:T:...;S:...;P:...;;" payload that camera
// apps recognize as a network to join.
func WiFiURI(creds station.Credentials) string {
	var b strings.Builder
	b.WriteString("WIFI:")
	switch creds.MinAuth {
	case station.AuthOpen:
		b.WriteString("T:nopass;")
	case station.AuthWEP:
		b.WriteString("T:WEP;")
	case station.AuthWPA3SAE:
		b.WriteString("T:SAE;")
	default:
		b.WriteString("T:WPA;")
	}
	b.WriteString("S:" + escaper.Replace(creds.SSID) + ";")
	if creds.MinAuth != station.AuthOpen {
		b.WriteString("P:" + escaper.Replace(creds.Passphrase) + ";")
	}
	b.WriteString(";")
	return b.String()
}

// PNG renders the join QR code as a size x size PNG image.
func PNG(creds station.Credentials, size int) ([]byte, error) {
	png, err := qrcode.Encode(WiFiURI(creds), qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("encode wifi qr code: %w", err)
	}
	return png, nil
}

// WritePNG renders the join QR code to path.
func WritePNG(creds station.Credentials, size int, path string) error {
	if err := qrcode.WriteFile(WiFiURI(creds), qrcode.Medium, size, path); err != nil {
		return fmt.Errorf("write wifi qr code to %s: %w", path, err)
	}
	return nil
}

// Terminal renders the join QR code with Unicode half blocks for
// printing to a terminal.
func Terminal(creds station.Credentials) (string, error) {
	q, err := qrcode.New(WiFiURI(creds), qrcode.Low)
	if err != nil {
		return "", fmt.Errorf("encode wifi qr code: %w", err)
	}
	return q.ToSmallString(false), nil
}
