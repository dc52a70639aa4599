package provision

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nugget/asgard/internal/station"
)

func TestWiFiURI(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		creds station.Credentials
		want  string
	}{
		{
			name:  "default network",
			creds: station.Credentials{SSID: "redeteste", Passphrase: "teste@#2571", MinAuth: station.AuthWPA2PSK},
			want:  "WIFI:T:WPA;S:redeteste;P:teste@#2571;;",
		},
		{
			name:  "open",
			creds: station.Credentials{SSID: "cafe", MinAuth: station.AuthOpen},
			want:  "WIFI:T:nopass;S:cafe;;",
		},
		{
			name:  "wep",
			creds: station.Credentials{SSID: "old", Passphrase: "abcde", MinAuth: station.AuthWEP},
			want:  "WIFI:T:WEP;S:old;P:abcde;;",
		},
		{
			name:  "sae",
			creds: station.Credentials{SSID: "new", Passphrase: "12345678", MinAuth: station.AuthWPA3SAE},
			want:  "WIFI:T:SAE;S:new;P:12345678;;",
		},
		{
			name:  "escaped",
			creds: station.Credentials{SSID: `a;b,c`, Passphrase: `p:"q"\r`, MinAuth: station.AuthWPA2PSK},
			want:  `WIFI:T:WPA;S:a\;b\,c;P:p\:\"q\"\\r;;`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := WiFiURI(tt.creds); got != tt.want {
				t.Errorf("WiFiURI() = %q, want %q", got, tt.want)
			}
		})
	}
}

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

func testCreds() station.Credentials {
	return station.Credentials{SSID: "redeteste", Passphrase: "teste@#2571", MinAuth: station.AuthWPA2PSK}
}

func TestPNG(t *testing.T) {
	t.Parallel()
	png, err := PNG(testCreds(), 256)
	if err != nil {
		t.Fatalf("PNG() error: %v", err)
	}
	if !bytes.HasPrefix(png, pngMagic) {
		t.Error("output is not a PNG")
	}
}

func TestWritePNG(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "wifi.png")
	if err := WritePNG(testCreds(), 128, path); err != nil {
		t.Fatalf("WritePNG() error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.HasPrefix(data, pngMagic) {
		t.Error("written file is not a PNG")
	}
}

func TestTerminal(t *testing.T) {
	t.Parallel()
	out, err := Terminal(testCreds())
	if err != nil {
		t.Fatalf("Terminal() error: %v", err)
	}
	if lines := strings.Count(out, "\n"); lines < 10 {
		t.Errorf("terminal QR has %d lines, want a full symbol", lines)
	}
}
