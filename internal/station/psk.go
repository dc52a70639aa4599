package station

import (
	"crypto/sha1"
	"encoding/hex"

	"golang.org/x/crypto/pbkdf2"
)

// DerivePSK returns the 256-bit WPA pre-shared key for a passphrase
// and SSID (IEEE 802.11i: PBKDF2-HMAC-SHA1, 4096 rounds) as the 64
// hex digits wpa_supplicant accepts in place of the passphrase.
func DerivePSK(passphrase, ssid string) string {
	key := pbkdf2.Key([]byte(passphrase), []byte(ssid), 4096, 32, sha1.New)
	return hex.EncodeToString(key)
}
