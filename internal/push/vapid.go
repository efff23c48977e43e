package push

import (
	"crypto/ecdh"
	"encoding/base64"
	"fmt"
	"strings"

	"routinesync/internal/services"
)

// DecodeApplicationServerKey decodes a URL-safe base64 key, with or without
// padding, and checks that it is an uncompressed P-256 public key.
func DecodeApplicationServerKey(encoded string) ([]byte, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(encoded), "=")
	if trimmed == "" {
		return nil, services.Wrap(services.ErrConfiguration, "push", "application server key", "key is empty", nil)
	}
	trimmed = strings.NewReplacer("+", "-", "/", "_").Replace(trimmed)
	raw, err := base64.RawURLEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "push", "application server key", "decode", err)
	}
	if len(raw) != 65 || raw[0] != 0x04 {
		return nil, services.Wrap(services.ErrConfiguration, "push", "application server key",
			fmt.Sprintf("expected 65 byte uncompressed point, got %d bytes", len(raw)), nil)
	}
	if _, err := ecdh.P256().NewPublicKey(raw); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "push", "application server key", "not a P-256 point", err)
	}
	return raw, nil
}
