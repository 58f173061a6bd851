package trust

import (
	"encoding/base64"
	"fmt"
)

func decodeAnyBase64(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}

func unsupportedCurveErr(kid string) error {
	return fmt.Errorf("trust: key %s uses an unsupported elliptic curve (only P-256 is accepted)", kid)
}

func unsupportedKeyTypeErr(kid string) error {
	return fmt.Errorf("trust: key %s is not an Ed25519 or ECDSA-P256 public key", kid)
}
