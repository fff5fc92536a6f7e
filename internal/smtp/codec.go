package smtp

import "encoding/base64"

// EncodeCredential encodes an AUTH LOGIN response: standard base64 of the
// UTF-8 bytes, padded, no line wrapping.
func EncodeCredential(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

// DecodeCredential reverses EncodeCredential.
func DecodeCredential(s string) (string, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
