// Package obfuscate holds the reversible content transform applied to
// messages flagged as obfuscated. It hides content from casual inspection
// only and gives no confidentiality.
package obfuscate

import (
	"encoding/base64"
	"errors"
)

var ErrMalformed = errors.New("malformed obfuscated content")

type Codec interface {
	Encode(plain string) string
	Decode(encoded string) (string, error)
}

// Base64 is the default codec.
type Base64 struct{}

func (Base64) Encode(plain string) string {
	return base64.StdEncoding.EncodeToString([]byte(plain))
}

func (Base64) Decode(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrMalformed
	}
	return string(raw), nil
}

// Reveal decodes content with c and falls back to the raw content when it
// does not decode. A nil codec leaves content untouched.
func Reveal(c Codec, content string) string {
	if c == nil {
		return content
	}
	plain, err := c.Decode(content)
	if err != nil {
		return content
	}
	return plain
}
