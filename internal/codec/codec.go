// Package codec holds the text encode/decode helpers offered by the CLI.
package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

// Supported formats.
const (
	Base64 = "base64"
	URL    = "url"
)

// ErrUnknownFormat is returned for a format other than base64 or url.
var ErrUnknownFormat = errors.New("unknown format")

// Encode encodes s in the given format. URL encoding escapes every byte
// outside the unreserved set, spaces included, as %XX.
func Encode(format, s string) (string, error) {
	switch format {
	case Base64:
		return base64.StdEncoding.EncodeToString([]byte(s)), nil
	case URL:
		return strings.ReplaceAll(url.QueryEscape(s), "+", "%20"), nil
	default:
		return "", fmt.Errorf("%w %q (want base64 or url)", ErrUnknownFormat, format)
	}
}

// Decode reverses Encode. Decoded base64 must be valid UTF-8. A '+' is kept
// literally when URL decoding.
func Decode(format, s string) (string, error) {
	switch format {
	case Base64:
		b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
		if err != nil {
			return "", fmt.Errorf("decode base64: %w", err)
		}
		if !utf8.Valid(b) {
			return "", errors.New("decode base64: result is not valid UTF-8")
		}
		return string(b), nil
	case URL:
		out, err := url.PathUnescape(s)
		if err != nil {
			return "", fmt.Errorf("decode url: %w", err)
		}
		return out, nil
	default:
		return "", fmt.Errorf("%w %q (want base64 or url)", ErrUnknownFormat, format)
	}
}
