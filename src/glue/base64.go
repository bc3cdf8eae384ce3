// Package glue collects the small, otherwise-homeless utilities every
// subsystem reaches for: base64 transport encoding, a windowed LZ
// compressor, and host RNG access. Grounded on
// original_source/cc/lib/base64.64.c, zpack.64.c, and the
// cpu_check_rdrand probe in original_source/cc/cpu/cpu_simple.xx.c, none
// of which had a prior home in this module.
package glue

import (
	"encoding/base64"
	"strings"
)

// base64LineWidth matches base64_encode's NEWLINE_INVL: a newline is
// inserted after every 76 encoded characters when wrapping is requested.
const base64LineWidth = 76

// EncodeBase64 renders in using the standard base64 alphabet, optionally
// wrapping output at base64LineWidth characters the way base64_encode's
// add_newline argument does.
func EncodeBase64(in []byte, wrap bool) string {
	s := base64.StdEncoding.EncodeToString(in)
	if !wrap || len(s) <= base64LineWidth {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i += base64LineWidth {
		end := i + base64LineWidth
		if end > len(s) {
			end = len(s)
		}
		b.WriteString(s[i:end])
		if end < len(s) {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// DecodeBase64 is EncodeBase64's inverse, tolerant of the embedded
// newlines a wrapped encoding carries.
func DecodeBase64(s string) ([]byte, error) {
	if strings.ContainsAny(s, "\r\n") {
		s = strings.NewReplacer("\r", "", "\n", "").Replace(s)
	}
	return base64.StdEncoding.DecodeString(s)
}
