// Package toolchain extracts the nightly release identifier from a toolchain
// pin such as "leanprover/lean4:nightly-2024-01-15".
package toolchain

import (
	"fmt"
	"os"
	"regexp"

	"github.com/LibertasSpZ/mathlib4-libertas/internal/syncerr"
)

// DefaultPinFile is the name of the file that pins the toolchain of a
// repository.
const DefaultPinFile = "lean-toolchain"

var releaseIDRe = regexp.MustCompile(`nightly-([A-Za-z0-9_-]+)`)

// ParsePin returns the release identifier of the first "nightly-<id>"
// occurrence in pin.
// The identifier ends at the first character that is not a letter, digit,
// underscore or hyphen.
// If pin does not contain a nightly marker followed by at least one
// identifier character, a syncerr.ErrMalformedPin error is returned.
func ParsePin(pin string) (string, error) {
	m := releaseIDRe.FindStringSubmatch(pin)
	if m == nil {
		return "", syncerr.Newf(syncerr.KindMalformedPin, "no nightly release identifier found in toolchain pin %q", pin)
	}

	return m[1], nil
}

// ReadPinFile reads the toolchain pin file at path and returns its release
// identifier.
func ReadPinFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", syncerr.New(syncerr.KindPinUnavailable, fmt.Errorf("reading toolchain pin file failed: %w", err))
	}

	return ParsePin(string(data))
}
