// ABOUTME: Recipient address normalization
// ABOUTME: Bare phone numbers become direct-chat addresses, qualified ones pass through

package dispatch

import "strings"

// DirectSuffix marks a direct one-to-one chat address.
const DirectSuffix = "@c.us"

// Normalize converts a recipient into a channel address. Anything already
// qualified with '@' is returned unchanged; otherwise every non-digit is
// dropped and DirectSuffix appended. Normalize(Normalize(x)) == Normalize(x).
func Normalize(raw string) string {
	if strings.Contains(raw, "@") {
		return raw
	}
	var b strings.Builder
	b.Grow(len(raw) + len(DirectSuffix))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	b.WriteString(DirectSuffix)
	return b.String()
}
