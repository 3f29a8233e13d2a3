package blocklist

import (
	"bufio"
	"fmt"
	"io"
	"iter"
)

// maxLineLen: domains are max 253 octets; list lines rarely exceed 1KB
const maxLineLen = 1024

// ScanLines yields the lines of r one at a time, so list files are
// streamed rather than held in memory. A read error terminates the
// sequence early; the entries seen up to that point stand.
func ScanLines(r io.Reader) iter.Seq[string] {
	return func(yield func(string) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, maxLineLen), maxLineLen)
		for scanner.Scan() {
			if !yield(scanner.Text()) {
				return
			}
		}
	}
}

const (
	maxName  = 253
	maxLabel = 63
)

// validateName rejects names that cannot appear on the wire: overlong
// names or labels, empty labels, and non-LDH characters.
func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("empty name")
	}
	if len(name) > maxName {
		return fmt.Errorf("name exceeds %d octets", maxName)
	}
	labelLen := 0
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '.' {
			if labelLen == 0 {
				return fmt.Errorf("empty label")
			}
			labelLen = 0
			continue
		}
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
			// Underscore is tolerated: service labels (_dmarc and
			// friends) show up in real blocklists.
		default:
			return fmt.Errorf("non-LDH character %q", c)
		}
		labelLen++
		if labelLen > maxLabel {
			return fmt.Errorf("label exceeds %d octets", maxLabel)
		}
	}
	if labelLen == 0 {
		return fmt.Errorf("empty label")
	}
	return nil
}
