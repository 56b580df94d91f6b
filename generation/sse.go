package generation

import (
	"bufio"
	"io"
	"strings"
)

// SSEScanner iterates the data events of a Server-Sent Events stream.
// Comment lines, non-data fields, and blank event boundaries are skipped.
type SSEScanner struct {
	scanner *bufio.Scanner
	data    string
	err     error
}

// NewSSEScanner creates a scanner over an SSE response body.
func NewSSEScanner(r io.Reader) *SSEScanner {
	return &SSEScanner{scanner: bufio.NewScanner(r)}
}

// Scan advances to the next data event. Returns false at end of stream or
// on a read error.
func (s *SSEScanner) Scan() bool {
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if !found || field != "data" {
			continue
		}

		// A single space after the colon belongs to the delimiter, and some
		// servers omit it entirely.
		s.data = strings.TrimPrefix(value, " ")
		return true
	}

	s.err = s.scanner.Err()
	return false
}

// Data returns the payload of the current event.
func (s *SSEScanner) Data() string {
	return s.data
}

// Err returns the first read error encountered.
func (s *SSEScanner) Err() error {
	return s.err
}
