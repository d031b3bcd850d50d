package provider

import (
	"bufio"
	"io"
	"strings"
)

// maxSSELineBytes bounds a single SSE data line. Provider deltas are small;
// image payloads never travel over SSE.
const maxSSELineBytes = 1024 * 1024

// serverSentEventScanner reads Server-Sent Events from a stream.
type serverSentEventScanner struct {
	scanner *bufio.Scanner
}

// newServerSentEventScanner creates a new SSE scanner.
func newServerSentEventScanner(r io.Reader) *serverSentEventScanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxSSELineBytes)
	return &serverSentEventScanner{scanner: sc}
}

// Scan reads the next line of data.
func (s *serverSentEventScanner) Scan() bool {
	return s.scanner.Scan()
}

// Text returns the last scanned line.
func (s *serverSentEventScanner) Text() string {
	return s.scanner.Text()
}

// Data returns the payload of the last scanned line if it is an SSE data
// line, and reports whether it was one.
func (s *serverSentEventScanner) Data() (string, bool) {
	line := s.scanner.Text()
	if !strings.HasPrefix(line, "data: ") {
		return "", false
	}
	return strings.TrimPrefix(line, "data: "), true
}
