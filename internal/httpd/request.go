package httpd

import (
	"errors"
	"io"
	"strings"

	"github.com/arborhs/arbor/internal/stream"
)

// statusGiveUp is an internal sentinel: the client never sent a usable
// request line, so no response is owed.
const statusGiveUp = -1

// maxLineLength caps request and header lines. Longer lines are a 400.
const maxLineLength = 16 * 1024

// knownMethods is the set of accepted request methods.
var knownMethods = map[string]bool{
	"GET":     true,
	"HEAD":    true,
	"POST":    true,
	"PUT":     true,
	"DELETE":  true,
	"CONNECT": true,
	"OPTIONS": true,
	"TRACE":   true,
	"PATCH":   true,
}

// Request is one parsed HTTP request. The body, if any, is read from
// Stream by the handler.
type Request struct {
	Method     string
	Path       string
	Proto      string
	Params     map[string]string // decoded query parameters
	Headers    map[string]string // names lowercased, values trimmed
	RemoteAddr string
	Stream     *stream.Stream
}

// Header returns a header by case-insensitive name.
func (r *Request) Header(name string) string {
	return r.Headers[strings.ToLower(name)]
}

// readLine reads up to CRLF or LF, stripping the terminator.
func readLine(s *stream.Stream) (string, error) {
	var sb strings.Builder
	for {
		b, err := s.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			line := sb.String()
			return strings.TrimSuffix(line, "\r"), nil
		}
		if sb.Len() >= maxLineLength {
			return "", errors.New("httpd: line too long")
		}
		sb.WriteByte(b)
	}
}

// parseRequest reads the request line and headers. A zero status means
// success; otherwise the returned status should be sent to the client
// (statusGiveUp means the connection died or timed out first).
func parseRequest(s *stream.Stream) (*Request, int) {
	line, err := readLine(s)
	if err != nil {
		if err == io.EOF || errors.Is(err, stream.ErrWouldBlock) {
			return nil, statusGiveUp
		}
		return nil, 400
	}

	fields := strings.Fields(line)
	if len(fields) != 3 {
		return nil, 400
	}
	method, rawPath, proto := fields[0], fields[1], fields[2]

	if !knownMethods[method] {
		return nil, 400
	}
	if proto != "HTTP/1.0" && proto != "HTTP/1.1" {
		return nil, 505
	}

	req := &Request{
		Method:  method,
		Proto:   proto,
		Headers: make(map[string]string),
		Stream:  s,
	}

	// Split the query string off the path
	if i := strings.IndexByte(rawPath, '?'); i >= 0 {
		req.Path = rawPath[:i]
		req.Params = DecodeParams(rawPath[i+1:])
	} else {
		req.Path = rawPath
		req.Params = make(map[string]string)
	}

	// Headers until a blank line
	for {
		line, err := readLine(s)
		if err != nil {
			return nil, 400
		}
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, 400
		}
		req.Headers[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}

	return req, 0
}
