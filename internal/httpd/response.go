package httpd

import (
	"fmt"

	"github.com/arborhs/arbor/internal/stream"
)

// statusText maps the status codes the server actually emits.
var statusText = map[int]string{
	200: "OK",
	204: "No Content",
	301: "Moved Permanently",
	302: "Found",
	308: "Permanent Redirect",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	409: "Conflict",
	429: "Too Many Requests",
	500: "Internal Server Error",
	501: "Not Implemented",
	503: "Service Unavailable",
	505: "HTTP Version Not Supported",
}

// StatusText returns the reason phrase for code, or "Unknown" for
// codes the server never sends.
func StatusText(code int) string {
	if text, ok := statusText[code]; ok {
		return text
	}
	return "Unknown"
}

// ResponseWriter writes the status line, headers, and body for one
// request, in that order. Headers keep insertion order. Writing the
// body sends the headers first if the handler has not already.
type ResponseWriter struct {
	s     *stream.Stream
	proto string

	status      int
	headerNames []string
	headers     map[string]string
	sent        bool
}

// NewResponseWriter wraps a stream for one response using the
// request's protocol version.
func NewResponseWriter(s *stream.Stream, proto string) *ResponseWriter {
	return &ResponseWriter{s: s, proto: proto}
}

// WriteStatus sets the response status. Defaults to 200 if the handler
// never calls it.
func (w *ResponseWriter) WriteStatus(code int) {
	w.status = code
}

// Header sets a response header, replacing any previous value for the
// same name but keeping its original position.
func (w *ResponseWriter) Header(name, value string) {
	if w.headers == nil {
		w.headers = make(map[string]string)
	}
	if _, ok := w.headers[name]; !ok {
		w.headerNames = append(w.headerNames, name)
	}
	w.headers[name] = value
}

// SendHeaders writes the status line and headers. Subsequent calls are
// no-ops; the first body write calls it implicitly.
func (w *ResponseWriter) SendHeaders() error {
	if w.sent {
		return nil
	}
	w.sent = true

	if w.status == 0 {
		w.status = 200
	}
	if _, err := fmt.Fprintf(w.s, "%s %d %s\r\n", w.proto, w.status, StatusText(w.status)); err != nil {
		return err
	}
	for _, name := range w.headerNames {
		if _, err := fmt.Fprintf(w.s, "%s: %s\r\n", name, w.headers[name]); err != nil {
			return err
		}
	}
	_, err := w.s.WriteString("\r\n")
	return err
}

// Write appends body bytes, sending the headers first if needed.
func (w *ResponseWriter) Write(p []byte) (int, error) {
	if err := w.SendHeaders(); err != nil {
		return 0, err
	}
	return w.s.Write(p)
}

// WriteString appends a body string.
func (w *ResponseWriter) WriteString(body string) (int, error) {
	if err := w.SendHeaders(); err != nil {
		return 0, err
	}
	return w.s.WriteString(body)
}

// Printf formats and appends a body string.
func (w *ResponseWriter) Printf(format string, args ...any) (int, error) {
	return w.WriteString(fmt.Sprintf(format, args...))
}

// Status returns the status the handler set, or 0 if it has not.
func (w *ResponseWriter) Status() int {
	return w.status
}

// HeadersSent reports whether the status line has gone out.
func (w *ResponseWriter) HeadersSent() bool {
	return w.sent
}
