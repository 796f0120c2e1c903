// Package api implements the client-server API: the top-level
// dispatcher with its cross-cutting headers and logging, and the
// endpoint handlers working against the object store.
package api

import (
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/arborhs/arbor/internal/config"
	"github.com/arborhs/arbor/internal/db"
	"github.com/arborhs/arbor/internal/httpd"
	"github.com/arborhs/arbor/internal/json"
	. "github.com/arborhs/arbor/internal/logging"
	"github.com/arborhs/arbor/internal/router"
	"github.com/arborhs/arbor/internal/user"
)

const serverHeader = "Arbor"

// maxBodySize caps request bodies read by handlers.
const maxBodySize = 1 << 20

// Api holds the shared state every handler needs.
type Api struct {
	db     *db.Db
	router *router.Router

	mu  sync.RWMutex
	cfg *config.Config
}

// New wires up the handler table against a store and a parsed config.
func New(d *db.Db, cfg *config.Config) *Api {
	a := &Api{db: d, router: router.New(), cfg: cfg}
	a.routes()
	return a
}

// Config returns the current configuration snapshot.
func (a *Api) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// SetConfig swaps in a reloaded configuration.
func (a *Api) SetConfig(cfg *config.Config) {
	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
}

// Handler returns the dispatch entry point for the HTTP server.
func (a *Api) Handler() httpd.HandlerFunc {
	return a.dispatch
}

// dispatch wraps every handler with the standard headers, the OPTIONS
// short-circuit, response serialization, and the request log line.
func (a *Api) dispatch(w *httpd.ResponseWriter, r *httpd.Request) {
	w.Header("Server", serverHeader)
	w.Header("Access-Control-Allow-Origin", "*")
	w.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header("Access-Control-Allow-Headers", "X-Requested-With, Content-Type, Authorization")
	w.Header("Connection", "close")

	var body *json.Value
	switch {
	case r.Method == "OPTIONS":
		w.WriteStatus(204)
		w.Header("Content-Length", "0")
		w.SendHeaders()
	default:
		h, matches, ok := a.router.Match(r.Path)
		if !ok {
			w.WriteStatus(404)
			body = NewError(CodeNotFound, "Unknown endpoint.").Body()
		} else {
			body = h(w, r, matches)
		}
	}

	if body != nil {
		payload := json.EncodeString(body, json.ModeCompact)
		if w.Status() == 0 {
			w.WriteStatus(200)
		}
		w.Header("Content-Type", "application/json")
		w.Header("Content-Length", strconv.Itoa(len(payload)))
		w.WriteString(payload)
	}

	status := w.Status()
	if status == 0 {
		status = 200
	}
	L_info("http: request", "method", r.Method, "path", r.Path,
		"status", status, "reason", httpd.StatusText(status), "remote", r.RemoteAddr)
}

// fail sets the error's status and returns its wire body.
func fail(w *httpd.ResponseWriter, e *Error) *json.Value {
	w.WriteStatus(e.Status)
	return e.Body()
}

// readBody decodes the request body as a JSON object. An empty body
// counts as an empty object, matching clients that POST nothing.
func readBody(r *httpd.Request) (*json.Value, *Error) {
	length := -1
	if cl := r.Header("content-length"); cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			return nil, NewError(CodeBadJson, "Invalid Content-Length.")
		}
		length = n
	}

	if length == 0 {
		return json.NewObject(), nil
	}
	if length > maxBodySize {
		return nil, NewError(CodeLimitExceeded, "Request body too large.")
	}

	var v *json.Value
	var err error
	if length > 0 {
		buf := make([]byte, length)
		if _, rerr := io.ReadFull(r.Stream, buf); rerr != nil {
			return nil, NewError(CodeNotJson, "Could not read request body.")
		}
		v, err = json.DecodeString(string(buf))
	} else {
		v, err = json.Decode(r.Stream)
	}
	if err != nil {
		return nil, NewError(CodeNotJson, "Request body is not valid JSON.")
	}
	if v.Object() == nil {
		return nil, NewError(CodeBadJson, "Request body must be a JSON object.")
	}
	return v, nil
}

// accessToken pulls the caller's token from the Authorization header
// or the access_token query parameter.
func accessToken(r *httpd.Request) string {
	if auth := r.Header("authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		}
		return ""
	}
	return r.Params["access_token"]
}

// authenticate resolves the caller to a locked user. The caller owns
// the unlock. The second return is the token's deviceId.
func (a *Api) authenticate(r *httpd.Request) (*user.User, string, *Error) {
	token := accessToken(r)
	if token == "" {
		return nil, "", NewError(CodeMissingToken, "No access token provided.")
	}
	u, device, err := user.Authenticate(a.db, token)
	if err != nil {
		if errors.Is(err, user.ErrUnknownToken) || errors.Is(err, user.ErrNotFound) {
			return nil, "", NewError(CodeUnknownToken, "Unknown or expired access token.")
		}
		L_error("api: authentication failed", "error", err)
		return nil, "", errUnknown("")
	}
	return u, device, nil
}
