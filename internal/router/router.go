// Package router matches request paths against registered templates.
// A template is a '/'-separated path whose segments are either literals
// or ":name" wildcards; wildcard captures are handed to the handler in
// template order.
package router

import (
	"strings"
	"sync"

	"github.com/arborhs/arbor/internal/httpd"
	"github.com/arborhs/arbor/internal/json"
)

// Handler serves one matched route. Returning a JSON value asks the
// dispatcher to serialize it as the response body; returning nil means
// the handler wrote its own response.
type Handler func(w *httpd.ResponseWriter, r *httpd.Request, matches []string) *json.Value

type segment struct {
	literal  string
	wildcard bool
}

type route struct {
	template string
	segments []segment
	handler  Handler
}

// Router is a template-to-handler table. Registration happens at
// startup; matching is concurrent.
type Router struct {
	mu     sync.RWMutex
	routes []*route
}

func New() *Router {
	return &Router{}
}

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// Add registers a handler for a path template. Later registrations of
// the same template replace earlier ones.
func (rt *Router) Add(template string, h Handler) {
	segs := make([]segment, 0, 8)
	for _, part := range splitPath(template) {
		if strings.HasPrefix(part, ":") {
			segs = append(segs, segment{wildcard: true})
		} else {
			segs = append(segs, segment{literal: part})
		}
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, existing := range rt.routes {
		if existing.template == template {
			existing.handler = h
			return
		}
	}
	rt.routes = append(rt.routes, &route{template: template, segments: segs, handler: h})
}

// Match finds the handler for a request path and returns the ordered
// wildcard captures. The first registered matching template wins.
func (rt *Router) Match(path string) (Handler, []string, bool) {
	parts := splitPath(path)

	rt.mu.RLock()
	defer rt.mu.RUnlock()
outer:
	for _, r := range rt.routes {
		if len(r.segments) != len(parts) {
			continue
		}
		var matches []string
		for i, seg := range r.segments {
			if seg.wildcard {
				matches = append(matches, httpd.PathUnescape(parts[i]))
			} else if seg.literal != parts[i] {
				continue outer
			}
		}
		return r.handler, matches, true
	}
	return nil, nil, false
}
