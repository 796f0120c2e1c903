package api

import (
	"github.com/arborhs/arbor/internal/httpd"
	"github.com/arborhs/arbor/internal/json"
)

// supportedVersions are the client-server spec versions advertised to
// clients.
var supportedVersions = []string{"v1.2", "v1.3", "v1.4", "v1.5", "v1.6"}

func methodNotAllowed(w *httpd.ResponseWriter) *json.Value {
	return fail(w, NewError(CodeUnrecognized, "Unsupported method for this endpoint.").WithStatus(405))
}

// wellKnown builds the m.homeserver discovery document from the
// config. Login responses embed the same object.
func (a *Api) wellKnown() *json.Value {
	cfg := a.Config()
	doc := json.NewObject()
	homeserver := json.NewObject()
	homeserver.Set("base_url", json.String(cfg.BaseUrl))
	doc.Set("m.homeserver", homeserver)
	if cfg.IdentityServer != "" {
		identity := json.NewObject()
		identity.Set("base_url", json.String(cfg.IdentityServer))
		doc.Set("m.identity_server", identity)
	}
	return doc
}

func (a *Api) wellKnownClient(w *httpd.ResponseWriter, r *httpd.Request, matches []string) *json.Value {
	if r.Method != "GET" {
		return methodNotAllowed(w)
	}
	return a.wellKnown()
}

func (a *Api) versions(w *httpd.ResponseWriter, r *httpd.Request, matches []string) *json.Value {
	if r.Method != "GET" {
		return methodNotAllowed(w)
	}
	versions := json.NewArray()
	for _, v := range supportedVersions {
		versions.Append(json.String(v))
	}
	resp := json.NewObject()
	resp.Set("versions", versions)
	return resp
}
