package api

import (
	"fmt"
	"strconv"

	"github.com/arborhs/arbor/internal/httpd"
	"github.com/arborhs/arbor/internal/json"
	. "github.com/arborhs/arbor/internal/logging"
	"github.com/arborhs/arbor/internal/uia"
)

// fallbackPage is the minimal web fallback for clients that cannot
// render a UIA stage natively. It posts the stage back to this same
// URL and calls window.onAuthDone on success.
const fallbackPage = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Authentication</title></head>
<body>
<h1>Authentication required</h1>
<p>Stage: <code>%s</code></p>
<form id="auth">
<input type="text" id="credential" placeholder="credential">
<button type="submit">Submit</button>
</form>
<script>
var stage = %q;
var session = %q;
document.getElementById("auth").addEventListener("submit", function(e) {
	e.preventDefault();
	var auth = {type: stage, session: session};
	var credential = document.getElementById("credential").value;
	if (stage === "m.login.registration_token") {
		auth.token = credential;
	} else if (stage === "m.login.password") {
		auth.password = credential;
	}
	fetch(window.location.href, {
		method: "POST",
		headers: {"Content-Type": "application/json"},
		body: JSON.stringify({auth: auth})
	}).then(function(resp) {
		if (resp.ok) {
			if (window.onAuthDone) {
				window.onAuthDone();
			} else if (window.opener && window.opener.postMessage) {
				window.opener.postMessage("authDone", "*");
			}
		}
	});
});
</script>
</body>
</html>
`

// uiaFallback serves the web fallback page on GET and runs the single
// stage it names on POST.
func (a *Api) uiaFallback(w *httpd.ResponseWriter, r *httpd.Request, matches []string) *json.Value {
	stageType := matches[0]
	switch stageType {
	case uia.StageDummy, uia.StagePassword, uia.StageRegToken:
	default:
		return fail(w, errNotFound("Unknown authentication stage."))
	}

	switch r.Method {
	case "GET":
		page := fmt.Sprintf(fallbackPage, stageType, stageType, r.Params["session"])
		w.WriteStatus(200)
		w.Header("Content-Type", "text/html")
		w.Header("Content-Length", strconv.Itoa(len(page)))
		w.WriteString(page)
		return nil

	case "POST":
		body, apiErr := readBody(r)
		if apiErr != nil {
			return fail(w, apiErr)
		}
		flows := []uia.Flow{{{Type: stageType}}}
		outcome, err := uia.Complete(a.db, a.Config(), flows, body)
		if err != nil {
			L_error("api: fallback uia failed", "stage", stageType, "error", err)
			return fail(w, errUnknown(""))
		}
		if !outcome.Complete {
			w.WriteStatus(401)
			return outcome.Response
		}
		resp := json.NewObject()
		resp.Set("completed", json.Boolean(true))
		return resp
	}
	return methodNotAllowed(w)
}
