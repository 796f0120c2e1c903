package api

import (
	"errors"

	"github.com/arborhs/arbor/internal/httpd"
	"github.com/arborhs/arbor/internal/json"
	. "github.com/arborhs/arbor/internal/logging"
	"github.com/arborhs/arbor/internal/uia"
	"github.com/arborhs/arbor/internal/user"
)

// login serves the flow catalog on GET and issues tokens on POST.
func (a *Api) login(w *httpd.ResponseWriter, r *httpd.Request, matches []string) *json.Value {
	switch r.Method {
	case "GET":
		flow := json.NewObject()
		flow.Set("type", json.String(uia.StagePassword))
		flows := json.NewArray()
		flows.Append(flow)
		resp := json.NewObject()
		resp.Set("flows", flows)
		return resp
	case "POST":
		return a.loginPost(w, r)
	}
	return methodNotAllowed(w)
}

func (a *Api) loginPost(w *httpd.ResponseWriter, r *httpd.Request) *json.Value {
	body, apiErr := readBody(r)
	if apiErr != nil {
		return fail(w, apiErr)
	}
	if body.Get("type").Str() != uia.StagePassword {
		return fail(w, NewError(CodeUnknown, "Unsupported login type.").WithStatus(400))
	}

	identifier := body.Get("identifier")
	if identifier.Get("type").Str() != "m.id.user" {
		return fail(w, NewError(CodeUnknown, "Unsupported identifier type.").WithStatus(400))
	}

	cfg := a.Config()
	localpart, domain := user.ParseId(identifier.Get("user").Str())
	if localpart == "" || (domain != "" && domain != cfg.ServerName) {
		return fail(w, NewError(CodeForbidden, "Unknown user or wrong server."))
	}

	u, err := user.Lock(a.db, localpart)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return fail(w, NewError(CodeForbidden, "Invalid username or password."))
		}
		L_error("api: login lock failed", "error", err)
		return fail(w, errUnknown(""))
	}
	defer u.Unlock()

	info, err := u.Login(
		body.Get("password").Str(),
		body.Get("device_id").Str(),
		body.Get("initial_device_display_name").Str(),
		body.Get("refresh_token").Bool(),
	)
	if err != nil {
		switch {
		case errors.Is(err, user.ErrBadPassword):
			return fail(w, NewError(CodeForbidden, "Invalid username or password."))
		case errors.Is(err, user.ErrDeactivated):
			return fail(w, NewError(CodeForbidden, "This account has been deactivated."))
		}
		L_error("api: login failed", "user", localpart, "error", err)
		return fail(w, errUnknown(""))
	}

	resp := json.NewObject()
	resp.Set("access_token", json.String(info.AccessToken))
	resp.Set("device_id", json.String(info.DeviceId))
	resp.Set("user_id", json.String(u.Id(cfg.ServerName)))
	resp.Set("well_known", a.wellKnown())
	if info.RefreshToken != "" {
		resp.Set("refresh_token", json.String(info.RefreshToken))
		resp.Set("expires_in_ms", json.Integer(info.ExpiresInMs))
	}
	return resp
}

// logout revokes the access token used to make the request.
func (a *Api) logout(w *httpd.ResponseWriter, r *httpd.Request, matches []string) *json.Value {
	if r.Method != "POST" {
		return methodNotAllowed(w)
	}
	u, _, apiErr := a.authenticate(r)
	if apiErr != nil {
		return fail(w, apiErr)
	}
	defer u.Unlock()

	if err := u.DeleteToken(accessToken(r)); err != nil {
		return fail(w, NewError(CodeUnknownToken, "Unknown access token."))
	}
	return json.NewObject()
}

// logoutAll revokes every device's tokens, the caller's included.
func (a *Api) logoutAll(w *httpd.ResponseWriter, r *httpd.Request, matches []string) *json.Value {
	if r.Method != "POST" {
		return methodNotAllowed(w)
	}
	u, _, apiErr := a.authenticate(r)
	if apiErr != nil {
		return fail(w, apiErr)
	}
	defer u.Unlock()

	if err := u.DeleteAllTokens(""); err != nil {
		L_error("api: logout/all failed", "user", u.Localpart(), "error", err)
		return fail(w, errUnknown(""))
	}
	return json.NewObject()
}

// refresh exchanges a refresh token for a fresh access token.
func (a *Api) refresh(w *httpd.ResponseWriter, r *httpd.Request, matches []string) *json.Value {
	if r.Method != "POST" {
		return methodNotAllowed(w)
	}
	body, apiErr := readBody(r)
	if apiErr != nil {
		return fail(w, apiErr)
	}
	token := body.Get("refresh_token").Str()
	if token == "" {
		return fail(w, NewError(CodeMissingParam, "refresh_token is required."))
	}

	info, err := user.Refresh(a.db, token)
	if err != nil {
		if errors.Is(err, user.ErrUnknownToken) {
			return fail(w, NewError(CodeUnknownToken, "Unknown refresh token."))
		}
		L_error("api: refresh failed", "error", err)
		return fail(w, errUnknown(""))
	}

	resp := json.NewObject()
	resp.Set("access_token", json.String(info.AccessToken))
	resp.Set("refresh_token", json.String(info.RefreshToken))
	resp.Set("expires_in_ms", json.Integer(info.ExpiresInMs))
	return resp
}
