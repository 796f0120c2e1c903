package api

import (
	"github.com/arborhs/arbor/internal/httpd"
	"github.com/arborhs/arbor/internal/json"
	. "github.com/arborhs/arbor/internal/logging"
	"github.com/arborhs/arbor/internal/uia"
)

func (a *Api) whoami(w *httpd.ResponseWriter, r *httpd.Request, matches []string) *json.Value {
	if r.Method != "GET" {
		return methodNotAllowed(w)
	}
	u, device, apiErr := a.authenticate(r)
	if apiErr != nil {
		return fail(w, apiErr)
	}
	defer u.Unlock()

	resp := json.NewObject()
	resp.Set("user_id", json.String(u.Id(a.Config().ServerName)))
	resp.Set("device_id", json.String(device))
	return resp
}

// accountPassword changes the caller's password after re-proving it
// through UIA. logout_devices (default true) revokes every other
// device's tokens.
func (a *Api) accountPassword(w *httpd.ResponseWriter, r *httpd.Request, matches []string) *json.Value {
	if r.Method != "POST" {
		return methodNotAllowed(w)
	}
	body, apiErr := readBody(r)
	if apiErr != nil {
		return fail(w, apiErr)
	}
	newPassword := body.Get("new_password").Str()
	if newPassword == "" {
		return fail(w, NewError(CodeMissingParam, "new_password is required."))
	}

	outcome, err := uia.Complete(a.db, a.Config(), []uia.Flow{uia.PasswordFlow()}, body)
	if err != nil {
		L_error("api: password change uia failed", "error", err)
		return fail(w, errUnknown(""))
	}
	if !outcome.Complete {
		w.WriteStatus(401)
		return outcome.Response
	}

	u, _, apiErr := a.authenticate(r)
	if apiErr != nil {
		return fail(w, apiErr)
	}
	defer u.Unlock()

	if err := u.SetPassword(newPassword); err != nil {
		L_error("api: password change failed", "user", u.Localpart(), "error", err)
		return fail(w, errUnknown(""))
	}

	logoutDevices := true
	if v := body.Get("logout_devices"); v != nil {
		logoutDevices = v.Bool()
	}
	if logoutDevices {
		if err := u.DeleteAllTokens(accessToken(r)); err != nil {
			L_error("api: password change logout failed", "user", u.Localpart(), "error", err)
			return fail(w, errUnknown(""))
		}
	}

	L_info("api: password changed", "user", u.Localpart())
	return json.NewObject()
}

// accountDeactivate shuts the caller's account off for good after a
// UIA password check.
func (a *Api) accountDeactivate(w *httpd.ResponseWriter, r *httpd.Request, matches []string) *json.Value {
	if r.Method != "POST" {
		return methodNotAllowed(w)
	}
	body, apiErr := readBody(r)
	if apiErr != nil {
		return fail(w, apiErr)
	}

	outcome, err := uia.Complete(a.db, a.Config(), []uia.Flow{uia.PasswordFlow()}, body)
	if err != nil {
		L_error("api: deactivate uia failed", "error", err)
		return fail(w, errUnknown(""))
	}
	if !outcome.Complete {
		w.WriteStatus(401)
		return outcome.Response
	}

	u, _, apiErr := a.authenticate(r)
	if apiErr != nil {
		return fail(w, apiErr)
	}
	defer u.Unlock()

	id := u.Id(a.Config().ServerName)
	if err := u.Deactivate(id, "Deactivated by user request."); err != nil {
		L_error("api: deactivate failed", "user", u.Localpart(), "error", err)
		return fail(w, errUnknown(""))
	}

	resp := json.NewObject()
	resp.Set("id_server_unbind_result", json.String("no-support"))
	return resp
}
