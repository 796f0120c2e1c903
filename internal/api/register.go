package api

import (
	"errors"
	"strings"

	"github.com/arborhs/arbor/internal/httpd"
	"github.com/arborhs/arbor/internal/json"
	. "github.com/arborhs/arbor/internal/logging"
	"github.com/arborhs/arbor/internal/regtoken"
	"github.com/arborhs/arbor/internal/uia"
	"github.com/arborhs/arbor/internal/user"
)

const generatedLocalpartLen = 12

// registrationFlows returns the UIA flows admitted for registration.
// Token registration is always possible so the bootstrap token works;
// open registration adds the dummy flow.
func (a *Api) registrationFlows() []uia.Flow {
	flows := []uia.Flow{uia.RegTokenFlow()}
	if a.Config().Registration {
		flows = append(flows, uia.DummyFlow())
	}
	return flows
}

func randomLocalpart() (string, error) {
	s, err := user.RandomString(generatedLocalpartLen)
	if err != nil {
		return "", err
	}
	return strings.ToLower(s), nil
}

func (a *Api) register(w *httpd.ResponseWriter, r *httpd.Request, matches []string) *json.Value {
	if r.Method != "POST" {
		return methodNotAllowed(w)
	}
	body, apiErr := readBody(r)
	if apiErr != nil {
		return fail(w, apiErr)
	}

	cfg := a.Config()
	outcome, err := uia.Complete(a.db, cfg, a.registrationFlows(), body)
	if err != nil {
		L_error("api: register uia failed", "error", err)
		return fail(w, errUnknown(""))
	}
	if !outcome.Complete {
		w.WriteStatus(401)
		return outcome.Response
	}

	localpart := body.Get("username").Str()
	if localpart == "" {
		if localpart, err = randomLocalpart(); err != nil {
			return fail(w, errUnknown(""))
		}
	}
	if !user.IsHistoricalLocalpart(localpart, cfg.ServerName) {
		return fail(w, NewError(CodeInvalidParam, "Invalid username."))
	}

	u, err := user.Create(a.db, localpart, body.Get("password").Str())
	if err != nil {
		if errors.Is(err, user.ErrExists) {
			return fail(w, NewError(CodeUserInUse, "That username is already taken."))
		}
		L_error("api: register create failed", "user", localpart, "error", err)
		return fail(w, errUnknown(""))
	}
	defer u.Unlock()

	// A token-based registration passes the token's grants along
	if outcome.RegistrationToken != "" {
		tok, err := regtoken.Lock(a.db, outcome.RegistrationToken)
		if err == nil {
			u.SetPrivileges(tok.Grants())
			tok.Unlock()
		}
	}

	resp := json.NewObject()
	resp.Set("user_id", json.String(u.Id(cfg.ServerName)))

	if !body.Get("inhibit_login").Bool() {
		info, err := u.IssueTokens(
			body.Get("device_id").Str(),
			body.Get("initial_device_display_name").Str(),
			body.Get("refresh_token").Bool(),
		)
		if err != nil {
			L_error("api: register token issue failed", "user", localpart, "error", err)
			return fail(w, errUnknown(""))
		}
		resp.Set("access_token", json.String(info.AccessToken))
		resp.Set("device_id", json.String(info.DeviceId))
		if info.RefreshToken != "" {
			resp.Set("refresh_token", json.String(info.RefreshToken))
			resp.Set("expires_in_ms", json.Integer(info.ExpiresInMs))
		}
	}

	L_info("api: registered account", "user", localpart)
	return resp
}

func (a *Api) registerAvailable(w *httpd.ResponseWriter, r *httpd.Request, matches []string) *json.Value {
	if r.Method != "GET" {
		return methodNotAllowed(w)
	}
	localpart := r.Params["username"]
	if localpart == "" {
		return fail(w, NewError(CodeMissingParam, "username is required."))
	}
	if !user.IsHistoricalLocalpart(localpart, a.Config().ServerName) {
		return fail(w, NewError(CodeInvalidParam, "Invalid username."))
	}
	if user.Exists(a.db, localpart) {
		return fail(w, NewError(CodeUserInUse, "That username is already taken."))
	}

	resp := json.NewObject()
	resp.Set("available", json.Boolean(true))
	return resp
}
