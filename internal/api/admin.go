package api

import (
	"errors"

	"github.com/arborhs/arbor/internal/config"
	"github.com/arborhs/arbor/internal/httpd"
	"github.com/arborhs/arbor/internal/json"
	. "github.com/arborhs/arbor/internal/logging"
	"github.com/arborhs/arbor/internal/regtoken"
	"github.com/arborhs/arbor/internal/user"
)

// requirePrivilege authenticates the caller and checks one grant. The
// returned user is locked; the caller owns the unlock.
func (a *Api) requirePrivilege(r *httpd.Request, p user.Privilege) (*user.User, *Error) {
	u, _, apiErr := a.authenticate(r)
	if apiErr != nil {
		return nil, apiErr
	}
	if u.Privileges()&p == 0 {
		u.Unlock()
		return nil, NewError(CodeForbidden, "Insufficient privileges.")
	}
	return u, nil
}

// tokenRecord reads one registration-token record for the API.
func (a *Api) tokenRecord(name string) (*json.Value, *Error) {
	tok, err := regtoken.Lock(a.db, name)
	if err != nil {
		if errors.Is(err, regtoken.ErrNotFound) {
			return nil, errNotFound("Unknown registration token.")
		}
		return nil, errUnknown("")
	}
	info := tok.Info()
	tok.Unlock()
	return info, nil
}

// adminTokens lists registration tokens on GET and mints one on POST.
// Both require the ISSUE_TOKENS grant.
func (a *Api) adminTokens(w *httpd.ResponseWriter, r *httpd.Request, matches []string) *json.Value {
	u, apiErr := a.requirePrivilege(r, user.PrivIssueTokens)
	if apiErr != nil {
		return fail(w, apiErr)
	}
	caller := u.Id(a.Config().ServerName)
	u.Unlock()

	switch r.Method {
	case "GET":
		names, err := regtoken.List(a.db)
		if err != nil {
			L_error("api: token list failed", "error", err)
			return fail(w, errUnknown(""))
		}
		records := json.NewArray()
		for _, name := range names {
			record, apiErr := a.tokenRecord(name)
			if apiErr != nil {
				continue
			}
			records.Append(record)
		}
		resp := json.NewObject()
		resp.Set("tokens", records)
		return resp

	case "POST":
		body, apiErr := readBody(r)
		if apiErr != nil {
			return fail(w, apiErr)
		}
		uses := int64(-1)
		if v := body.Get("uses"); v != nil {
			uses = v.Int()
		}
		tok, err := regtoken.Create(a.db,
			body.Get("name").Str(),
			caller,
			uses,
			body.Get("expiresOn").Int(),
			user.DecodePrivileges(body.Get("grants")),
		)
		if err != nil {
			if errors.Is(err, regtoken.ErrExists) {
				return fail(w, NewError(CodeInvalidParam, "A token by that name already exists."))
			}
			L_error("api: token create failed", "error", err)
			return fail(w, errUnknown(""))
		}
		record := tok.Info()
		tok.Unlock()
		return record
	}
	return methodNotAllowed(w)
}

// adminToken reads or deletes a single registration token.
func (a *Api) adminToken(w *httpd.ResponseWriter, r *httpd.Request, matches []string) *json.Value {
	u, apiErr := a.requirePrivilege(r, user.PrivIssueTokens)
	if apiErr != nil {
		return fail(w, apiErr)
	}
	u.Unlock()
	name := matches[0]

	switch r.Method {
	case "GET":
		record, apiErr := a.tokenRecord(name)
		if apiErr != nil {
			return fail(w, apiErr)
		}
		return record

	case "DELETE":
		if err := regtoken.Delete(a.db, name); err != nil {
			if errors.Is(err, regtoken.ErrNotFound) {
				return fail(w, errNotFound("Unknown registration token."))
			}
			L_error("api: token delete failed", "name", name, "error", err)
			return fail(w, errUnknown(""))
		}
		return json.NewObject()
	}
	return methodNotAllowed(w)
}

// adminConfig exposes the configuration record: GET returns it, POST
// replaces it, PUT merges a partial tree. Requires the CONFIG grant.
func (a *Api) adminConfig(w *httpd.ResponseWriter, r *httpd.Request, matches []string) *json.Value {
	u, apiErr := a.requirePrivilege(r, user.PrivConfig)
	if apiErr != nil {
		return fail(w, apiErr)
	}
	u.Unlock()

	switch r.Method {
	case "GET":
		return a.Config().Raw().Clone()

	case "POST", "PUT":
		body, apiErr := readBody(r)
		if apiErr != nil {
			return fail(w, apiErr)
		}

		var next *config.Config
		var restart bool
		var err error
		if r.Method == "POST" {
			next, restart, err = config.Replace(a.db, body)
		} else {
			next, restart, err = config.Merge(a.db, body)
		}
		if err != nil {
			return fail(w, NewError(CodeBadJson, err.Error()))
		}

		a.SetConfig(next)
		if err := config.ApplyRuntime(a.db, next); err != nil {
			L_error("api: config apply failed", "error", err)
			return fail(w, errUnknown(""))
		}

		resp := json.NewObject()
		resp.Set("restart_required", json.Boolean(restart))
		return resp
	}
	return methodNotAllowed(w)
}
