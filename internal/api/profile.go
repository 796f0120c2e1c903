package api

import (
	"errors"

	"github.com/arborhs/arbor/internal/httpd"
	"github.com/arborhs/arbor/internal/json"
	"github.com/arborhs/arbor/internal/user"
)

// profileKeys are the fields clients may read and write.
var profileKeys = map[string]bool{
	"displayname": true,
	"avatar_url":  true,
}

// lockTarget resolves a :user capture to a locked local user.
func (a *Api) lockTarget(id string) (*user.User, *Error) {
	localpart, domain := user.ParseId(id)
	if domain != "" && domain != a.Config().ServerName {
		return nil, errNotFound("User lives on another server.")
	}
	u, err := user.Lock(a.db, localpart)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			return nil, errNotFound("Unknown user.")
		}
		return nil, errUnknown("")
	}
	return u, nil
}

// profile serves GET /profile/:user with the whole profile object.
func (a *Api) profile(w *httpd.ResponseWriter, r *httpd.Request, matches []string) *json.Value {
	if r.Method != "GET" {
		return methodNotAllowed(w)
	}
	u, apiErr := a.lockTarget(matches[0])
	if apiErr != nil {
		return fail(w, apiErr)
	}
	defer u.Unlock()

	resp := json.NewObject()
	for _, key := range []string{"displayname", "avatar_url"} {
		if v := u.Profile(key); v != "" {
			resp.Set(key, json.String(v))
		}
	}
	return resp
}

// profileKey serves GET and PUT on a single profile field.
func (a *Api) profileKey(w *httpd.ResponseWriter, r *httpd.Request, matches []string) *json.Value {
	target, key := matches[0], matches[1]
	if !profileKeys[key] {
		return fail(w, NewError(CodeInvalidParam, "Unknown profile field."))
	}

	switch r.Method {
	case "GET":
		u, apiErr := a.lockTarget(target)
		if apiErr != nil {
			return fail(w, apiErr)
		}
		defer u.Unlock()

		value := u.Profile(key)
		if value == "" {
			return fail(w, errNotFound("Profile field not set."))
		}
		resp := json.NewObject()
		resp.Set(key, json.String(value))
		return resp

	case "PUT":
		body, apiErr := readBody(r)
		if apiErr != nil {
			return fail(w, apiErr)
		}
		value := body.Get(key)
		if value.Kind() != json.KindString {
			return fail(w, NewError(CodeBadJson, "Expected a string value."))
		}

		u, _, apiErr := a.authenticate(r)
		if apiErr != nil {
			return fail(w, apiErr)
		}
		defer u.Unlock()

		localpart, domain := user.ParseId(target)
		if localpart != u.Localpart() || (domain != "" && domain != a.Config().ServerName) {
			return fail(w, NewError(CodeForbidden, "Profiles can only be changed by their owner."))
		}
		u.SetProfile(key, value.Str())
		return json.NewObject()
	}
	return methodNotAllowed(w)
}
