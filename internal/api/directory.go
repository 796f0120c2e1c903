package api

import (
	"errors"
	"strings"

	"github.com/arborhs/arbor/internal/db"
	"github.com/arborhs/arbor/internal/httpd"
	"github.com/arborhs/arbor/internal/json"
	. "github.com/arborhs/arbor/internal/logging"
	"github.com/arborhs/arbor/internal/user"
)

// lockAliases checks out the alias directory object, creating it on
// first use. Its shape is {alias: {<alias>: {createdBy, id, servers}},
// id: {<roomId>: {aliases: [...]}}}.
func (a *Api) lockAliases() (*db.Ref, error) {
	ref, err := a.db.Lock("aliases")
	if errors.Is(err, db.ErrNotFound) {
		ref, err = a.db.Create("aliases")
		if errors.Is(err, db.ErrExists) {
			ref, err = a.db.Lock("aliases")
		}
	}
	if err != nil {
		return nil, err
	}
	if ref.JSON.Get("alias").Object() == nil {
		ref.JSON.Set("alias", json.NewObject())
	}
	if ref.JSON.Get("id").Object() == nil {
		ref.JSON.Set("id", json.NewObject())
	}
	return ref, nil
}

func (a *Api) directoryRoom(w *httpd.ResponseWriter, r *httpd.Request, matches []string) *json.Value {
	alias := matches[0]
	switch r.Method {
	case "GET":
		return a.aliasResolve(w, alias)
	case "PUT":
		return a.aliasCreate(w, r, alias)
	case "DELETE":
		return a.aliasDelete(w, r, alias)
	}
	return methodNotAllowed(w)
}

func (a *Api) aliasResolve(w *httpd.ResponseWriter, alias string) *json.Value {
	ref, err := a.lockAliases()
	if err != nil {
		L_error("api: alias lock failed", "error", err)
		return fail(w, errUnknown(""))
	}
	defer a.db.Unlock(ref)

	entry := ref.JSON.Get("alias").Get(alias)
	if entry == nil {
		return fail(w, errNotFound("Unknown room alias."))
	}
	resp := json.NewObject()
	resp.Set("room_id", entry.Get("id"))
	resp.Set("servers", entry.Get("servers").Clone())
	return resp
}

// validAlias requires the '#localpart:domain' shape with our domain.
func (a *Api) validAlias(alias string) bool {
	if !strings.HasPrefix(alias, "#") {
		return false
	}
	i := strings.IndexByte(alias, ':')
	return i > 1 && alias[i+1:] == a.Config().ServerName
}

func (a *Api) aliasCreate(w *httpd.ResponseWriter, r *httpd.Request, alias string) *json.Value {
	body, apiErr := readBody(r)
	if apiErr != nil {
		return fail(w, apiErr)
	}
	roomId := body.Get("room_id").Str()
	if roomId == "" {
		return fail(w, NewError(CodeMissingParam, "room_id is required."))
	}
	if !a.validAlias(alias) {
		return fail(w, NewError(CodeForbidden, "Aliases must belong to this server."))
	}

	u, _, apiErr := a.authenticate(r)
	if apiErr != nil {
		return fail(w, apiErr)
	}
	defer u.Unlock()
	creator := u.Id(a.Config().ServerName)

	ref, err := a.lockAliases()
	if err != nil {
		L_error("api: alias lock failed", "error", err)
		return fail(w, errUnknown(""))
	}
	defer a.db.Unlock(ref)

	aliasMap := ref.JSON.Get("alias")
	if aliasMap.Get(alias) != nil {
		return fail(w, NewError(CodeUnknown, "That alias is already in use.").WithStatus(409))
	}

	entry := json.NewObject()
	entry.Set("createdBy", json.String(creator))
	entry.Set("id", json.String(roomId))
	servers := json.NewArray()
	servers.Append(json.String(a.Config().ServerName))
	entry.Set("servers", servers)
	aliasMap.Set(alias, entry)

	idMap := ref.JSON.Get("id")
	reverse := idMap.Get(roomId)
	if reverse.Object() == nil {
		reverse = json.NewObject()
		reverse.Set("aliases", json.NewArray())
		idMap.Set(roomId, reverse)
	}
	reverse.Get("aliases").Append(json.String(alias))

	L_info("api: alias created", "alias", alias, "room", roomId, "by", creator)
	return json.NewObject()
}

func (a *Api) aliasDelete(w *httpd.ResponseWriter, r *httpd.Request, alias string) *json.Value {
	u, _, apiErr := a.authenticate(r)
	if apiErr != nil {
		return fail(w, apiErr)
	}
	defer u.Unlock()
	caller := u.Id(a.Config().ServerName)
	privileged := u.Privileges()&user.PrivAlias != 0

	ref, err := a.lockAliases()
	if err != nil {
		L_error("api: alias lock failed", "error", err)
		return fail(w, errUnknown(""))
	}
	defer a.db.Unlock(ref)

	aliasMap := ref.JSON.Get("alias")
	entry := aliasMap.Get(alias)
	if entry == nil {
		return fail(w, errNotFound("Unknown room alias."))
	}
	if !privileged && entry.Get("createdBy").Str() != caller {
		return fail(w, NewError(CodeForbidden, "Only the creator or a privileged user may remove an alias.").WithStatus(401))
	}

	roomId := entry.Get("id").Str()
	aliasMap.Delete(alias)

	idMap := ref.JSON.Get("id")
	if reverse := idMap.Get(roomId); reverse != nil {
		kept := json.NewArray()
		for _, v := range reverse.Get("aliases").Array() {
			if v.Str() != alias {
				kept.Append(v)
			}
		}
		if len(kept.Array()) == 0 {
			idMap.Delete(roomId)
		} else {
			reverse.Set("aliases", kept)
		}
	}

	L_info("api: alias deleted", "alias", alias, "by", caller)
	return json.NewObject()
}
