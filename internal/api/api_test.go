package api

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"testing"

	"github.com/arborhs/arbor/internal/config"
	"github.com/arborhs/arbor/internal/db"
	"github.com/arborhs/arbor/internal/httpd"
	"github.com/arborhs/arbor/internal/json"
	"github.com/arborhs/arbor/internal/regtoken"
	"github.com/arborhs/arbor/internal/stream"
	"github.com/arborhs/arbor/internal/user"
)

type rwc struct {
	io.Reader
	io.Writer
}

func (rwc) Close() error { return nil }

type testResponse struct {
	status  int
	headers map[string]string
	body    *json.Value
	raw     string
}

func newTestApi(t *testing.T) (*Api, *db.Db) {
	t.Helper()
	d, err := db.Open(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	cfg, err := config.Bootstrap(d)
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	return New(d, cfg), d
}

// call drives the dispatcher with one synthetic request.
func call(t *testing.T, a *Api, method, path, token, body string) *testResponse {
	t.Helper()

	reqPath, query := path, ""
	if i := strings.IndexByte(path, '?'); i >= 0 {
		reqPath, query = path[:i], path[i+1:]
	}

	req := &httpd.Request{
		Method:     method,
		Path:       reqPath,
		Proto:      "HTTP/1.1",
		Params:     httpd.DecodeParams(query),
		Headers:    make(map[string]string),
		RemoteAddr: "127.0.0.1:1234",
		Stream:     stream.NewReader(strings.NewReader(body)),
	}
	if body != "" {
		req.Headers["content-length"] = strconv.Itoa(len(body))
	}
	if token != "" {
		req.Headers["authorization"] = "Bearer " + token
	}

	var buf bytes.Buffer
	out := stream.New(rwc{Reader: strings.NewReader(""), Writer: &buf})
	w := httpd.NewResponseWriter(out, "HTTP/1.1")
	a.dispatch(w, req)
	out.Flush()

	raw := buf.String()
	head, payload, _ := strings.Cut(raw, "\r\n\r\n")
	lines := strings.Split(head, "\r\n")
	if len(lines) == 0 {
		t.Fatalf("no status line in %q", raw)
	}
	fields := strings.SplitN(lines[0], " ", 3)
	status, err := strconv.Atoi(fields[1])
	if err != nil {
		t.Fatalf("bad status line %q", lines[0])
	}

	resp := &testResponse{status: status, headers: make(map[string]string), raw: payload}
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if ok {
			resp.headers[strings.ToLower(name)] = strings.TrimSpace(value)
		}
	}
	if strings.HasPrefix(resp.headers["content-type"], "application/json") && payload != "" {
		v, err := json.DecodeString(payload)
		if err != nil {
			t.Fatalf("response body is not JSON: %q (%v)", payload, err)
		}
		resp.body = v
	}
	return resp
}

func bootstrapToken(t *testing.T, d *db.Db) string {
	t.Helper()
	names, err := regtoken.List(d)
	if err != nil || len(names) != 1 {
		t.Fatalf("bootstrap tokens = %v, %v", names, err)
	}
	return names[0]
}

// registerAdmin walks the registration-token UIA flow with the
// bootstrap token and returns the admin's access token.
func registerAdmin(t *testing.T, a *Api, d *db.Db, name string) string {
	t.Helper()
	token := bootstrapToken(t, d)

	first := call(t, a, "POST", "/_matrix/client/v3/register", "", `{"username":"`+name+`","password":"pw"}`)
	if first.status != 401 {
		t.Fatalf("initial register status = %d, want 401", first.status)
	}
	session := first.body.Get("session").Str()
	if session == "" {
		t.Fatal("no UIA session issued")
	}

	body := fmt.Sprintf(`{"username":%q,"password":"pw","auth":{"type":"m.login.registration_token","token":%q,"session":%q}}`,
		name, token, session)
	second := call(t, a, "POST", "/_matrix/client/v3/register", "", body)
	if second.status != 200 {
		t.Fatalf("register status = %d: %s", second.status, second.raw)
	}
	return second.body.Get("access_token").Str()
}

// makeUser creates an account directly in the store and returns an
// access token for it.
func makeUser(t *testing.T, d *db.Db, name string, privs user.Privilege) string {
	t.Helper()
	u, err := user.Create(d, name, "pw")
	if err != nil {
		t.Fatalf("Create %s failed: %v", name, err)
	}
	u.SetPrivileges(privs)
	info, err := u.IssueTokens("", "", false)
	if err != nil {
		t.Fatalf("IssueTokens failed: %v", err)
	}
	u.Unlock()
	return info.AccessToken
}

func TestVersionsAndWellKnown(t *testing.T) {
	a, _ := newTestApi(t)

	resp := call(t, a, "GET", "/_matrix/client/versions", "", "")
	if resp.status != 200 || len(resp.body.Get("versions").Array()) == 0 {
		t.Errorf("versions = %d %s", resp.status, resp.raw)
	}

	resp = call(t, a, "GET", "/.well-known/matrix/client", "", "")
	if resp.status != 200 {
		t.Fatalf("well-known status = %d", resp.status)
	}
	base := resp.body.Get("m.homeserver").Get("base_url").Str()
	if base != "http://localhost:8008" {
		t.Errorf("base_url = %q", base)
	}
}

func TestStandardHeadersAndOptions(t *testing.T) {
	a, _ := newTestApi(t)

	resp := call(t, a, "GET", "/_matrix/client/versions", "", "")
	if resp.headers["server"] != "Arbor" {
		t.Errorf("Server header = %q", resp.headers["server"])
	}
	if resp.headers["access-control-allow-origin"] != "*" {
		t.Error("CORS origin header missing")
	}
	if resp.headers["connection"] != "close" {
		t.Error("Connection: close missing")
	}

	resp = call(t, a, "OPTIONS", "/anything/at/all", "", "")
	if resp.status != 204 {
		t.Errorf("OPTIONS status = %d, want 204", resp.status)
	}
}

func TestUnknownEndpoint(t *testing.T) {
	a, _ := newTestApi(t)
	resp := call(t, a, "GET", "/_matrix/client/v3/no/such/thing", "", "")
	if resp.status != 404 {
		t.Errorf("status = %d, want 404", resp.status)
	}
	if resp.body.Get("errcode").Str() != CodeNotFound {
		t.Errorf("errcode = %s", resp.body.Get("errcode"))
	}
}

func TestBootstrapRegisterAndLogin(t *testing.T) {
	a, d := newTestApi(t)
	access := registerAdmin(t, a, d, "alice")
	if len(access) != 64 {
		t.Fatalf("access token %q", access)
	}

	// The bootstrap token's ALL grant lands on the account
	u, err := user.Lock(d, "alice")
	if err != nil {
		t.Fatalf("Lock alice failed: %v", err)
	}
	if u.Privileges() != user.PrivAll {
		t.Errorf("privileges = %v, want ALL", u.Privileges())
	}
	u.Unlock()

	// The single-use token is now exhausted
	resp := call(t, a, "POST", "/_matrix/client/v3/register", "", `{"username":"mallory","password":"x"}`)
	session := resp.body.Get("session").Str()
	body := fmt.Sprintf(`{"username":"mallory","password":"x","auth":{"type":"m.login.registration_token","token":%q,"session":%q}}`,
		bootstrapToken(t, d), session)
	resp = call(t, a, "POST", "/_matrix/client/v3/register", "", body)
	if resp.status != 401 {
		t.Errorf("exhausted token register status = %d, want 401", resp.status)
	}

	// Password login issues a distinct token
	login := call(t, a, "POST", "/_matrix/client/v3/login", "",
		`{"type":"m.login.password","identifier":{"type":"m.id.user","user":"alice"},"password":"pw"}`)
	if login.status != 200 {
		t.Fatalf("login status = %d: %s", login.status, login.raw)
	}
	if login.body.Get("access_token").Str() == access {
		t.Error("login reissued the registration token")
	}
	if login.body.Get("user_id").Str() != "@alice:localhost" {
		t.Errorf("user_id = %s", login.body.Get("user_id"))
	}
	if login.body.Get("well_known").Get("m.homeserver") == nil {
		t.Error("well_known missing from login response")
	}
}

func TestLoginCatalogAndFailures(t *testing.T) {
	a, d := newTestApi(t)
	makeUser(t, d, "alice", user.PrivNone)

	resp := call(t, a, "GET", "/_matrix/client/v3/login", "", "")
	flows := resp.body.Get("flows").Array()
	if len(flows) != 1 || flows[0].Get("type").Str() != "m.login.password" {
		t.Errorf("login catalog = %s", resp.raw)
	}

	resp = call(t, a, "POST", "/_matrix/client/v3/login", "",
		`{"type":"m.login.password","identifier":{"type":"m.id.user","user":"alice"},"password":"wrong"}`)
	if resp.status != 403 || resp.body.Get("errcode").Str() != CodeForbidden {
		t.Errorf("bad password = %d %s", resp.status, resp.raw)
	}

	resp = call(t, a, "POST", "/_matrix/client/v3/login", "",
		`{"type":"m.login.password","identifier":{"type":"m.id.user","user":"@alice:elsewhere.org"},"password":"pw"}`)
	if resp.status != 403 {
		t.Errorf("foreign server login = %d", resp.status)
	}
}

func TestWhoamiAndTokenErrors(t *testing.T) {
	a, d := newTestApi(t)
	access := makeUser(t, d, "alice", user.PrivNone)

	resp := call(t, a, "GET", "/_matrix/client/v3/account/whoami", access, "")
	if resp.status != 200 || resp.body.Get("user_id").Str() != "@alice:localhost" {
		t.Errorf("whoami = %d %s", resp.status, resp.raw)
	}

	resp = call(t, a, "GET", "/_matrix/client/v3/account/whoami", "", "")
	if resp.status != 401 || resp.body.Get("errcode").Str() != CodeMissingToken {
		t.Errorf("missing token = %d %s", resp.status, resp.raw)
	}

	resp = call(t, a, "GET", "/_matrix/client/v3/account/whoami", "bogus", "")
	if resp.status != 401 || resp.body.Get("errcode").Str() != CodeUnknownToken {
		t.Errorf("unknown token = %d %s", resp.status, resp.raw)
	}

	// The query-parameter form works too
	resp = call(t, a, "GET", "/_matrix/client/v3/account/whoami?access_token="+access, "", "")
	if resp.status != 200 {
		t.Errorf("query-param token = %d", resp.status)
	}

	// The legacy r0 prefix answers as well
	resp = call(t, a, "GET", "/_matrix/client/r0/account/whoami", access, "")
	if resp.status != 200 {
		t.Errorf("r0 prefix = %d", resp.status)
	}
}

func TestLogoutInvalidatesToken(t *testing.T) {
	a, d := newTestApi(t)
	access := makeUser(t, d, "alice", user.PrivNone)

	resp := call(t, a, "POST", "/_matrix/client/v3/logout", access, "")
	if resp.status != 200 {
		t.Fatalf("logout = %d: %s", resp.status, resp.raw)
	}
	resp = call(t, a, "GET", "/_matrix/client/v3/account/whoami", access, "")
	if resp.status != 401 {
		t.Errorf("token survives logout: %d", resp.status)
	}
}

func TestRefreshFlow(t *testing.T) {
	a, d := newTestApi(t)
	makeUser(t, d, "alice", user.PrivNone)

	login := call(t, a, "POST", "/_matrix/client/v3/login", "",
		`{"type":"m.login.password","identifier":{"type":"m.id.user","user":"alice"},"password":"pw","refresh_token":true}`)
	if login.status != 200 {
		t.Fatalf("login = %d: %s", login.status, login.raw)
	}
	if login.body.Get("expires_in_ms").Int() != 604800000 {
		t.Errorf("expires_in_ms = %d", login.body.Get("expires_in_ms").Int())
	}
	oldAccess := login.body.Get("access_token").Str()
	refresh := login.body.Get("refresh_token").Str()

	resp := call(t, a, "POST", "/_matrix/client/v3/refresh", "", `{"refresh_token":"`+refresh+`"}`)
	if resp.status != 200 {
		t.Fatalf("refresh = %d: %s", resp.status, resp.raw)
	}
	newAccess := resp.body.Get("access_token").Str()
	if newAccess == oldAccess {
		t.Error("refresh returned the old token")
	}
	newRefresh := resp.body.Get("refresh_token").Str()
	if newRefresh == "" || newRefresh == refresh {
		t.Errorf("refresh token not rotated: %q", newRefresh)
	}

	if r := call(t, a, "GET", "/_matrix/client/v3/account/whoami", oldAccess, ""); r.status != 401 {
		t.Errorf("old token still valid: %d", r.status)
	}
	if r := call(t, a, "GET", "/_matrix/client/v3/account/whoami", newAccess, ""); r.status != 200 {
		t.Errorf("new token rejected: %d", r.status)
	}

	// The spent refresh token is gone too
	resp = call(t, a, "POST", "/_matrix/client/v3/refresh", "", `{"refresh_token":"`+refresh+`"}`)
	if resp.status != 401 {
		t.Errorf("old refresh token accepted: %d", resp.status)
	}
}

func TestRegisterAvailable(t *testing.T) {
	a, d := newTestApi(t)
	makeUser(t, d, "alice", user.PrivNone)

	resp := call(t, a, "GET", "/_matrix/client/v3/register/available?username=bob", "", "")
	if resp.status != 200 || !resp.body.Get("available").Bool() {
		t.Errorf("available bob = %d %s", resp.status, resp.raw)
	}
	resp = call(t, a, "GET", "/_matrix/client/v3/register/available?username=alice", "", "")
	if resp.status != 400 || resp.body.Get("errcode").Str() != CodeUserInUse {
		t.Errorf("taken name = %d %s", resp.status, resp.raw)
	}
	resp = call(t, a, "GET", "/_matrix/client/v3/register/available?username=bad%3Aname", "", "")
	if resp.status != 400 {
		t.Errorf("invalid name = %d", resp.status)
	}
}

func TestOpenRegistrationDummyFlow(t *testing.T) {
	a, d := newTestApi(t)

	patch := json.NewObject()
	patch.Set("registration", json.Boolean(true))
	cfg, _, err := config.Merge(d, patch)
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	a.SetConfig(cfg)

	first := call(t, a, "POST", "/_matrix/client/v3/register", "", `{"username":"carol","password":"pw"}`)
	if first.status != 401 {
		t.Fatalf("initial status = %d", first.status)
	}
	session := first.body.Get("session").Str()

	body := fmt.Sprintf(`{"username":"carol","password":"pw","auth":{"type":"m.login.dummy","session":%q}}`, session)
	second := call(t, a, "POST", "/_matrix/client/v3/register", "", body)
	if second.status != 200 {
		t.Fatalf("dummy register = %d: %s", second.status, second.raw)
	}
	if second.body.Get("user_id").Str() != "@carol:localhost" {
		t.Errorf("user_id = %s", second.body.Get("user_id"))
	}
}

func TestProfile(t *testing.T) {
	a, d := newTestApi(t)
	alice := makeUser(t, d, "alice", user.PrivNone)
	bob := makeUser(t, d, "bob", user.PrivNone)

	resp := call(t, a, "PUT", "/_matrix/client/v3/profile/@alice:localhost/displayname", alice,
		`{"displayname":"Alice"}`)
	if resp.status != 200 {
		t.Fatalf("put displayname = %d: %s", resp.status, resp.raw)
	}

	resp = call(t, a, "GET", "/_matrix/client/v3/profile/@alice:localhost", "", "")
	if resp.body.Get("displayname").Str() != "Alice" {
		t.Errorf("profile = %s", resp.raw)
	}
	resp = call(t, a, "GET", "/_matrix/client/v3/profile/@alice:localhost/displayname", "", "")
	if resp.body.Get("displayname").Str() != "Alice" {
		t.Errorf("profile key = %s", resp.raw)
	}

	// Unset field is a 404
	resp = call(t, a, "GET", "/_matrix/client/v3/profile/@alice:localhost/avatar_url", "", "")
	if resp.status != 404 {
		t.Errorf("unset avatar_url = %d", resp.status)
	}

	// Only the owner may write
	resp = call(t, a, "PUT", "/_matrix/client/v3/profile/@alice:localhost/displayname", bob,
		`{"displayname":"Hacked"}`)
	if resp.status != 403 {
		t.Errorf("foreign put = %d", resp.status)
	}

	// Unknown keys are rejected
	resp = call(t, a, "PUT", "/_matrix/client/v3/profile/@alice:localhost/shoe_size", alice,
		`{"shoe_size":"44"}`)
	if resp.status != 400 {
		t.Errorf("bad key = %d", resp.status)
	}
}

func TestAliasLifecycle(t *testing.T) {
	a, d := newTestApi(t)
	creator := makeUser(t, d, "alice", user.PrivNone)
	stranger := makeUser(t, d, "bob", user.PrivNone)
	janitor := makeUser(t, d, "carol", user.PrivAlias)

	alias := "/_matrix/client/v3/directory/room/%23a:localhost"

	resp := call(t, a, "PUT", alias, creator, `{"room_id":"!r:localhost"}`)
	if resp.status != 200 {
		t.Fatalf("create alias = %d: %s", resp.status, resp.raw)
	}

	// Conflicting second create
	resp = call(t, a, "PUT", alias, creator, `{"room_id":"!other:localhost"}`)
	if resp.status != 409 || resp.body.Get("errcode").Str() != CodeUnknown {
		t.Errorf("conflict = %d %s", resp.status, resp.raw)
	}

	resp = call(t, a, "GET", alias, "", "")
	if resp.body.Get("room_id").Str() != "!r:localhost" {
		t.Errorf("resolve = %s", resp.raw)
	}

	// Foreign-server aliases are refused
	resp = call(t, a, "PUT", "/_matrix/client/v3/directory/room/%23b:elsewhere.org", creator, `{"room_id":"!r:localhost"}`)
	if resp.status != 403 {
		t.Errorf("foreign alias = %d", resp.status)
	}

	// A stranger cannot delete
	resp = call(t, a, "DELETE", alias, stranger, "")
	if resp.status != 401 {
		t.Errorf("stranger delete = %d", resp.status)
	}

	// The ALIAS privilege can
	resp = call(t, a, "DELETE", alias, janitor, "")
	if resp.status != 200 {
		t.Fatalf("privileged delete = %d: %s", resp.status, resp.raw)
	}
	resp = call(t, a, "GET", alias, "", "")
	if resp.status != 404 {
		t.Errorf("resolve after delete = %d", resp.status)
	}

	// The creator can delete their own
	resp = call(t, a, "PUT", alias, creator, `{"room_id":"!r:localhost"}`)
	if resp.status != 200 {
		t.Fatalf("recreate = %d", resp.status)
	}
	resp = call(t, a, "DELETE", alias, creator, "")
	if resp.status != 200 {
		t.Errorf("creator delete = %d", resp.status)
	}
}

func TestAdminTokens(t *testing.T) {
	a, d := newTestApi(t)
	admin := makeUser(t, d, "admin", user.PrivIssueTokens)
	pleb := makeUser(t, d, "pleb", user.PrivNone)

	resp := call(t, a, "GET", "/_arbor/admin/v1/tokens", pleb, "")
	if resp.status != 403 {
		t.Errorf("unprivileged list = %d", resp.status)
	}

	resp = call(t, a, "POST", "/_arbor/admin/v1/tokens", admin,
		`{"name":"invite","uses":5,"grants":["ALIAS"]}`)
	if resp.status != 200 {
		t.Fatalf("create token = %d: %s", resp.status, resp.raw)
	}
	if resp.body.Get("uses").Int() != 5 {
		t.Errorf("uses = %d", resp.body.Get("uses").Int())
	}
	if resp.body.Get("createdBy").Str() != "@admin:localhost" {
		t.Errorf("createdBy = %s", resp.body.Get("createdBy"))
	}

	// A generated name comes back when none is given
	resp = call(t, a, "POST", "/_arbor/admin/v1/tokens", admin, `{}`)
	if resp.status != 200 || resp.body.Get("name").Str() == "" {
		t.Errorf("generated token = %d %s", resp.status, resp.raw)
	}

	resp = call(t, a, "GET", "/_arbor/admin/v1/tokens", admin, "")
	// The bootstrap token plus the two created here
	if n := len(resp.body.Get("tokens").Array()); n != 3 {
		t.Errorf("token count = %d, want 3", n)
	}

	resp = call(t, a, "GET", "/_arbor/admin/v1/tokens/invite", admin, "")
	if resp.status != 200 || resp.body.Get("name").Str() != "invite" {
		t.Errorf("get token = %d %s", resp.status, resp.raw)
	}

	resp = call(t, a, "DELETE", "/_arbor/admin/v1/tokens/invite", admin, "")
	if resp.status != 200 {
		t.Fatalf("delete token = %d", resp.status)
	}
	resp = call(t, a, "GET", "/_arbor/admin/v1/tokens/invite", admin, "")
	if resp.status != 404 {
		t.Errorf("deleted token get = %d", resp.status)
	}
}

func TestAdminConfig(t *testing.T) {
	a, d := newTestApi(t)
	admin := makeUser(t, d, "admin", user.PrivConfig)
	pleb := makeUser(t, d, "pleb", user.PrivNone)

	resp := call(t, a, "GET", "/_arbor/admin/v1/config", pleb, "")
	if resp.status != 403 {
		t.Errorf("unprivileged get = %d", resp.status)
	}

	resp = call(t, a, "GET", "/_arbor/admin/v1/config", admin, "")
	if resp.status != 200 || resp.body.Get("serverName").Str() != "localhost" {
		t.Errorf("config get = %d %s", resp.status, resp.raw)
	}

	// A runtime-only merge does not demand a restart
	resp = call(t, a, "PUT", "/_arbor/admin/v1/config", admin, `{"registration":true}`)
	if resp.status != 200 || resp.body.Get("restart_required").Bool() {
		t.Errorf("merge = %d %s", resp.status, resp.raw)
	}
	if !a.Config().Registration {
		t.Error("merged config not applied")
	}

	// An invalid tree is rejected wholesale
	resp = call(t, a, "PUT", "/_arbor/admin/v1/config", admin, `{"maxCache":-1}`)
	if resp.status != 400 {
		t.Errorf("invalid merge = %d", resp.status)
	}

	// Replacing with a changed listener flags a restart
	full := a.Config().Raw().Clone()
	full.Get("listen").Array()[0].Set("port", json.Integer(8448))
	resp = call(t, a, "POST", "/_arbor/admin/v1/config", admin, full.String())
	if resp.status != 200 || !resp.body.Get("restart_required").Bool() {
		t.Errorf("replace = %d %s", resp.status, resp.raw)
	}
}

func TestUiaFallback(t *testing.T) {
	a, d := newTestApi(t)
	tok, err := regtoken.Create(d, "fallback", "@admin:x", -1, 0, user.PrivNone)
	if err != nil {
		t.Fatalf("Create token failed: %v", err)
	}
	tok.Unlock()

	page := call(t, a, "GET", "/_matrix/client/v3/auth/m.login.registration_token/fallback/web?session=s1", "", "")
	if page.status != 200 || !strings.Contains(page.headers["content-type"], "text/html") {
		t.Fatalf("fallback page = %d %q", page.status, page.headers["content-type"])
	}
	if !strings.Contains(page.raw, "m.login.registration_token") {
		t.Error("page does not name the stage")
	}

	// POST without auth opens a session
	resp := call(t, a, "POST", "/_matrix/client/v3/auth/m.login.registration_token/fallback/web", "", `{}`)
	if resp.status != 401 {
		t.Fatalf("fallback post = %d", resp.status)
	}
	session := resp.body.Get("session").Str()

	body := fmt.Sprintf(`{"auth":{"type":"m.login.registration_token","token":"fallback","session":%q}}`, session)
	resp = call(t, a, "POST", "/_matrix/client/v3/auth/m.login.registration_token/fallback/web", "", body)
	if resp.status != 200 || !resp.body.Get("completed").Bool() {
		t.Errorf("fallback complete = %d %s", resp.status, resp.raw)
	}

	// Unknown stage types are a 404
	resp = call(t, a, "GET", "/_matrix/client/v3/auth/m.login.sso/fallback/web", "", "")
	if resp.status != 404 {
		t.Errorf("unknown stage = %d", resp.status)
	}
}

func TestAccountPasswordChange(t *testing.T) {
	a, d := newTestApi(t)
	access := makeUser(t, d, "alice", user.PrivNone)

	// First attempt starts the UIA session
	resp := call(t, a, "POST", "/_matrix/client/v3/account/password", access, `{"new_password":"better"}`)
	if resp.status != 401 {
		t.Fatalf("uia start = %d", resp.status)
	}
	session := resp.body.Get("session").Str()

	body := fmt.Sprintf(`{"new_password":"better","auth":{"type":"m.login.password","session":%q,"identifier":{"type":"m.id.user","user":"alice"},"password":"pw"}}`, session)
	resp = call(t, a, "POST", "/_matrix/client/v3/account/password", access, body)
	if resp.status != 200 {
		t.Fatalf("password change = %d: %s", resp.status, resp.raw)
	}

	// Old password gone, new one works, caller's token survived
	login := call(t, a, "POST", "/_matrix/client/v3/login", "",
		`{"type":"m.login.password","identifier":{"type":"m.id.user","user":"alice"},"password":"pw"}`)
	if login.status != 403 {
		t.Errorf("old password login = %d", login.status)
	}
	login = call(t, a, "POST", "/_matrix/client/v3/login", "",
		`{"type":"m.login.password","identifier":{"type":"m.id.user","user":"alice"},"password":"better"}`)
	if login.status != 200 {
		t.Errorf("new password login = %d", login.status)
	}
	if r := call(t, a, "GET", "/_matrix/client/v3/account/whoami", access, ""); r.status != 200 {
		t.Errorf("caller token revoked: %d", r.status)
	}
}

func TestAccountDeactivate(t *testing.T) {
	a, d := newTestApi(t)
	access := makeUser(t, d, "alice", user.PrivNone)

	resp := call(t, a, "POST", "/_matrix/client/v3/account/deactivate", access, `{}`)
	if resp.status != 401 {
		t.Fatalf("uia start = %d", resp.status)
	}
	session := resp.body.Get("session").Str()

	body := fmt.Sprintf(`{"auth":{"type":"m.login.password","session":%q,"identifier":{"type":"m.id.user","user":"alice"},"password":"pw"}}`, session)
	resp = call(t, a, "POST", "/_matrix/client/v3/account/deactivate", access, body)
	if resp.status != 200 {
		t.Fatalf("deactivate = %d: %s", resp.status, resp.raw)
	}

	login := call(t, a, "POST", "/_matrix/client/v3/login", "",
		`{"type":"m.login.password","identifier":{"type":"m.id.user","user":"alice"},"password":"pw"}`)
	if login.status != 403 {
		t.Errorf("deactivated login = %d", login.status)
	}
	// The localpart stays reserved
	resp = call(t, a, "GET", "/_matrix/client/v3/register/available?username=alice", "", "")
	if resp.status != 400 {
		t.Errorf("deactivated name available = %d", resp.status)
	}
}
