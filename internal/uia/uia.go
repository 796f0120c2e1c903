// Package uia implements user-interactive authentication: multi-stage
// flows driven through 401 responses, with session state persisted in
// the object store under (user_interactive, <session>).
package uia

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/arborhs/arbor/internal/config"
	"github.com/arborhs/arbor/internal/db"
	"github.com/arborhs/arbor/internal/json"
	. "github.com/arborhs/arbor/internal/logging"
	"github.com/arborhs/arbor/internal/regtoken"
	"github.com/arborhs/arbor/internal/user"
)

// Stage types understood by the dispatcher.
const (
	StageDummy    = "m.login.dummy"
	StagePassword = "m.login.password"
	StageRegToken = "m.login.registration_token"
)

// SessionTimeout is how long an idle session survives before cleanup.
const SessionTimeout = 15 * time.Minute

// Stage is one step of a flow, with optional parameters shown to the
// client in the catalog.
type Stage struct {
	Type   string
	Params *json.Value
}

// Flow is an ordered stage sequence. Completing every stage satisfies
// the endpoint's auth requirement.
type Flow []Stage

// DummyFlow is the single-stage flow used when registration is open.
func DummyFlow() Flow {
	return Flow{{Type: StageDummy}}
}

// RegTokenFlow requires a valid registration token.
func RegTokenFlow() Flow {
	return Flow{{Type: StageRegToken}}
}

// PasswordFlow requires the account password.
func PasswordFlow() Flow {
	return Flow{{Type: StagePassword}}
}

// Outcome reports where a UIA exchange stands after Complete.
type Outcome struct {
	// Complete is true once a whole flow has been satisfied. When
	// false, Response carries the 401 body to send.
	Complete  bool
	Response  *json.Value
	SessionId string

	// RegistrationToken is the token accepted during the flow, if
	// any, so registration can apply its grants.
	RegistrationToken string
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

// catalog builds the 401 body: the flow list, stage parameters, the
// session id, and the stages completed so far.
func catalog(flows []Flow, sessionId string, completed []string) *json.Value {
	body := json.NewObject()

	flowArr := json.NewArray()
	params := json.NewObject()
	for _, flow := range flows {
		stages := json.NewArray()
		for _, stage := range flow {
			stages.Append(json.String(stage.Type))
			if stage.Params != nil {
				params.Set(stage.Type, stage.Params)
			}
		}
		entry := json.NewObject()
		entry.Set("stages", stages)
		flowArr.Append(entry)
	}
	body.Set("flows", flowArr)
	body.Set("params", params)
	body.Set("session", json.String(sessionId))

	done := json.NewArray()
	for _, c := range completed {
		done.Append(json.String(c))
	}
	body.Set("completed", done)
	return body
}

// newSession persists a fresh session and returns the catalog response
// for it.
func newSession(d *db.Db, flows []Flow) (*Outcome, error) {
	id := uuid.NewString()
	ref, err := d.Create("user_interactive", id)
	if err != nil {
		return nil, err
	}
	ref.JSON.Set("completed", json.NewArray())
	ref.JSON.Set("last_access", json.Integer(nowMs()))
	if err := d.Unlock(ref); err != nil {
		return nil, err
	}

	L_debug("uia: new session", "session", id)
	return &Outcome{
		Response:  catalog(flows, id, nil),
		SessionId: id,
	}, nil
}

// readSession fetches a session's completed list. A missing session
// returns ok=false.
func readSession(d *db.Db, id string) (completed []string, regToken string, ok bool, err error) {
	ref, err := d.Lock("user_interactive", id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, "", false, nil
		}
		return nil, "", false, err
	}
	for _, c := range ref.JSON.Get("completed").Array() {
		completed = append(completed, c.Str())
	}
	regToken = ref.JSON.Get("registration_token").Str()
	return completed, regToken, true, d.Unlock(ref)
}

// writeSession appends a completed stage and touches last_access.
func writeSession(d *db.Db, id string, completed []string, regToken string) error {
	ref, err := d.Lock("user_interactive", id)
	if err != nil {
		return err
	}
	done := json.NewArray()
	for _, c := range completed {
		done.Append(json.String(c))
	}
	ref.JSON.Set("completed", done)
	ref.JSON.Set("last_access", json.Integer(nowMs()))
	if regToken != "" {
		ref.JSON.Set("registration_token", json.String(regToken))
	}
	return d.Unlock(ref)
}

// isPrefix reports whether completed is a strict prefix of flow.
func isPrefix(completed []string, flow Flow) bool {
	if len(completed) >= len(flow) {
		return false
	}
	for i, c := range completed {
		if flow[i].Type != c {
			return false
		}
	}
	return true
}

// matchesFlow reports whether completed satisfies flow exactly.
func matchesFlow(completed []string, flow Flow) bool {
	if len(completed) != len(flow) {
		return false
	}
	for i, c := range completed {
		if flow[i].Type != c {
			return false
		}
	}
	return true
}

func matchesAny(completed []string, flows []Flow) bool {
	for _, flow := range flows {
		if matchesFlow(completed, flow) {
			return true
		}
	}
	return false
}

// nextStages is the union of each flow's next stage after the
// completed prefix.
func nextStages(completed []string, flows []Flow) map[string]bool {
	next := make(map[string]bool)
	for _, flow := range flows {
		if isPrefix(completed, flow) {
			next[flow[len(completed)].Type] = true
		}
	}
	return next
}

// Complete advances a UIA exchange by one request. The returned
// Outcome either finishes the flow or carries the 401 catalog the
// handler must send. Errors are internal failures only; a client that
// merely failed a stage gets a catalog, not an error.
func Complete(d *db.Db, cfg *config.Config, flows []Flow, request *json.Value) (*Outcome, error) {
	auth := request.Get("auth")
	if auth.Object() == nil {
		return newSession(d, flows)
	}

	sessionId := auth.Get("session").Str()
	if sessionId == "" {
		return newSession(d, flows)
	}
	completed, regToken, ok, err := readSession(d, sessionId)
	if err != nil {
		return nil, err
	}
	if !ok {
		return newSession(d, flows)
	}

	if matchesAny(completed, flows) {
		return &Outcome{Complete: true, SessionId: sessionId, RegistrationToken: regToken}, nil
	}

	possible := nextStages(completed, flows)
	authType := auth.Get("type").Str()
	if !possible[authType] {
		return &Outcome{
			Response:  catalog(flows, sessionId, completed),
			SessionId: sessionId,
		}, nil
	}

	passed, newRegToken, err := runStage(d, cfg, authType, auth)
	if err != nil {
		return nil, err
	}
	if !passed {
		L_debug("uia: stage failed", "session", sessionId, "stage", authType)
		return &Outcome{
			Response:  catalog(flows, sessionId, completed),
			SessionId: sessionId,
		}, nil
	}

	completed = append(completed, authType)
	if newRegToken != "" {
		regToken = newRegToken
	}
	if err := writeSession(d, sessionId, completed, newRegToken); err != nil {
		return nil, err
	}

	if matchesAny(completed, flows) {
		L_debug("uia: flow complete", "session", sessionId)
		return &Outcome{Complete: true, SessionId: sessionId, RegistrationToken: regToken}, nil
	}
	return &Outcome{
		Response:  catalog(flows, sessionId, completed),
		SessionId: sessionId,
	}, nil
}

// runStage checks one stage's credentials. The second return is the
// registration token to record on the session, when that stage is the
// one being run.
func runStage(d *db.Db, cfg *config.Config, authType string, auth *json.Value) (bool, string, error) {
	switch authType {
	case StageDummy:
		return true, "", nil

	case StagePassword:
		identifier := auth.Get("identifier")
		if identifier.Get("type").Str() != "m.id.user" {
			return false, "", nil
		}
		localpart, domain := user.ParseId(identifier.Get("user").Str())
		if domain != "" && domain != cfg.ServerName {
			return false, "", nil
		}
		u, err := user.Lock(d, localpart)
		if err != nil {
			if errors.Is(err, user.ErrNotFound) {
				return false, "", nil
			}
			return false, "", err
		}
		passed := u.CheckPassword(auth.Get("password").Str())
		u.Unlock()
		return passed, "", nil

	case StageRegToken:
		name := auth.Get("token").Str()
		if name == "" {
			return false, "", nil
		}
		tok, err := regtoken.Lock(d, name)
		if err != nil {
			if errors.Is(err, regtoken.ErrNotFound) {
				return false, "", nil
			}
			return false, "", err
		}
		if !tok.Valid() {
			tok.Unlock()
			return false, "", nil
		}
		tok.Use()
		if err := tok.Unlock(); err != nil {
			return false, "", err
		}
		return true, name, nil
	}
	return false, "", nil
}

// Cleanup deletes sessions idle past SessionTimeout. Run from cron;
// failures are logged and skipped.
func Cleanup(d *db.Db) {
	ids, err := d.List("user_interactive")
	if err != nil {
		L_error("uia: cleanup list failed", "error", err)
		return
	}

	cutoff := nowMs() - SessionTimeout.Milliseconds()
	removed := 0
	for _, id := range ids {
		ref, err := d.Lock("user_interactive", id)
		if err != nil {
			continue
		}
		lastAccess := ref.JSON.Get("last_access").Int()
		d.Unlock(ref)

		if lastAccess < cutoff {
			if err := d.Delete("user_interactive", id); err != nil {
				L_warn("uia: cleanup delete failed", "session", id, "error", err)
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		L_debug("uia: cleaned up stale sessions", "count", removed)
	}
}
