package api

import "github.com/arborhs/arbor/internal/router"

func (a *Api) routes() {
	a.router.Add("/.well-known/matrix/client", a.wellKnownClient)
	a.router.Add("/_matrix/client/versions", a.versions)

	// Client endpoints answer under both the current and the legacy
	// version prefix.
	client := func(path string, h router.Handler) {
		a.router.Add("/_matrix/client/v3"+path, h)
		a.router.Add("/_matrix/client/r0"+path, h)
	}

	client("/login", a.login)
	client("/logout", a.logout)
	client("/logout/all", a.logoutAll)
	client("/refresh", a.refresh)

	client("/register", a.register)
	client("/register/available", a.registerAvailable)

	client("/account/whoami", a.whoami)
	client("/account/password", a.accountPassword)
	client("/account/deactivate", a.accountDeactivate)

	client("/profile/:user", a.profile)
	client("/profile/:user/:key", a.profileKey)

	client("/directory/room/:alias", a.directoryRoom)

	client("/auth/:type/fallback/web", a.uiaFallback)

	a.router.Add("/_arbor/admin/v1/tokens", a.adminTokens)
	a.router.Add("/_arbor/admin/v1/tokens/:name", a.adminToken)
	a.router.Add("/_arbor/admin/v1/config", a.adminConfig)
}
