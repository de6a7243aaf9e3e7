package auth

const (
	ScopeOpenID         = "openid"
	ScopeEventsWrite    = "careflow:events"
	ScopeInstancesRead  = "careflow:read"
	ScopeWorkflowsAdmin = "careflow:admin"
)

// AllScopes defines the full set of scopes offered by the Swagger UI.
var AllScopes = []string{
	ScopeOpenID,
	ScopeEventsWrite,
	ScopeInstancesRead,
	ScopeWorkflowsAdmin,
}
