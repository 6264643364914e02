package auth

const (
	ScopeOpenID         = "openid"
	ScopeProfile        = "profile"
	ScopeEmail          = "email"
	ScopeApprovalsRead  = "approvals:read"
	ScopeApprovalsWrite = "approvals:write"
)

// AllScopes defines the full set of scopes used by API clients
var AllScopes = []string{
	ScopeOpenID,
	ScopeProfile,
	ScopeEmail,
	ScopeApprovalsRead,
	ScopeApprovalsWrite,
}
