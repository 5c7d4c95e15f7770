package utils

// CtxKey is the type for request-scoped context values
type CtxKey string

// Request-scoped context keys set by the HTTP layer
const (
	RequestIDKey CtxKey = "request_id"
	UserAgentKey CtxKey = "user_agent"
	IPAddressKey CtxKey = "ip_address"
	EndpointKey  CtxKey = "endpoint"
)

// DefaultPageSize is the page size used when a list request omits one
const DefaultPageSize = 20

// MaxPageSize caps the page size of list requests
const MaxPageSize = 200
