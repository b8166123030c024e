package common

// Shared constants to enforce DRY and avoid magic strings/numbers.

// HTTP headers and content types
const (
	HeaderAuthorization = "Authorization"
	HeaderRequestID     = "X-Request-ID"
	HeaderContentType   = "Content-Type"
	HeaderAccept        = "Accept"
	AuthSchemeBearer    = "Bearer"
	ContentTypeJSON     = "application/json"
)

// Backend API paths
const (
	PathPipelineRun     = "/api/v1/pipeline/run"
	PathPipelineStatus  = "/api/v1/pipeline/%s/status" // job id
	PathContents        = "/api/v1/contents"
	PathPipelineSocket  = "/ws/pipeline/%s" // job id
	EnvConfigPath       = "ADGEN_CONFIG"
	DefaultConfigFile   = "config.yaml"
	DefaultDatabaseFile = "adgen.db"
)

// Defaults and limits
const (
	DefaultBackendURL     = "http://localhost:8000"
	SQLiteBusyTimeoutMS   = 5000
	DefaultMaxMessageSize = 1 << 20
	ErrorSnippetLimit     = 400
)

// Transport modes
const (
	TransportPush = "push"
	TransportPoll = "poll"
)

// Ad styles accepted by the backend.
const (
	StyleResort   = "resort"
	StyleRetro    = "retro"
	StyleRomantic = "romantic"
)

// Styles lists the accepted ad styles in display order.
var Styles = []string{StyleResort, StyleRetro, StyleRomantic}
