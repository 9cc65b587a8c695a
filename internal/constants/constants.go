package constants

type DghostContextKey string

const (
	// Default ports and hosts
	DefaultListenPort    = 3030
	DefaultGhostHost     = "127.0.0.1"
	DefaultGhostPort     = 2369
	DefaultGhostVersion  = "5.90.1"
	DefaultMountPoint    = "/"
	DefaultGhostNodeExec = "node"

	// On-disk layout below the data directory
	GhostDirName          = "ghost"
	VersionsDirName       = "versions"
	CurrentLinkName       = "current"
	ContentDirName        = "content"
	ThemesDirName         = "themes"
	RuntimeConfigFileName = "config.production.json"
	LedgerFileName        = "dghost.db"
	InstalledMarkerName   = ".dghost-installed"
	EntryScriptName       = "index.js"
	DatabaseFileName      = "ghost.db"

	// Child process environment
	ProductionEnv = "NODE_ENV=production"
	EnvPrefix     = "DGHOST_"

	// Request and response headers
	HeaderUserDID         = "x-user-did"
	HeaderUserRole        = "x-user-role"
	HeaderUserEmail       = "x-user-email"
	HeaderForwardedProto  = "X-Forwarded-Proto"
	ForwardedProtoHTTPS   = "https"
	PlatformLoginPath     = "/.well-known/service/login"
	LoginRedirectQueryKey = "redirect"

	// Request context keys
	ContextKeyUser DghostContextKey = "user"
)

// ContentSubdirs are created under the content tree before every start.
var ContentSubdirs = []string{"apps", "data", "files", "images", "logs", "media", "public", "settings", "themes"}

// DefaultAllowedRoles may pass the access gate unless configured otherwise.
var DefaultAllowedRoles = []string{"admin", "owner", "member"}

// DefaultInstallCommand resolves the production dependencies of an extracted release.
var DefaultInstallCommand = []string{"npx", "-y", "yarn", "install", "--production", "--ignore-engines"}
