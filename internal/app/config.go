package app

import "time"

// Security defaults for the websocket endpoint:
// - Origin is required by default.
// - Only localhost is allowed by default (secure-by-default for dev).
const (
	defaultOriginRequired = true
	defaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL  string
	DBMaxConns   int32
	DBMinConns   int32
	AccessSchema string

	// If true, /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Credential verification (bearer JWTs issued by the identity service).
	JWTSecret string
	JWTIssuer string

	// Websocket policy.
	WSOriginRequired   bool
	WSAllowedOrigins   []string
	WSDevInsecure      bool
	WSWriteTimeout     time.Duration
	WSReadIdleTimeout  time.Duration
	WSSendQueueSize    int
	WSHeartbeatEvery   time.Duration
	WSHeartbeatTimeout time.Duration
	WSRateEvents       int
	WSRateWindow       time.Duration

	// Session eviction policy. Zero TTL retains zero-member sessions for the
	// process lifetime, which is the baseline behavior.
	SessionTTL           time.Duration
	SessionSweepInterval time.Duration
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("WEAVE_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("WEAVE_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("WEAVE_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		IdleTimeout:       EnvDuration("WEAVE_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("WEAVE_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL:  EnvString("WEAVE_DATABASE_URL", ""),
		DBMaxConns:   EnvInt32("WEAVE_DB_MAX_CONNS", 10),
		DBMinConns:   EnvInt32("WEAVE_DB_MIN_CONNS", 0),
		AccessSchema: EnvString("WEAVE_DB_SCHEMA", "weave"),

		ReadinessRequireDB: EnvBool("WEAVE_READINESS_REQUIRE_DB", false),

		JWTSecret: EnvString("WEAVE_JWT_SECRET", ""),
		JWTIssuer: EnvString("WEAVE_JWT_ISSUER", ""),

		WSOriginRequired:   EnvBool("WEAVE_WS_ORIGIN_REQUIRED", defaultOriginRequired),
		WSAllowedOrigins:   EnvCSV("WEAVE_WS_ALLOWED_ORIGINS", defaultAllowedOrigins),
		WSDevInsecure:      EnvBool("WEAVE_WS_DEV_INSECURE", false),
		WSWriteTimeout:     EnvDuration("WEAVE_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadIdleTimeout:  EnvDuration("WEAVE_WS_READ_IDLE_TIMEOUT", 2*time.Minute),
		WSSendQueueSize:    EnvInt("WEAVE_WS_SEND_QUEUE", 256),
		WSHeartbeatEvery:   EnvDuration("WEAVE_WS_HEARTBEAT_INTERVAL", 25*time.Second),
		WSHeartbeatTimeout: EnvDuration("WEAVE_WS_HEARTBEAT_TIMEOUT", 5*time.Second),
		WSRateEvents:       EnvInt("WEAVE_WS_RATE_EVENTS", 240),
		WSRateWindow:       EnvDuration("WEAVE_WS_RATE_WINDOW", 10*time.Second),

		SessionTTL:           EnvDuration("WEAVE_COLLAB_SESSION_TTL", 0),
		SessionSweepInterval: EnvDuration("WEAVE_COLLAB_SESSION_SWEEP_INTERVAL", time.Minute),
	}
}
