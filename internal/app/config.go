package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string // "json" or "pretty"

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Durable store selection. DatabaseURL wins over SQLitePath; with neither
	// set the server runs on the in-memory store (dev mode).
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string
	SQLitePath  string

	// If true, /readyz returns 503 unless a durable backend is configured
	// and reachable.
	ReadinessRequireDB bool

	// Identity. A non-empty JWTSecret selects the JWT provider; otherwise
	// sessions authenticate against the static dev table seeded from DevUsers.
	JWTSecret string
	JWTIssuer string

	// DevUsers entries are "<user_id>:<secret>" or "<user_id>:<secret>:moderator".
	DevUsers []string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("AGORA_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("AGORA_LOG_LEVEL", "info"),
		LogFormat: EnvString("AGORA_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("AGORA_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("AGORA_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("AGORA_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("AGORA_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("AGORA_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("AGORA_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("AGORA_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("AGORA_DB_MIN_CONNS", 0),
		DBSchema:    EnvString("AGORA_DB_SCHEMA", "agora"),
		SQLitePath:  EnvString("AGORA_SQLITE_PATH", ""),

		ReadinessRequireDB: EnvBool("AGORA_READINESS_REQUIRE_DB", false),

		JWTSecret: EnvString("AGORA_JWT_SECRET", ""),
		JWTIssuer: EnvString("AGORA_JWT_ISSUER", "agora"),

		DevUsers: EnvStrings("AGORA_DEV_USERS"),
	}
}
