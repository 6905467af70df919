/*
Package config handles loading and validating application configuration.
AppConfig covers bootstrap values read once from the environment at
startup (things the process needs before it can even open a database
connection); Store (in store.go) covers operator-tunable values that live
in the container_config table and can change without a restart.
*/
package config

import (
	"log/slog"      // slog = structured log. used for json logging in this app
	"os"            // used .Getenv calls and write logs to stdout.
	"path/filepath" // used to extract file base name form absolute path in logging.
	"strconv"
)

// AppConfig struct holds all bootstrap configuration values for the
// application. values are read once at startup and passed through the app
// via dependency injection. no global config variable is used. callers
// receive a *AppConfig explicitly, making dependencies visible and the
// code easier to test.
type AppConfig struct {
	// Port is the TCP port the HTTP API server listens on.
	Port string

	// DBPath is the file path to the SQLite database file.
	DBPath string

	// DockerEndpoint overrides the Docker SDK's FromEnv discovery when set,
	// e.g. "unix:///var/run/docker.sock" or a remote tcp:// endpoint.
	DockerEndpoint string

	// RedisAddr is the host:port of the Redis (or Redis-protocol-compatible)
	// instance used for distributed locks, TTL bookkeeping, and keyspace
	// expiration notifications.
	RedisAddr string

	// TraefikNetwork is the Docker network name that Traefik and every
	// player instance container are connected to, for subdomain routing.
	TraefikNetwork string

	// LogFormat controls the output format of slog (logging library).
	// accepted values: "text" (default) | "json".
	// set to "text" during local development for readable terminal output.
	LogFormat string

	// FlagKeySecret seeds the AES-256-GCM key flag.Service uses to encrypt
	// minted flags at rest. Any string works; it is stretched to 32 bytes
	// with SHA-256 rather than required to be exactly 32 bytes, so
	// operators can rotate it to any passphrase.
	FlagKeySecret string

	// PortRangeStart/PortRangeEnd bound the host port range ports.Allocator
	// hands out for challenges that publish ports directly instead of
	// routing through Traefik.
	PortRangeStart int
	PortRangeEnd   int

	// AllowedOrigin is the single origin the CORS middleware permits, e.g.
	// the scoreboard frontend's URL.
	AllowedOrigin string

	// AdminKey authenticates the operator-only /api/admin surface.
	AdminKey string
}

// NewLogger constructs a *slog.Logger based on the LogFormat field of the config.
// "text" produces human-readable output for local development
// any other value (including "json") produces structured JSON output for production
// and Docker log shipping.
func (config *AppConfig) NewLogger() *slog.Logger {
	var handler slog.Handler

	options := &slog.HandlerOptions{
		AddSource: true,
		Level:     slog.LevelDebug,

		ReplaceAttr: func(groups []string, attribute slog.Attr) slog.Attr {
			if attribute.Key == slog.SourceKey {
				source := attribute.Value.Any().(*slog.Source)
				source.File = filepath.Base(source.File)
			}
			return attribute
		},
	}

	if config.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, options)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, options)
	}

	return slog.New(handler)
}

// LoadAppConfig reads bootstrap configuration from environment variables
// and returns a populated AppConfig struct. Missing environment variables
// fall back to safe local development defaults so the app can run without
// any setup during early development.
func LoadAppConfig() *AppConfig {
	return &AppConfig{
		Port:           getEnv("CORVUS_CTF_PORT", "8080"),
		DBPath:         getEnv("CORVUS_CTF_DB_PATH", "./corvus-ctf.db"),
		DockerEndpoint: getEnv("CORVUS_CTF_DOCKER_ENDPOINT", ""),
		RedisAddr:      getEnv("CORVUS_CTF_REDIS_ADDR", "localhost:6379"),
		TraefikNetwork: getEnv("CORVUS_CTF_TRAEFIK_NETWORK", "corvus-ctf-network"),
		LogFormat:      getEnv("CORVUS_CTF_LOG_FORMAT", "text"),
		FlagKeySecret:  getEnv("CORVUS_CTF_FLAG_KEY", "dev-only-insecure-flag-key"),
		PortRangeStart: getEnvInt("CORVUS_CTF_PORT_RANGE_START", 30000),
		PortRangeEnd:   getEnvInt("CORVUS_CTF_PORT_RANGE_END", 40000),
		AllowedOrigin:  getEnv("CORVUS_CTF_ALLOWED_ORIGIN", "*"),
		AdminKey:       getEnv("CORVUS_CTF_ADMIN_KEY", ""),
	}
}

// getEnv retrieves the value of an environment variable by key.
// if the variable is not set or is empty, the provided fallback value is returned.
// this avoids scattered os.Getenv calls with inline fallback logic throughout the codebase.
func getEnv(key, fallbackValue string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	return fallbackValue
}

// getEnvInt is getEnv's integer counterpart, falling back on an empty,
// missing, or unparseable value rather than failing startup outright.
func getEnvInt(key string, fallbackValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallbackValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallbackValue
	}
	return parsed
}
