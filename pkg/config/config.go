package config

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Build information. Populated at build-time.
var (
	Name      string = "go-mcp-gateway"
	Version   string
	Branch    string
	Commit    string
	BuildUser string
	GoVersion = runtime.Version()
)

const (
	// EnvPrefix is a prefix to all ENV variables used in this app
	EnvPrefix = "MCP_GATEWAY"
	// AdminPrefix URL prefix of the administrative API
	AdminPrefix = "/admin"
	// InternalPrefix URL prefix of the administrative API for service-to-service calls
	InternalPrefix = "/internal"

	// ##### GENERAL VARIABLES
	// Debug is a flag used to display debug messages
	Debug = false
	// DebugCORS is a flag used to display CORS debug messages
	DebugCORS = false
	// HumanReadableLogs set to true disables JSON formatting of logging
	HumanReadableLogs = false
	// DefaultHost default host for the services
	DefaultHost = "localhost"
	// DefaultPort default port the service is served on
	DefaultPort = "8080"
	// DefaultCorsHosts default cors horst for local development
	DefaultCorsHosts = "https://localhost:3000 http://localhost:3456"

	// ##### DATABASE VARIABLES

	// DefaultDBDriver selects the gorm dialector ("postgres" or "sqlite")
	DefaultDBDriver = "postgres"
	// DefaultDBHost default host for the database connection
	DefaultDBHost = "localhost"
	// DefaultDBPort default port for the database connnection
	DefaultDBPort = "5432"
	// DefaultDBName default name of the database
	DefaultDBName = "mcp-gateway"
	// DefaultDBUser default database user
	DefaultDBUser = "postgres"
	// DefaultDBPassword default database password
	DefaultDBPassword = "postgres"
	// DefaultDBSSLMode default ssl mode of the database connnection
	DefaultDBSSLMode = "disable"
	// DefaultSQLitePath is the database file used with the sqlite driver
	DefaultSQLitePath = "mcp-gateway.db"

	// ##### AUTHENTICATION VARIABLES

	// DefaultAuthRequired switches the authentication middleware on
	DefaultAuthRequired = true
	// DefaultAuthHeaderName defines the name of the auth header
	DefaultAuthHeaderName = "Authorization"
	// DefaultAuthCacheTTL is how long an authenticated principal is cached
	DefaultAuthCacheTTL = "1m"
)

// ErrorMessage defines the type for the errors channel
type ErrorMessage struct {
	Message string
	Err     error
}

func bindEnvVariable(name string, fallback interface{}) {
	if fallback != "" {
		viper.SetDefault(name, fallback)
	}
	err := viper.BindEnv(name)
	if err != nil {
		// cannot use logging.LogError due to import cycle
		fmt.Printf("Error binding Env Variable: %v", err)
	}
}

// LoadDotEnv reads a .env file into the process environment if one exists
func LoadDotEnv(paths ...string) {
	if err := godotenv.Load(paths...); err != nil {
		// a missing .env file is the normal case in deployments
		fmt.Printf("No .env file loaded: %v\n", err)
	}
}

// SetupEnv configures app to read ENV variables
func SetupEnv() {
	viper.SetEnvPrefix(EnvPrefix)
	// General
	bindEnvVariable("DEBUG", Debug)
	bindEnvVariable("HUMAN_READABLE_LOGS", HumanReadableLogs)
	bindEnvVariable("DEBUG_CORS", DebugCORS)
	bindEnvVariable("HOST", DefaultHost)
	bindEnvVariable("PORT", DefaultPort)
	bindEnvVariable("CORS_HOSTS", DefaultCorsHosts)
	bindEnvVariable("HTTP_MAX_PARALLEL_REQUESTS", 64)
	bindEnvVariable("HTTP_REQUEST_TIMEOUT", "60s")
	bindEnvVariable("SHUTDOWN_TIMEOUT", "15s")
	// Database
	bindEnvVariable("DB_DRIVER", DefaultDBDriver)
	bindEnvVariable("DB_HOST", DefaultDBHost)
	bindEnvVariable("DB_PORT", DefaultDBPort)
	bindEnvVariable("DB_NAME", DefaultDBName)
	bindEnvVariable("DB_USER", DefaultDBUser)
	bindEnvVariable("DB_PASS", DefaultDBPassword)
	bindEnvVariable("DB_SSL_MODE", DefaultDBSSLMode)
	bindEnvVariable("DB_SQLITE_PATH", DefaultSQLitePath)
	bindEnvVariable("DB_DEBUG", false)
	// Authentication
	bindEnvVariable("AUTH_REQUIRED", DefaultAuthRequired)
	bindEnvVariable("AUTH_HEADER_NAME", DefaultAuthHeaderName)
	bindEnvVariable("AUTH_CACHE_TTL", DefaultAuthCacheTTL)
	bindEnvVariable("JWT_SECRET", "")
	bindEnvVariable("JWKS_URL", "")
	bindEnvVariable("BASIC_AUTH_USER", "")
	bindEnvVariable("BASIC_AUTH_PASSWORD_HASH", "")
	bindEnvVariable("SERVICE_SECRET", "")

	SetupGatewayEnv()
}

// PostgresDSN builds the connection string for the postgres driver
func PostgresDSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		viper.GetString("DB_HOST"),
		viper.GetString("DB_PORT"),
		viper.GetString("DB_USER"),
		viper.GetString("DB_PASS"),
		viper.GetString("DB_NAME"),
		viper.GetString("DB_SSL_MODE"),
	)
}

// CorsHosts returns the configured list of allowed origins
func CorsHosts() []string {
	return strings.Fields(viper.GetString("CORS_HOSTS"))
}

// CorsConfig stores default configuration for CORS middleware
func CorsConfig(corsHosts []string) cors.Options {
	return cors.Options{
		AllowedOrigins:   corsHosts,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Mcp-Session-Id"},
		ExposedHeaders:   []string{"Link", "Mcp-Session-Id"},
		AllowCredentials: true, // header "Access-Control-Allow-Credentials" is not present if this is set to false
		MaxAge:           300,  // Maximum value not ignored by any of major browsers,
		Debug:            viper.GetBool("DEBUG_CORS"),
	}
}
