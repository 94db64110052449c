package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds the process configuration, loaded from environment variables.
type Config struct {
	DataDir     string // Directory for bootstrap HTTPS certificates and scratch files
	ExternalURL string // Public base URL of this server (used to build ACME resource URLs)

	// CA certificate subject fields for internally managed issuers.
	Organization        string
	Country             string
	Province            string
	Locality            string
	CommonName          string
	CACertValidityYears int

	DefaultCertValidityDays int

	// Upstream ACME directories, one per environment.
	UpstreamDirectoryURL        string
	UpstreamStagingDirectoryURL string
	AccountContact              string // mailto: contact registered with upstream accounts

	StorageType string // "postgres" or "memory"
	DBHost      string
	DBUser      string
	DBPassword  string
	DBName      string
	DBPort      int
	DBSSLMode   string
	DBCert      string
	DBKey       string
	DBRootCert  string

	PolicyFile string // Optional YAML file seeding domain policies and provider bindings

	// Renewal scheduler knobs.
	RenewalInterval    time.Duration
	RenewalWindow      time.Duration
	RenewalMaxFailures int

	APIKeys map[string]APIKey

	HTTPSCertFile string
	HTTPSKeyFile  string
	HTTPAddress   string // http-01 well-known responder
	HTTPSAddress  string // ACME protocol + management API
}

// APIKey defines an API key and its associated roles for the management API.
type APIKey struct {
	Roles []string
}

const (
	defaultDataDir                 = "./data"
	defaultExternalURL             = "https://localhost:8443"
	defaultOrganization            = "ACME Gate Authority"
	defaultCountry                 = "US"
	defaultProvince                = "NC"
	defaultLocality                = "Raleigh"
	defaultCommonName              = "ACME Gate Root CA"
	defaultCACertValidityYears     = 10
	defaultCertValidityDays        = 90
	defaultUpstreamDirectory       = "https://acme-v02.api.letsencrypt.org/directory"
	defaultUpstreamStagingDir      = "https://acme-staging-v02.api.letsencrypt.org/directory"
	defaultAccountContact          = "mailto:certs@example.com"
	defaultStorageType             = "postgres"
	defaultDBHost                  = "localhost"
	defaultDBUser                  = "acmegate"
	defaultDBPassword              = "password"
	defaultDBName                  = "acmegate"
	defaultDBPort                  = 5432
	defaultDBSSLMode               = "disable"
	defaultRenewalIntervalMinutes  = 60
	defaultRenewalWindowDays       = 30
	defaultRenewalMaxFailures      = 5
	defaultHTTPSCertFile           = "./data/https.crt"
	defaultHTTPSKeyFile            = "./data/https.key"
	defaultHTTPAddress             = ":8080"
	defaultHTTPSAddress            = ":8443"
)

var defaultAPIKeys = map[string]APIKey{
	"admin-api-key": {Roles: []string{"admin"}},
}

// LoadConfig loads configuration from environment variables or defaults.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DataDir:                     getEnv("ACMEGATE_DATA_DIR", defaultDataDir),
		ExternalURL:                 getEnv("ACMEGATE_EXTERNAL_URL", defaultExternalURL),
		Organization:                getEnv("ACMEGATE_ORGANIZATION", defaultOrganization),
		Country:                     getEnv("ACMEGATE_COUNTRY", defaultCountry),
		Province:                    getEnv("ACMEGATE_PROVINCE", defaultProvince),
		Locality:                    getEnv("ACMEGATE_LOCALITY", defaultLocality),
		CommonName:                  getEnv("ACMEGATE_COMMON_NAME", defaultCommonName),
		CACertValidityYears:         getEnvAsInt("ACMEGATE_CA_VALIDITY_YEARS", defaultCACertValidityYears),
		DefaultCertValidityDays:     getEnvAsInt("ACMEGATE_DEFAULT_CERT_VALIDITY_DAYS", defaultCertValidityDays),
		UpstreamDirectoryURL:        getEnv("ACMEGATE_UPSTREAM_DIRECTORY", defaultUpstreamDirectory),
		UpstreamStagingDirectoryURL: getEnv("ACMEGATE_UPSTREAM_STAGING_DIRECTORY", defaultUpstreamStagingDir),
		AccountContact:              getEnv("ACMEGATE_ACCOUNT_CONTACT", defaultAccountContact),
		StorageType:                 getEnv("ACMEGATE_STORAGE_TYPE", defaultStorageType),
		DBHost:                      getEnv("ACMEGATE_DB_HOST", defaultDBHost),
		DBUser:                      getEnv("ACMEGATE_DB_USER", defaultDBUser),
		DBPassword:                  getEnv("ACMEGATE_DB_PASSWORD", defaultDBPassword),
		DBName:                      getEnv("ACMEGATE_DB_NAME", defaultDBName),
		DBPort:                      getEnvAsInt("ACMEGATE_DB_PORT", defaultDBPort),
		DBSSLMode:                   getEnv("ACMEGATE_DB_SSLMODE", defaultDBSSLMode),
		DBCert:                      getEnv("ACMEGATE_DB_CERT", ""),
		DBKey:                       getEnv("ACMEGATE_DB_KEY", ""),
		DBRootCert:                  getEnv("ACMEGATE_DB_ROOTCERT", ""),
		PolicyFile:                  getEnv("ACMEGATE_POLICY_FILE", ""),
		RenewalInterval:             time.Duration(getEnvAsInt("ACMEGATE_RENEWAL_INTERVAL_MINUTES", defaultRenewalIntervalMinutes)) * time.Minute,
		RenewalWindow:               time.Duration(getEnvAsInt("ACMEGATE_RENEWAL_WINDOW_DAYS", defaultRenewalWindowDays)) * 24 * time.Hour,
		RenewalMaxFailures:          getEnvAsInt("ACMEGATE_RENEWAL_MAX_FAILURES", defaultRenewalMaxFailures),
		APIKeys:                     defaultAPIKeys,
		HTTPSCertFile:               getEnv("ACMEGATE_HTTPS_CERT_FILE", defaultHTTPSCertFile),
		HTTPSKeyFile:                getEnv("ACMEGATE_HTTPS_KEY_FILE", defaultHTTPSKeyFile),
		HTTPAddress:                 getEnv("ACMEGATE_HTTP_ADDRESS", defaultHTTPAddress),
		HTTPSAddress:                getEnv("ACMEGATE_HTTPS_ADDRESS", defaultHTTPSAddress),
	}
	if key := os.Getenv("ACMEGATE_ADMIN_API_KEY"); key != "" {
		cfg.APIKeys = map[string]APIKey{key: {Roles: []string{"admin"}}}
	}
	return cfg, nil
}

// DirectoryForEnvironment returns the upstream directory URL for an
// environment name.
func (c *Config) DirectoryForEnvironment(env string) string {
	if env == "staging" {
		return c.UpstreamStagingDirectoryURL
	}
	return c.UpstreamDirectoryURL
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Warning: Invalid integer value for %s (%s), using default: %d", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}
