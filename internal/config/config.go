package config

import (
	"os"
	"strings"
)

// Config carries the process-level knobs read from the environment once at
// startup. Appliance behavior (retention, intervals, timeouts) lives in the
// YAML settings file instead; see Store.
type Config struct {
	HTTPListenAddr    string
	MetricsListenAddr string
	LogLevel          string
	// SettingsPath is the YAML settings file, reloadable at runtime.
	SettingsPath string
	// StatePath is the JSON marker store for per-slug flags.
	StatePath string
	// DataPath is the filesystem checked for free space before creation.
	DataPath string

	HomeBaseURL string
	HomeToken   string

	CloudProvider string
	CloudBaseURL  string
	CloudHostname string
	// CloudToken is the bearer token for the drive-style cloud API. Token
	// refresh mechanics live behind remote.TokenSource.
	CloudToken string

	S3Bucket    string
	S3Prefix    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string

	// AltDNSServers are host:port nameservers the resolver fails over to
	// when the system resolver cannot reach the cloud hostname.
	AltDNSServers []string
}

func Load() (*Config, error) {
	cfg := &Config{
		HTTPListenAddr:    getEnv("HTTP_LISTEN_ADDR", ":8099"),
		MetricsListenAddr: getEnv("METRICS_LISTEN_ADDR", ":9099"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		SettingsPath:      getEnv("SETTINGS_PATH", "/data/settings.yaml"),
		StatePath:         getEnv("STATE_PATH", "/data/state.json"),
		DataPath:          getEnv("DATA_PATH", "/data"),
		HomeBaseURL:       getEnv("HOME_BASE_URL", "http://supervisor"),
		HomeToken:         getEnv("HOME_TOKEN", ""),
		CloudProvider:     getEnv("CLOUD_PROVIDER", "drive"),
		CloudBaseURL:      getEnv("CLOUD_BASE_URL", "https://www.googleapis.com"),
		CloudHostname:     getEnv("CLOUD_HOSTNAME", "www.googleapis.com"),
		CloudToken:        getEnv("CLOUD_TOKEN", ""),
		S3Bucket:          getEnv("S3_BUCKET", ""),
		S3Prefix:          getEnv("S3_PREFIX", "backups/"),
		S3Region:          getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:        getEnv("S3_ENDPOINT", ""),
		S3AccessKey:       getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:       getEnv("S3_SECRET_KEY", ""),
	}
	if servers := getEnv("ALT_DNS_SERVERS", "8.8.8.8:53,8.8.4.4:53"); servers != "" {
		for _, s := range strings.Split(servers, ",") {
			if s = strings.TrimSpace(s); s != "" {
				cfg.AltDNSServers = append(cfg.AltDNSServers, s)
			}
		}
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
