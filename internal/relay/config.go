package relay

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds the relay's process-level settings. There is no runtime
// reconfiguration surface: the values are fixed at startup.
type Config struct {
	BindAddress   string
	Port          int
	DataDir       string
	LogLevel      string
	PublicMetrics bool
}

// LoadConfig reads configuration from environment variables. A .env file is
// loaded if present but not required.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	port, err := envOrDefaultInt("RELAY_PORT", 8787)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		BindAddress:   envOrDefault("RELAY_BIND_ADDRESS", "0.0.0.0"),
		Port:          port,
		DataDir:       envOrDefault("RELAY_DATA_DIR", "./data"),
		LogLevel:      envOrDefault("RELAY_LOG_LEVEL", "info"),
		PublicMetrics: envBool("RELAY_PUBLIC_METRICS"),
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("invalid RELAY_PORT: %d", cfg.Port)
	}
	return cfg, nil
}

// Addr returns the listen address in host:port form.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return v, nil
}

func envBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes":
		return true
	}
	return false
}
