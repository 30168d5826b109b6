package configs

import (
	"flag"
	"os"

	"github.com/talkline/relay/internal/infrastructure/env"
)

// DetermineConfigPath resolves the config file from --config, the
// RELAY_CONFIG env var, or a list of conventional locations. An empty
// result is fine; Load falls back to defaults and env overrides.
func DetermineConfigPath() string {
	var configPath string

	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.Parse()

	if configPath == "" {
		configPath = env.GetString("RELAY_CONFIG", "")
	}

	if configPath == "" {
		candidates := []string{
			"./config.yaml",
			"./config.yml",
			"/etc/talkline/config.yaml",
			"/app/config.yaml", // common in Docker
		}

		for _, p := range candidates {
			if _, err := os.Stat(p); err == nil {
				configPath = p
				break
			}
		}
	}

	return configPath
}
