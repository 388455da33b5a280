package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// Load reads every *.toml file from dirs, applying them onto the defaults in
// directory order and, within a directory, lexicographic file order. Later
// files override earlier ones. Env vars override everything.
func Load(dirs ...string) (*Config, error) {
	cfg := Default()
	for _, dir := range dirs {
		files, err := tomlFiles(dir)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if _, err := toml.DecodeFile(f, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", f, err)
			}
		}
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

// LoadFile reads a single TOML file onto the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

func tomlFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read config dir %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".toml") {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("VOMBAT_TELEGRAM_TOKEN", &c.Telegram.BotToken)
	envStr("VOMBAT_MAX_TOKEN", &c.Max.BotToken)
	envStr("VOMBAT_OPENWEATHERMAP_API_KEY", &c.Services.OpenWeatherMap.APIKey)
	envStr("VOMBAT_YANDEX_SEARCH_API_KEY", &c.Services.YandexSearch.APIKey)
	envStr("VOMBAT_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("VOMBAT_LOG_LEVEL", &c.Log.Level)

	for id, p := range c.Providers {
		key := "VOMBAT_PROVIDER_" + strings.ToUpper(strings.ReplaceAll(id, "-", "_")) + "_API_KEY"
		if v := os.Getenv(key); v != "" {
			p.APIKey = v
			c.Providers[id] = p
		}
	}

	// Tokens provided via env auto-enable their adapter.
	if os.Getenv("VOMBAT_TELEGRAM_TOKEN") != "" {
		c.Telegram.Enabled = true
	}
	if os.Getenv("VOMBAT_MAX_TOKEN") != "" {
		c.Max.Enabled = true
	}
}

// ChatMapping converts the string-keyed routing table into chat ids.
func (c *DatabaseConfig) ChatMappingInt() (map[int64]string, error) {
	if len(c.ChatMapping) == 0 {
		return nil, nil
	}
	out := make(map[int64]string, len(c.ChatMapping))
	for k, v := range c.ChatMapping {
		var id int64
		if _, err := fmt.Sscanf(k, "%d", &id); err != nil {
			return nil, fmt.Errorf("chatMapping key %q: %w", k, err)
		}
		out[id] = v
	}
	return out, nil
}
