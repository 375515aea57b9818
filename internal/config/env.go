package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// LoadEnvFiles reads .env files from the working directory, the given
// directories and the user's config directories. Variables already set in
// the environment win.
func LoadEnvFiles(dirs ...string) error {
	envPaths := []string{
		"./.env",
	}
	for _, dir := range dirs {
		if dir != "" {
			envPaths = append(envPaths, filepath.Join(dir, ".env"))
		}
	}

	if home, err := os.UserHomeDir(); err == nil {
		envPaths = append(envPaths,
			filepath.Join(home, ".medx", ".env"),
			filepath.Join(home, ".config", "medx", ".env"),
		)
	}

	for _, path := range envPaths {
		if _, err := os.Stat(path); err == nil {
			if err := loadEnvFile(path); err != nil {
				return err
			}
		}
	}

	return nil
}

func loadEnvFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		if strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`) {
			value = strings.Trim(value, `"`)
		} else if strings.HasPrefix(value, "'") && strings.HasSuffix(value, "'") {
			value = strings.Trim(value, `'`)
		}

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}

	return scanner.Err()
}

func GetEnvWithFallback(keys ...string) string {
	for _, key := range keys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	return ""
}

var envAliases = map[string][]string{
	"MEDX_SECURITY_JWT_SECRET":                    {"MEDX_JWT_SECRET", "JWT_SECRET"},
	"MEDX_NOTIFICATIONS_NATIVE_VAPID_PUBLIC_KEY":  {"VAPID_PUBLIC_KEY"},
	"MEDX_NOTIFICATIONS_NATIVE_VAPID_PRIVATE_KEY": {"VAPID_PRIVATE_KEY"},
	"MEDX_NOTIFICATIONS_NATIVE_SUBSCRIBER":        {"VAPID_SUBJECT"},
	"MEDX_CAREGIVERS_TELEGRAM_TOKEN":              {"TELEGRAM_BOT_TOKEN"},
	"MEDX_CAREGIVERS_DISCORD_TOKEN":               {"DISCORD_BOT_TOKEN"},
}

// ResolveEnvWithAliases returns the canonical variable, or the first alias set.
func ResolveEnvWithAliases(canonicalKey string) string {
	return GetEnvWithFallback(append([]string{canonicalKey}, envAliases[canonicalKey]...)...)
}
