package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// GetString retrieves an environment variable or returns a fallback when unset.
func GetString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetInt retrieves an environment variable as integer or returns fallback.
func GetInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// GetBool retrieves an environment variable as bool or returns fallback.
func GetBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// GetDuration reads an integer count of unit from the environment or returns fallback.
func GetDuration(key string, unit, fallback time.Duration) time.Duration {
	if _, ok := os.LookupEnv(key); !ok {
		return fallback
	}
	return time.Duration(GetInt(key, int(fallback/unit))) * unit
}

// GetDurations reads a comma separated list of integer counts of unit. Invalid entries are skipped.
func GetDurations(key string, unit time.Duration, fallback []time.Duration) []time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []time.Duration
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil || n <= 0 {
			log.Printf("invalid entry %q for %s", part, key)
			continue
		}
		out = append(out, time.Duration(n)*unit)
	}
	return out
}
