package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/courtside/scoresync/internal/config"
	"github.com/courtside/scoresync/internal/device"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseRole(s string) (device.Role, error) {
	switch device.Role(strings.ToLower(s)) {
	case device.RoleReferee:
		return device.RoleReferee, nil
	case device.RoleOrganizer:
		return device.RoleOrganizer, nil
	case device.RoleSpectator:
		return device.RoleSpectator, nil
	default:
		return "", fmt.Errorf("unknown role %q (expected referee, organizer or spectator)", s)
	}
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
