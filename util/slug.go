package util

// Package util
// provides small, stateless utility functions shared across the application.
// Functions here have no dependencies on other internal packages.

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// GenerateSubdomain returns a Traefik routing label in the form
// "c-{16 hex chars}", e.g. "c-4a1f9e02b7d3c610". A single label level keeps
// it wildcard-SSL friendly: "*.ctf.example.com" covers every instance
// without per-subdomain certificate issuance.
func GenerateSubdomain() (string, error) {
	raw := make([]byte, 8)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate subdomain entropy: %w", err)
	}
	return "c-" + hex.EncodeToString(raw), nil
}
