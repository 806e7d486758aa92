package app

import (
	"os"
	"strings"

	"github.com/google/uuid"
)

// resolveNodeID returns the configured id or "<hostname>-<random>".
// Orphan recovery only sees executions of the same id, so a stable id
// should be configured for sqlite deployments.
func resolveNodeID(configured string) string {
	if id := strings.TrimSpace(configured); id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		host = "node"
	}
	return host + "-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
}
