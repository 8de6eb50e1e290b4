package instance

import (
	"os"

	"github.com/angelmondragon/poolnet-backend/pkg/env"
)

const fallbackID = "worker-0"

// ID identifies this worker process in logs and ops responses:
// POOLNET_WORKER_ID when set, otherwise the hostname.
func ID() string {
	if id := env.Get("POOLNET_WORKER_ID", ""); id != "" {
		return id
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return fallbackID
}
