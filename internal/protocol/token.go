package protocol

import "strings"

// WorkerTokenPrefix starts the handshake subprotocol token that identifies a
// connection as a worker.
const WorkerTokenPrefix = "internal-worker-"

// WorkerToken returns the handshake token of a worker.
func WorkerToken(version, id string) string {
	return WorkerTokenPrefix + version + "-" + id
}

// ParseWorkerToken parses a `internal-worker-<version>-<id>` token. The version
// can't contain dashes, the id can.
func ParseWorkerToken(token string) (version, id string, ok bool) {
	rest, found := strings.CutPrefix(token, WorkerTokenPrefix)
	if !found {
		return "", "", false
	}

	version, id, found = strings.Cut(rest, "-")
	if !found || version == "" || id == "" {
		return "", "", false
	}

	return version, id, true
}

// FindWorkerToken returns the first valid worker token of a list of offered subprotocols.
func FindWorkerToken(subprotocols []string) (token, version, id string, ok bool) {
	for _, p := range subprotocols {
		p = strings.TrimSpace(p)
		if version, id, ok := ParseWorkerToken(p); ok {
			return p, version, id, true
		}
	}
	return "", "", "", false
}
