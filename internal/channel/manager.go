package channel

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/Chichichkin/K8sLoggingAgent/internal/logging"
)

// Manager rotates through a fixed list of access points per transport kind.
type Manager struct {
	mu      sync.Mutex
	servers map[logging.TransportKind][]*logging.ServerInfo
	active  map[logging.TransportKind]int
	// failures counts OnServerFailed calls per URL.
	failures map[string]int
}

func NewManager() *Manager {
	return &Manager{
		servers:  make(map[logging.TransportKind][]*logging.ServerInfo),
		active:   make(map[logging.TransportKind]int),
		failures: make(map[string]int),
	}
}

// AddServers appends access points for kind. The first one added becomes active.
func (m *Manager) AddServers(kind logging.TransportKind, urls ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, url := range urls {
		if url == "" {
			return fmt.Errorf("%w: empty access point url for %s transport", logging.ErrInvalidConfig, kind)
		}
		m.servers[kind] = append(m.servers[kind], &logging.ServerInfo{Kind: kind, URL: url})
	}
	return nil
}

func (m *Manager) ActiveServer(kind logging.TransportKind) *logging.ServerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	servers := m.servers[kind]
	if len(servers) == 0 {
		return nil
	}
	return servers[m.active[kind]]
}

func (m *Manager) OnServerFailed(server *logging.ServerInfo) {
	if server == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	servers := m.servers[server.Kind]
	if len(servers) == 0 {
		return
	}
	current := m.active[server.Kind]
	// a handle for a server that is no longer active is stale
	if servers[current] != server {
		log.Debug().Str("server", server.URL).Msg("Ignoring failure report for inactive access point")
		return
	}

	m.failures[server.URL]++
	next := (current + 1) % len(servers)
	m.active[server.Kind] = next
	log.Warn().
		Str("kind", string(server.Kind)).
		Str("failed", server.URL).
		Str("active", servers[next].URL).
		Int("failures", m.failures[server.URL]).
		Msg("Switched access point")
}

func (m *Manager) FailureCount(url string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[url]
}
