package remote

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// IdentityConfig tunes local-host detection.
type IdentityConfig struct {
	LocalAddresses []string
	PublicIPLookup bool
	PublicIPURL    string
	PublicIPTTL    time.Duration
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

// Identity decides whether a target address refers to this machine.
type Identity struct {
	local     map[string]struct{}
	lookup    bool
	url       string
	ttl       time.Duration
	client    *http.Client
	logger    *slog.Logger
	group     singleflight.Group
	ifaceAddr func() ([]net.Addr, error)

	mu        sync.Mutex
	publicIP  string
	fetchedAt time.Time
}

// NewIdentity builds an Identity. Loopback names are always local.
func NewIdentity(cfg IdentityConfig) *Identity {
	local := map[string]struct{}{
		"localhost": {},
		"127.0.0.1": {},
		"::1":       {},
		"0.0.0.0":   {},
	}
	for _, addr := range cfg.LocalAddresses {
		if addr = normalizeHost(addr); addr != "" {
			local[addr] = struct{}{}
		}
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}
	ttl := cfg.PublicIPTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Identity{
		local:     local,
		lookup:    cfg.PublicIPLookup && cfg.PublicIPURL != "",
		url:       cfg.PublicIPURL,
		ttl:       ttl,
		client:    client,
		logger:    logger.With("component", "identity"),
		ifaceAddr: net.InterfaceAddrs,
	}
}

// IsLocal reports whether address names this host. An empty address is local.
func (i *Identity) IsLocal(ctx context.Context, address string) bool {
	host := normalizeHost(address)
	if host == "" {
		return true
	}
	if _, ok := i.local[host]; ok {
		return true
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return true
	}
	if i.matchesInterface(host) {
		return true
	}
	if i.lookup {
		if public := i.public(ctx); public != "" && public == host {
			return true
		}
	}
	return false
}

func (i *Identity) matchesInterface(host string) bool {
	addrs, err := i.ifaceAddr()
	if err != nil {
		return false
	}
	for _, addr := range addrs {
		var ip net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip != nil && ip.String() == host {
			return true
		}
	}
	return false
}

// public returns the cached public address, refreshing it at most once
// across concurrent callers.
func (i *Identity) public(ctx context.Context) string {
	i.mu.Lock()
	if i.publicIP != "" && time.Since(i.fetchedAt) < i.ttl {
		ip := i.publicIP
		i.mu.Unlock()
		return ip
	}
	i.mu.Unlock()

	v, err, _ := i.group.Do("public-ip", func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.url, nil)
		if err != nil {
			return "", err
		}
		resp, err := i.client.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
		if err != nil {
			return "", err
		}
		ip := normalizeHost(string(body))
		if net.ParseIP(ip) == nil {
			return "", nil
		}
		i.mu.Lock()
		i.publicIP = ip
		i.fetchedAt = time.Now()
		i.mu.Unlock()
		return ip, nil
	})
	if err != nil {
		i.logger.Warn("public ip lookup failed", "error", err)
		return ""
	}
	return v.(string)
}

func normalizeHost(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	return strings.Trim(addr, "[]")
}
