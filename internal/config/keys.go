package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Get resolves a flat dotted key against the config tree. Returns the
// value as a string and whether the key is recognized.
func (c *Config) Get(key string) (string, bool) {
	switch key {
	case "daemon.port":
		return strconv.Itoa(c.Daemon.Port), true
	case "daemon.workspace":
		return c.Daemon.Workspace, true
	case "daemon.request_timeout":
		return c.Daemon.RequestTimeout, true
	case "memory.default_ttl_days":
		return strconv.Itoa(c.Memory.DefaultTTLDays), true
	case "memory.half_life_days":
		return strconv.Itoa(c.Memory.HalfLifeDays), true
	case "memory.allow_hard_delete":
		return strconv.FormatBool(c.Memory.AllowHardDelete), true
	case "memory.database_path":
		return c.Memory.DatabasePath, true
	case "memory.queue_path":
		return c.Memory.QueuePath, true
	case "safety.resonance_threshold":
		return strconv.FormatFloat(c.Safety.ResonanceThreshold, 'f', -1, 64), true
	case "falkordb.host":
		return c.Graph.Host, true
	case "falkordb.port":
		return strconv.Itoa(c.Graph.Port), true
	case "falkordb.password":
		return c.Graph.Password, true
	case "embedding.provider":
		return c.Embedding.Provider, true
	case "mcp_discovery.allowlist_path":
		return c.MCPDiscovery.AllowlistPath, true
	case "mcp_discovery.timeout_sec":
		return strconv.Itoa(c.MCPDiscovery.TimeoutSec), true
	case "mcp_discovery.refresh_sec":
		return strconv.Itoa(c.MCPDiscovery.RefreshSec), true
	case "engrams.branch":
		return c.Engrams.Branch, true
	case "engrams.dir":
		return c.Engrams.Dir, true
	case "webhook.secret":
		return c.Webhook.Secret, true
	case "context_plugins":
		return strings.Join(c.ContextPlugins, ","), true
	}
	return "", false
}

// Set assigns a flat dotted key. Unknown keys and unparseable values
// return an error; nothing is mutated on failure.
func (c *Config) Set(key, value string) error {
	switch key {
	case "daemon.port":
		return setInt(&c.Daemon.Port, key, value)
	case "daemon.workspace":
		c.Daemon.Workspace = value
	case "daemon.request_timeout":
		c.Daemon.RequestTimeout = value
	case "memory.default_ttl_days":
		return setInt(&c.Memory.DefaultTTLDays, key, value)
	case "memory.half_life_days":
		return setInt(&c.Memory.HalfLifeDays, key, value)
	case "memory.allow_hard_delete":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid bool for %s: %w", key, err)
		}
		c.Memory.AllowHardDelete = b
	case "memory.database_path":
		c.Memory.DatabasePath = value
	case "memory.queue_path":
		c.Memory.QueuePath = value
	case "safety.resonance_threshold":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid float for %s: %w", key, err)
		}
		c.Safety.ResonanceThreshold = f
	case "falkordb.host":
		c.Graph.Host = value
	case "falkordb.port":
		return setInt(&c.Graph.Port, key, value)
	case "falkordb.password":
		c.Graph.Password = value
	case "embedding.provider":
		c.Embedding.Provider = value
	case "mcp_discovery.allowlist_path":
		c.MCPDiscovery.AllowlistPath = value
	case "mcp_discovery.timeout_sec":
		return setInt(&c.MCPDiscovery.TimeoutSec, key, value)
	case "mcp_discovery.refresh_sec":
		return setInt(&c.MCPDiscovery.RefreshSec, key, value)
	case "engrams.branch":
		c.Engrams.Branch = value
	case "engrams.dir":
		c.Engrams.Dir = value
	case "webhook.secret":
		c.Webhook.Secret = value
	case "context_plugins":
		c.ContextPlugins = strings.Split(value, ",")
	default:
		return fmt.Errorf("unknown config key: %s", key)
	}
	return nil
}

func setInt(dst *int, key, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid int for %s: %w", key, err)
	}
	*dst = n
	return nil
}
