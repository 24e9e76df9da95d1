/*
Package conf holds the session configuration of the socket emulation:
where the shared object namespace lives, the installation key baked into
pipe names, and the connect timeout.

Configuration is optional. With no config file every process of the
same user derives the same defaults (the default shared directory
embeds the uid), which is what makes independently started processes
rendezvous on the same pipe names. A TOML file pointed
to by the AFUNIX_CONF environment variable overrides individual fields:

	shared_dir = "/var/run/afunix"
	installation_key = "0123456789abcdef"
	connect_timeout_ms = 20000
*/
package conf

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	log "github.com/golang/glog"
	"golang.org/x/crypto/blake2b"
)

// EnvConfigFile names the environment variable holding the path of the
// optional TOML config file.
const EnvConfigFile = "AFUNIX_CONF"

// DefaultConnectTimeout matches the Linux connect(2) default for
// AF_UNIX of 20 seconds.
const DefaultConnectTimeout = 20 * time.Second

var keyRE = regexp.MustCompile(`^[0-9a-f]{16}$`)

// Config is the resolved session configuration.
type Config struct {
	// SharedDir is the directory acting as the session-wide shared
	// object namespace. Abstract socket links live directly in it.
	SharedDir string `toml:"shared_dir"`
	// InstallationKey is the 16 hex digit key embedded in every pipe
	// name. Processes must agree on it to find each other's pipes.
	InstallationKey string `toml:"installation_key"`
	// ConnectTimeoutMS is the connect rendezvous timeout.
	ConnectTimeoutMS int64 `toml:"connect_timeout_ms"`
}

// ConnectTimeout returns ConnectTimeoutMS as a duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMS) * time.Millisecond
}

var (
	once   sync.Once
	loaded *Config
)

// Get returns the process-wide configuration, loading it on first use.
// Load problems are logged and fall back to defaults; a socket layer
// cannot refuse to exist because a config file is malformed.
func Get() *Config {
	once.Do(func() {
		loaded = load(os.Getenv(EnvConfigFile))
	})
	return loaded
}

func load(path string) *Config {
	c := &Config{}
	if path != "" {
		if _, err := toml.DecodeFile(path, c); err != nil {
			log.Errorf("conf: cannot read %s, using defaults: %s", path, err)
			c = &Config{}
		}
	}
	if err := c.fillDefaults(); err != nil {
		log.Errorf("conf: %s", err)
	}
	return c
}

func (c *Config) fillDefaults() error {
	if c.SharedDir == "" {
		c.SharedDir = filepath.Join(os.TempDir(), fmt.Sprintf("af-unix-objects-%d", os.Getuid()))
	}
	if c.ConnectTimeoutMS <= 0 {
		c.ConnectTimeoutMS = DefaultConnectTimeout.Milliseconds()
	}
	if c.InstallationKey == "" {
		c.InstallationKey = DeriveKey(c.SharedDir)
	} else if !keyRE.MatchString(c.InstallationKey) {
		key := c.InstallationKey
		c.InstallationKey = DeriveKey(c.SharedDir)
		return fmt.Errorf("installation_key %q is not 16 lowercase hex digits, derived %q instead", key, c.InstallationKey)
	}
	return nil
}

// DeriveKey computes the default installation key for a shared
// namespace directory. Every process pointing at the same directory
// derives the same key, so their pipe names line up.
func DeriveKey(sharedDir string) string {
	sum := blake2b.Sum256([]byte(filepath.Clean(sharedDir)))
	return hex.EncodeToString(sum[:8])
}
