// Package config loads the zipperd service configuration from an optional
// YAML file plus environment-variable overrides. All settings have working
// defaults so a development instance runs with no config file at all.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

const (
	// DefaultRPCAddr is the listen address for the Boot/Read RPC service.
	DefaultRPCAddr = "127.0.0.1:8484"
	// DefaultRelayAddr is the listen address for the request router.
	DefaultRelayAddr = "127.0.0.1:8585"

	defaultFetchTimeout = 10 * time.Second
	defaultBuildTimeout = 60 * time.Second
	defaultTokenTTL     = 5 * time.Minute
)

// Config is the zipperd service configuration.
type Config struct {
	// RPCAddr is the Boot/Read RPC listen address.
	RPCAddr string `yaml:"rpc_addr"`
	// RelayAddr is the request router listen address.
	RelayAddr string `yaml:"relay_addr"`

	// RPCRoot is the externally reachable base URL of the RPC service,
	// embedded in boot credentials and isolate configs.
	RPCRoot string `yaml:"rpc_root"`
	// RunHost is the wildcard apex under which applets are served
	// (requests arrive at <slug>.<run_host>).
	RunHost string `yaml:"run_host"`
	// SandboxHostURL is the base URL of the external isolate host that
	// forwarded applet requests are proxied to.
	SandboxHostURL string `yaml:"sandbox_host_url"`

	// InternalHosts are hostnames whose module URLs resolve against the
	// datastore instead of the network.
	InternalHosts []string `yaml:"internal_hosts"`
	// ReservedSubdomains are first labels that never map to an applet.
	ReservedSubdomains []string `yaml:"reserved_subdomains"`

	// DataDir holds the sqlite database and master key file.
	DataDir string `yaml:"data_dir"`
	// MasterKeyPath overrides the default DataDir/master.key location.
	MasterKeyPath string `yaml:"master_key_path"`

	// DevMode permits http:// module specifiers and trusts the
	// X-Forwarded-Host header on relay requests.
	DevMode bool `yaml:"dev_mode"`

	// FetchTimeout bounds a single remote module fetch.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	// BuildTimeout bounds one whole bundle build inside a boot call.
	BuildTimeout time.Duration `yaml:"build_timeout"`
	// TokenTTL is the boot credential lifetime.
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// Default returns the configuration used when no file and no environment
// overrides are present.
func Default() Config {
	return Config{
		RPCAddr:            DefaultRPCAddr,
		RelayAddr:          DefaultRelayAddr,
		RPCRoot:            "http://" + DefaultRPCAddr,
		RunHost:            "zipper.run",
		SandboxHostURL:     "http://127.0.0.1:8686",
		InternalHosts:      []string{"zipper.dev"},
		ReservedSubdomains: []string{"www", "api", "rpc", "admin"},
		DataDir:            DefaultDataDir(),
		DevMode:            false,
		FetchTimeout:       defaultFetchTimeout,
		BuildTimeout:       defaultBuildTimeout,
		TokenTTL:           defaultTokenTTL,
	}
}

// Load reads the configuration from path (optional; empty path or a missing
// file yields defaults) and then applies ZIPPER_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("ZIPPER_RPC_ADDR"); v != "" {
		cfg.RPCAddr = v
	}
	if v := os.Getenv("ZIPPER_RELAY_ADDR"); v != "" {
		cfg.RelayAddr = v
	}
	if v := os.Getenv("ZIPPER_RPC_ROOT"); v != "" {
		cfg.RPCRoot = v
	}
	if v := os.Getenv("ZIPPER_RUN_HOST"); v != "" {
		cfg.RunHost = v
	}
	if v := os.Getenv("ZIPPER_SANDBOX_HOST_URL"); v != "" {
		cfg.SandboxHostURL = v
	}
	if v := os.Getenv("ZIPPER_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("ZIPPER_MASTER_KEY_PATH"); v != "" {
		cfg.MasterKeyPath = v
	}
	if v := os.Getenv("ZIPPER_DEV_MODE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DevMode = b
		}
	}
	if v := os.Getenv("ZIPPER_INTERNAL_HOSTS"); v != "" {
		cfg.InternalHosts = splitList(v)
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c Config) validate() error {
	if c.RunHost == "" {
		return fmt.Errorf("config: run_host must not be empty")
	}
	if len(c.InternalHosts) == 0 {
		return fmt.Errorf("config: at least one internal host is required")
	}
	if c.FetchTimeout <= 0 || c.BuildTimeout <= 0 || c.TokenTTL <= 0 {
		return fmt.Errorf("config: timeouts must be positive")
	}
	return nil
}

// KeyPath returns the effective master key file location.
func (c Config) KeyPath() string {
	if c.MasterKeyPath != "" {
		return c.MasterKeyPath
	}
	return c.DataDir + string(os.PathSeparator) + "master.key"
}
