//go:build linux

package manager

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/realmkit/realmkit/internal/guest/network"
	"github.com/realmkit/realmkit/internal/guest/storage/crypt"
	"github.com/realmkit/realmkit/internal/keys"
)

// Config is the realm-manager configuration, loaded from YAML at boot.
type Config struct {
	// Workdir is where application storage is mounted and images are
	// unpacked.
	Workdir string `yaml:"workdir"`

	// VsockPort is the host port the manager dials for its control channel.
	VsockPort uint32 `yaml:"vsock_port"`

	// Crypto parameterizes the dm-crypt targets protecting app storage.
	Crypto crypt.Params `yaml:"crypto"`

	// ImageRegistry is the base URL images are provisioned from.
	ImageRegistry string `yaml:"image_registry"`

	// Sealing selects the sealing-key provider.
	Sealing keys.ProviderName `yaml:"sealing"`

	// Network optionally configures an interface for registry access.
	Network *network.Config `yaml:"network"`
}

// DefaultConfigPath is where the manager looks for its configuration unless
// overridden on the command line.
const DefaultConfigPath = "/etc/realm-manager.yaml"

// LoadConfig reads and validates the configuration at path.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	cfg := &Config{
		Workdir:   "/workdir",
		VsockPort: 1337,
		Sealing:   keys.InsecureStatic,
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Crypto.Validate(); err != nil {
		return nil, errors.Wrap(err, "crypto configuration")
	}
	if cfg.VsockPort == 0 {
		return nil, errors.New("vsock_port must be non-zero")
	}
	return cfg, nil
}
