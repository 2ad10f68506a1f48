// Package config carries the process-wide configuration record. It is built
// once at startup and passed explicitly to constructors.
package config

import (
	"github.com/spf13/viper"

	"github.com/joestump/sdrhub/internal/proto"
)

// Version is the build version, overridable at link time.
var Version = "dev"

// Config holds all runtime configuration for the hub.
type Config struct {
	ListenAddr string
	DBPath     string

	// DefaultNodeConfig is seeded for nodes that request configuration
	// before any was stored for them.
	DefaultNodeConfig proto.NodeConfig
}

// Load reads configuration from viper, which merges flag values, env vars,
// and defaults (set up by the cobra command in cmd/sdrhub).
func Load() Config {
	return Config{
		ListenAddr: viper.GetString("listen_addr"),
		DBPath:     viper.GetString("db_path"),
		DefaultNodeConfig: proto.NodeConfig{
			StreamKinds: []proto.StreamKind{proto.StreamFFT},
			Freq:        viper.GetUint64("default_freq"),
			Amp:         uint8(viper.GetUint("default_amp")),
			Lna:         uint8(viper.GetUint("default_lna")),
			Vga:         uint8(viper.GetUint("default_vga")),
			SampleRate:  viper.GetUint64("default_sample_rate"),
		},
	}
}
