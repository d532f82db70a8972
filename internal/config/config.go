package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Serial    SerialConfig    `mapstructure:"serial"`
	Server    ServerConfig    `mapstructure:"server"`
	Control   ControlConfig   `mapstructure:"control"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	Positions PositionsConfig `mapstructure:"positions"`
}

type SerialConfig struct {
	Port string `mapstructure:"port"`
	Baud int    `mapstructure:"baud"`
}

type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type ControlConfig struct {
	LoopInterval time.Duration `mapstructure:"loop_interval"`
	FanCooldown  time.Duration `mapstructure:"fan_cooldown"`
}

type SnapshotConfig struct {
	Path string `mapstructure:"path"`
}

// PositionsConfig holds the X/Z targets and feed rates of the mechanical
// sequence plus the magazine geometry. Units are mm and mm/min.
type PositionsConfig struct {
	StartX          float64 `mapstructure:"start_x"`
	StartFeedRate   float64 `mapstructure:"start_feed_rate"`
	TabLiftX        float64 `mapstructure:"tab_lift_x"`
	TabLiftFeedRate float64 `mapstructure:"tab_lift_feed_rate"`
	LidPeelX        float64 `mapstructure:"lid_peel_x"`
	LidPeelFeedRate float64 `mapstructure:"lid_peel_feed_rate"`
	EjectX          float64 `mapstructure:"eject_x"`
	EjectFeedRate   float64 `mapstructure:"eject_feed_rate"`
	CanToEject      float64 `mapstructure:"can_to_eject"`
	NextCan         float64 `mapstructure:"next_can"`
	CartridgeHeight float64 `mapstructure:"cartridge_height"`
	MaxCans         int     `mapstructure:"max_cans"`
}

func Load(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")

	// Defaults setzen
	viper.SetDefault("serial.port", "/dev/ttyACM0")
	viper.SetDefault("serial.baud", 115200)
	viper.SetDefault("server.http_port", 8080)
	viper.SetDefault("server.shutdown_timeout", "30s")
	viper.SetDefault("control.loop_interval", "50ms")
	viper.SetDefault("control.fan_cooldown", "5m")
	viper.SetDefault("snapshot.path", "machine_state.json")

	viper.SetDefault("positions.start_x", 165.0)
	viper.SetDefault("positions.start_feed_rate", 600.0)
	viper.SetDefault("positions.tab_lift_x", 248.0)
	viper.SetDefault("positions.tab_lift_feed_rate", 150.0)
	viper.SetDefault("positions.lid_peel_x", 25.0)
	viper.SetDefault("positions.lid_peel_feed_rate", 150.0)
	viper.SetDefault("positions.eject_x", 248.0)
	viper.SetDefault("positions.eject_feed_rate", 600.0)
	viper.SetDefault("positions.can_to_eject", 21.0)
	viper.SetDefault("positions.next_can", 37.0)
	viper.SetDefault("positions.cartridge_height", 58.0)
	viper.SetDefault("positions.max_cans", 6)

	// Environment Variables automatisch binden (Viper Feature)
	viper.AutomaticEnv()
	viper.SetEnvPrefix("OFC") // Environment Variables mit Prefix OFC_

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is not fatal, the defaults cover every field
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}
