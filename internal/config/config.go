package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds all configuration for the daemon.
type Config struct {
	Serial   SerialConfig  `mapstructure:"serial"`
	Timeouts TimeoutConfig `mapstructure:"timeouts"`
	Server   ServerConfig  `mapstructure:"server"`
	MQTT     MQTTConfig    `mapstructure:"mqtt"`
	Audit    AuditConfig   `mapstructure:"audit"`
	Logger   LoggerConfig  `mapstructure:"logger"`
}

// SerialConfig contains the HSU transport and reset-line settings.
type SerialConfig struct {
	Port        string `mapstructure:"port"`
	BaudRate    int    `mapstructure:"baud_rate"`
	ResetPinBCM int    `mapstructure:"reset_pin_bcm"`
}

// TimeoutConfig contains the reader state machine's timing parameters.
type TimeoutConfig struct {
	Detection             time.Duration `mapstructure:"detection"`
	PresenceCheckInterval time.Duration `mapstructure:"presence_check_interval"`
	PresenceCheckTimeout  time.Duration `mapstructure:"presence_check_timeout"`
	DefaultTransceive     time.Duration `mapstructure:"default_transceive"`
}

// ServerConfig contains the status/health HTTP+WebSocket server settings.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// MQTTConfig contains the tag-event publisher settings.
type MQTTConfig struct {
	BrokerURL string `mapstructure:"broker_url"`
	ClientID  string `mapstructure:"client_id"`
	TopicRoot string `mapstructure:"topic_root"`
}

// AuditConfig contains the sqlite audit trail settings.
type AuditConfig struct {
	Path string `mapstructure:"path"`
}

// LoggerConfig contains logging settings.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	LogDir string `mapstructure:"log_dir"`
}

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		v.AddConfigPath(getConfigDir())
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; using defaults.
	}

	v.SetEnvPrefix("PN532")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("serial.port", "/dev/ttyAMA0")
	v.SetDefault("serial.baud_rate", 115200)
	v.SetDefault("serial.reset_pin_bcm", 17)

	v.SetDefault("timeouts.detection", "500ms")
	v.SetDefault("timeouts.presence_check_interval", "200ms")
	v.SetDefault("timeouts.presence_check_timeout", "100ms")
	v.SetDefault("timeouts.default_transceive", "1s")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8088)

	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "pn532readerd")
	v.SetDefault("mqtt.topic_root", "nfc")

	v.SetDefault("audit.path", "./data/audit.db")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.log_dir", "./logs")
}

// Watcher reloads timeout settings from the config file as it changes
// on disk, without restarting the reader or reopening the serial port.
type Watcher struct {
	v        *viper.Viper
	watcher  *fsnotify.Watcher
	onReload func(TimeoutConfig)
}

// NewWatcher loads configPath the same way Load does, then prepares to
// watch it for changes. Call Watch to begin reloading.
func NewWatcher(configPath string) (*Watcher, *Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		v.AddConfigPath(getConfigDir())
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	v.SetEnvPrefix("PN532")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &Watcher{v: v}, &cfg, nil
}

// Watch starts watching the config file's directory for changes. Only
// the timeout knobs are hot-reloadable: serial port, reset pin, MQTT
// broker, and audit path all require a process restart to take effect
// safely, since they're tied to open connections. onReload is called
// with the freshly parsed TimeoutConfig on every change.
func (w *Watcher) Watch(onReload func(TimeoutConfig)) error {
	file := w.v.ConfigFileUsed()
	if file == "" {
		return nil // nothing on disk to watch
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(file)); err != nil {
		fw.Close()
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(file), err)
	}
	w.watcher = fw
	w.onReload = onReload

	go w.loop(file)
	return nil
}

func (w *Watcher) loop(file string) {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := w.v.ReadInConfig(); err != nil {
				continue
			}
			var t TimeoutConfig
			if err := w.v.UnmarshalKey("timeouts", &t); err != nil {
				continue
			}
			if w.onReload != nil {
				w.onReload(t)
			}

		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops watching the config file.
func (w *Watcher) Close() error {
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}

func getConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".pn532reader")
}
