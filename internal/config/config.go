// Package config resolves learnsync settings from defaults, an optional
// YAML config file, a .env file and LEARNSYNC_* environment variables, in
// increasing order of precedence. Command-line flags bound by the CLI win
// over all of them.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable: device.db is read from
// LEARNSYNC_DEVICE_DB.
const EnvPrefix = "LEARNSYNC"

// Keys.
const (
	KeyDeviceDB      = "device.db"
	KeyDeviceMeta    = "device.meta"
	KeyDeviceUser    = "device.user"
	KeyRemoteDB      = "remote.db"
	KeyRemoteCatalog = "remote.catalog"
	KeySyncInterval  = "sync.interval"
)

// Config is the resolved configuration.
type Config struct {
	DeviceDB      string        `json:"deviceDb"`
	DeviceMeta    string        `json:"deviceMeta"`
	DeviceUser    string        `json:"deviceUser"`
	RemoteDB      string        `json:"remoteDb"`
	RemoteCatalog string        `json:"remoteCatalog,omitempty"`
	SyncInterval  time.Duration `json:"syncInterval"`
}

// New returns a viper instance with defaults and environment binding set.
func New() *viper.Viper {
	v := viper.New()
	v.SetTypeByDefaultValue(true)
	v.SetDefault(KeyDeviceDB, "learnsync-device.db")
	v.SetDefault(KeyDeviceMeta, "learnsync-meta.yaml")
	v.SetDefault(KeyDeviceUser, "")
	v.SetDefault(KeyRemoteDB, "learnsync-remote.db")
	v.SetDefault(KeyRemoteCatalog, "")
	v.SetDefault(KeySyncInterval, 30*time.Second)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// LoadDotEnv loads path into the process environment. A missing file is
// not an error. Variables already set are not overridden.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ReadFile merges a config file into v. With file empty, learnsync.yaml is
// looked up in the working directory and skipped when absent; a named file
// must exist.
func ReadFile(v *viper.Viper, file string) error {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", file, err)
		}
		return nil
	}

	v.SetConfigName("learnsync")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// Resolve reads the final values out of v.
func Resolve(v *viper.Viper) (Config, error) {
	c := Config{
		DeviceDB:      v.GetString(KeyDeviceDB),
		DeviceMeta:    v.GetString(KeyDeviceMeta),
		DeviceUser:    v.GetString(KeyDeviceUser),
		RemoteDB:      v.GetString(KeyRemoteDB),
		RemoteCatalog: v.GetString(KeyRemoteCatalog),
		SyncInterval:  v.GetDuration(KeySyncInterval),
	}
	switch {
	case c.DeviceDB == "":
		return Config{}, fmt.Errorf("%s must not be empty", KeyDeviceDB)
	case c.DeviceMeta == "":
		return Config{}, fmt.Errorf("%s must not be empty", KeyDeviceMeta)
	case c.RemoteDB == "":
		return Config{}, fmt.Errorf("%s must not be empty", KeyRemoteDB)
	case c.SyncInterval < 0:
		return Config{}, fmt.Errorf("%s must not be negative", KeySyncInterval)
	}
	return c, nil
}
