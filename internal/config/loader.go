package config

import (
	"errors"
	"strings"

	"github.com/spf13/viper"
)

// ReadIn wires env lookups and reads the config file.
// The envPrefix is used for environment variable lookups (e.g. "CREDITMINE").
// The configPaths are directories searched when no file is given; a missing
// file is only an error when it was named explicitly.
func ReadIn(v *viper.Viper, envPrefix string, configFile string, configPaths ...string) error {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("creditmine")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		for _, p := range configPaths {
			v.AddConfigPath(p)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) && configFile != "" {
			return err
		}
	}
	return nil
}
