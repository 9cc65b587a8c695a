package config

import viper "github.com/spf13/viper"

// NewConfig loads configuration from defaults, the environment and an optional dghost.yml.
func NewConfig() (*Config, error) {
	v := viper.New()
	err := loadEnv(v)
	if err != nil {
		return nil, err
	}
	return loadConfig(v)
}
