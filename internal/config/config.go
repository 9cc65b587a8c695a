package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/li-yechao/dghost/internal/constants"
	"github.com/rs/zerolog/log"
	viper "github.com/spf13/viper"
)

// platformEnv maps config keys to the variables injected by the hosting platform.
var platformEnv = map[string]string{
	"listen_port": "BLOCKLET_PORT",
	"app_dir":     "BLOCKLET_APP_DIR",
	"data_dir":    "BLOCKLET_DATA_DIR",
	"app_url":     "BLOCKLET_APP_URL",
}

func loadEnv(v *viper.Viper) error {
	v.SetEnvPrefix("dghost")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, env := range platformEnv {
		err := v.BindEnv(key, constants.EnvPrefix+strings.ToUpper(key), env)
		if err != nil {
			return err
		}
	}

	v.SetDefault("listen_port", 3030)
	v.SetDefault("app_dir", ".")
	v.SetDefault("data_dir", filepath.Join(os.Getenv("HOME"), ".dghost"))
	v.SetDefault("app_url", "http://localhost:3030")
	v.SetDefault("mount_point", constants.DefaultMountPoint)

	v.SetDefault("ghost.version", constants.DefaultGhostVersion)
	v.SetDefault("ghost.archive", "")
	v.SetDefault("ghost.strip", 1)
	v.SetDefault("ghost.host", constants.DefaultGhostHost)
	v.SetDefault("ghost.preferred_port", constants.DefaultGhostPort)
	v.SetDefault("ghost.node_binary", constants.DefaultGhostNodeExec)
	v.SetDefault("ghost.config_overrides", map[string]interface{}{})

	v.SetDefault("install.command", constants.DefaultInstallCommand)
	v.SetDefault("install.timeout", 15*time.Minute)

	v.SetDefault("identity.url", "")
	v.SetDefault("identity.token", "")
	v.SetDefault("identity.timeout", 5*time.Second)

	v.SetDefault("access.prefix", "")
	v.SetDefault("access.roles", constants.DefaultAllowedRoles)

	v.SetDefault("supervisor.stop_grace_period", 10*time.Second)
	v.SetDefault("supervisor.ready_timeout", 60*time.Second)
	v.SetDefault("supervisor.restart_on_crash", false)
	v.SetDefault("supervisor.restart_max_elapsed", 5*time.Minute)

	v.SetDefault("admin.listen_addr", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	return nil
}

func loadConfig(v *viper.Viper) (*Config, error) {
	v.SetConfigType("yml")
	v.SetConfigName("dghost")
	v.AddConfigPath(v.GetString("data_dir"))
	v.AddConfigPath("$HOME/.dghost")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		log.Debug().Msg("no dghost.yml found, using defaults and environment")
	}

	var config Config
	err := v.Unmarshal(&config)
	if err != nil {
		return nil, err
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	log.Debug().Msgf("Loaded dghost config: %+v", config)

	return &config, nil
}

type GhostConfig struct {
	Version         string                 `mapstructure:"version"`
	Archive         string                 `mapstructure:"archive"`
	Strip           int                    `mapstructure:"strip"`
	Host            string                 `mapstructure:"host"`
	PreferredPort   int                    `mapstructure:"preferred_port"`
	NodeBinary      string                 `mapstructure:"node_binary"`
	ConfigOverrides map[string]interface{} `mapstructure:"config_overrides"`
}

type InstallConfig struct {
	Command []string      `mapstructure:"command"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type IdentityConfig struct {
	URL     string        `mapstructure:"url"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type AccessConfig struct {
	Prefix string   `mapstructure:"prefix"`
	Roles  []string `mapstructure:"roles"`
}

type SupervisorConfig struct {
	StopGracePeriod   time.Duration `mapstructure:"stop_grace_period"`
	ReadyTimeout      time.Duration `mapstructure:"ready_timeout"`
	RestartOnCrash    bool          `mapstructure:"restart_on_crash"`
	RestartMaxElapsed time.Duration `mapstructure:"restart_max_elapsed"`
}

type AdminConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type Config struct {
	ListenPort int    `mapstructure:"listen_port"`
	AppDir     string `mapstructure:"app_dir"`
	DataDir    string `mapstructure:"data_dir"`
	AppURL     string `mapstructure:"app_url"`
	MountPoint string `mapstructure:"mount_point"`

	Ghost      GhostConfig      `mapstructure:"ghost"`
	Install    InstallConfig    `mapstructure:"install"`
	Identity   IdentityConfig   `mapstructure:"identity"`
	Access     AccessConfig     `mapstructure:"access"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Admin      AdminConfig      `mapstructure:"admin"`
	Log        LogConfig        `mapstructure:"log"`
}

func (c *Config) validate() error {
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("invalid listen_port %d", c.ListenPort)
	}
	if _, err := url.Parse(c.AppURL); err != nil {
		return fmt.Errorf("invalid app_url %q: %w", c.AppURL, err)
	}
	if !strings.HasPrefix(c.MountPoint, "/") {
		return fmt.Errorf("mount_point must start with '/', got %q", c.MountPoint)
	}
	if c.Ghost.Strip < 0 {
		return fmt.Errorf("ghost.strip must not be negative, got %d", c.Ghost.Strip)
	}
	if len(c.Install.Command) == 0 {
		return errors.New("install.command must not be empty")
	}
	return nil
}

// GhostDir is the root of the version store, the content tree and the runtime config.
func (c *Config) GhostDir() string {
	return filepath.Join(c.DataDir, constants.GhostDirName)
}

// ArchivePath is the release tarball to install. It defaults to the one bundled in the app dir.
func (c *Config) ArchivePath() string {
	if c.Ghost.Archive != "" {
		return c.Ghost.Archive
	}
	return filepath.Join(c.AppDir, fmt.Sprintf("ghost-%s.tgz", c.Ghost.Version))
}

func (c *Config) LedgerPath() string {
	return filepath.Join(c.GhostDir(), constants.LedgerFileName)
}

// AppHost is the externally visible host of the application, used as the upstream Host header.
func (c *Config) AppHost() string {
	u, err := url.Parse(c.AppURL)
	if err != nil {
		return ""
	}
	return u.Host
}

// GhostURL is the fully qualified base URL the application should generate links for.
func (c *Config) GhostURL() string {
	u, err := url.Parse(c.AppURL)
	if err != nil {
		return c.AppURL
	}
	return u.JoinPath(c.MountPoint).String()
}
