package ghost

import (
	"path/filepath"

	"github.com/li-yechao/dghost/internal/constants"
)

// RuntimeConfig is the production config file read by the application on boot.
type RuntimeConfig struct {
	URL      string         `json:"url"`
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Mail     MailConfig     `json:"mail"`
	Logging  LoggingConfig  `json:"logging"`
	Process  string         `json:"process"`
	Paths    PathsConfig    `json:"paths"`
}

type ServerConfig struct {
	Port int    `json:"port"`
	Host string `json:"host"`
}

type DatabaseConfig struct {
	Client     string             `json:"client"`
	Connection DatabaseConnection `json:"connection"`
}

type DatabaseConnection struct {
	Filename string `json:"filename"`
}

type MailConfig struct {
	Transport string `json:"transport"`
}

type LoggingConfig struct {
	Transports []string `json:"transports"`
}

type PathsConfig struct {
	ContentPath string `json:"contentPath"`
}

// NewRuntimeConfig builds the config for one launch. Paths are absolute so the file does not
// depend on the working directory of the child.
func NewRuntimeConfig(url, host string, port int, contentDir string) (*RuntimeConfig, error) {
	absContent, err := filepath.Abs(contentDir)
	if err != nil {
		return nil, err
	}
	return &RuntimeConfig{
		URL: url,
		Server: ServerConfig{
			Port: port,
			Host: host,
		},
		Database: DatabaseConfig{
			Client: "sqlite3",
			Connection: DatabaseConnection{
				Filename: filepath.Join(absContent, "data", constants.DatabaseFileName),
			},
		},
		Mail: MailConfig{
			Transport: "Direct",
		},
		Logging: LoggingConfig{
			Transports: []string{"file", "stdout"},
		},
		Process: "local",
		Paths: PathsConfig{
			ContentPath: absContent,
		},
	}, nil
}
