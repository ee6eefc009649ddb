package bootstrap

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// MetadataAttribute is the instance metadata key holding the Config as JSON.
const MetadataAttribute = "bootfleet-bootstrap"

// Config describes the application the sequencer installs. The zero value
// plus WithDefaults installs the Flask tutorial.
type Config struct {
	// AppDir contains everything the app needs, including the marker.
	AppDir string `json:"appDir,omitempty"`

	RepoURL string `json:"repoURL,omitempty"`
	RepoDir string `json:"repoDir,omitempty"`
	VenvDir string `json:"venvDir,omitempty"`

	// Packages installed with apt-get before anything else.
	Packages []string `json:"packages,omitempty"`

	// Env is set for the init command and in the unit.
	Env map[string]string `json:"env,omitempty"`

	// InitArgs are passed to the venv's python to initialize app state.
	InitArgs []string `json:"initArgs,omitempty"`

	// RunArgs are passed to the venv's python by the unit. When empty
	// they're derived from Port.
	RunArgs []string `json:"runArgs,omitempty"`

	Port        int    `json:"port,omitempty"`
	ServiceName string `json:"serviceName,omitempty"`
	Description string `json:"description,omitempty"`
	RestartSec  int    `json:"restartSec,omitempty"`
	UnitDir     string `json:"unitDir,omitempty"`

	StatePath  string `json:"statePath,omitempty"`
	MarkerPath string `json:"markerPath,omitempty"`
	LogPath    string `json:"logPath,omitempty"`
}

func (c Config) WithDefaults() Config {
	if c.AppDir == "" {
		c.AppDir = "/opt/flask-tutorial"
	}
	if c.RepoURL == "" {
		c.RepoURL = "https://github.com/cu-csci-4253-datacenter/flask-tutorial"
	}
	if c.RepoDir == "" {
		c.RepoDir = filepath.Join(c.AppDir, "flask-tutorial")
	}
	if c.VenvDir == "" {
		c.VenvDir = filepath.Join(c.AppDir, "venv")
	}
	if len(c.Packages) == 0 {
		c.Packages = []string{"python3", "python3-pip",
			"python3-venv", "git", "ca-certificates"}
	}
	if len(c.Env) == 0 {
		c.Env = map[string]string{"FLASK_APP": "flaskr"}
	}
	if len(c.InitArgs) == 0 {
		c.InitArgs = []string{"-m", "flask", "init-db"}
	}
	if c.Port == 0 {
		c.Port = 5000
	}
	if len(c.RunArgs) == 0 {
		c.RunArgs = []string{"-m", "flask", "run", "-h", "0.0.0.0",
			"-p", strconv.Itoa(c.Port)}
	}
	if c.ServiceName == "" {
		c.ServiceName = "flask-tutorial.service"
	}
	if c.Description == "" {
		c.Description = "Flask Tutorial App"
	}
	if c.RestartSec == 0 {
		c.RestartSec = 2
	}
	if c.UnitDir == "" {
		c.UnitDir = "/etc/systemd/system"
	}
	if c.StatePath == "" {
		c.StatePath = "/var/lib/bootfleet"
	}
	if c.MarkerPath == "" {
		c.MarkerPath = filepath.Join(c.AppDir, "READY")
	}
	if c.LogPath == "" {
		c.LogPath = "/var/log/bootfleet-bootstrap.log"
	}
	return c
}

// Python is the venv interpreter.
func (c Config) Python() string {
	return filepath.Join(c.VenvDir, "bin", "python")
}

func ParseConfig(path string) (Config, error) {
	byt, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read file: %w", err)
	}
	return UnmarshalConfig(byt)
}

func UnmarshalConfig(byt []byte) (Config, error) {
	var c Config
	if err := json.Unmarshal(byt, &c); err != nil {
		return c, fmt.Errorf("unmarshal: %w", err)
	}
	return c.WithDefaults(), nil
}

// ReadyLine is printed to the console once the app is serving. Drivers watch
// the serial port for it.
func ReadyLine(instance string) string {
	return "bootfleet-ready " + instance
}

// FailedLine is printed to the console when a step fails.
func FailedLine(instance, step string) string {
	return fmt.Sprintf("bootfleet-failed %s step=%s", instance, step)
}
