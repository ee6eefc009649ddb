package fleet

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/thankful-ai/bootfleet/internal/bootstrap"
)

const (
	ConfigName = "bootfleet.json"

	// ConfigFromMetadata is passed as the config path to read the config
	// from the instance metadata attribute ConfigAttribute instead of disk.
	ConfigFromMetadata = "metadata"

	// ConfigAttribute holds the config of a delegated driver.
	ConfigAttribute = "bootfleet-config"
)

type LogFormat string

const (
	LogFormatDefault LogFormat = ""
	LogFormatConsole LogFormat = "console"
	LogFormatJSON    LogFormat = "json"
)

type LogLevel string

const (
	LogLevelDefault LogLevel = ""
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
)

type Config struct {
	Log LogConfig `json:"log,omitempty"`

	// Provider in the form gcp:$project:$region:$zone.
	Provider string `json:"provider"`

	// ServiceAccount attached to created VMs. "default" selects the
	// project's default compute service account.
	ServiceAccount string `json:"serviceAccount"`

	// Bucket holding published binaries and fleet reports.
	Bucket string `json:"bucket"`

	Machine   MachineConfig   `json:"machine"`
	Firewall  FirewallConfig  `json:"firewall"`
	Readiness ReadinessConfig `json:"readiness"`
	Bootstrap bootstrap.Config `json:"bootstrap"`
}

type LogConfig struct {
	Format LogFormat `json:"format,omitempty"`
	Level  LogLevel  `json:"level,omitempty"`
}

type MachineConfig struct {
	Type       string `json:"type"`
	Image      string `json:"image"`
	DiskSizeGB int    `json:"diskSizeGB"`
}

type FirewallConfig struct {
	Name string `json:"name"`
	Tag  string `json:"tag"`
}

type ReadinessConfig struct {
	Timeout  Duration `json:"timeout"`
	Interval Duration `json:"interval"`

	// Path requested over HTTP once the console reports ready.
	Path string `json:"path"`
}

// Duration unmarshals from strings like "90s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalJSON(byt []byte) error {
	var s string
	if err := json.Unmarshal(byt, &s); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration: %w", err)
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Provider identifies where resources live.
type Provider struct {
	Name    string
	Project string
	Region  string
	Zone    string
}

// ParseProvider parses the gcp:$project:$region:$zone form.
func ParseProvider(s string) (Provider, error) {
	var zero Provider
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return zero, fmt.Errorf("invalid cloud provider: %s", s)
	}
	p := Provider{
		Name:    parts[0],
		Project: parts[1],
		Region:  parts[2],
		Zone:    parts[3],
	}
	if p.Name != "gcp" {
		return zero, fmt.Errorf("unknown provider: %s", p.Name)
	}
	if p.Project == "" || p.Zone == "" {
		return zero, fmt.Errorf("invalid cloud provider: %s", s)
	}
	return p, nil
}

func (p Provider) String() string {
	return strings.Join([]string{p.Name, p.Project, p.Region, p.Zone}, ":")
}

func ParseConfig(configPath string) (Config, error) {
	byt, err := os.ReadFile(configPath)
	if err != nil {
		return Config{}, fmt.Errorf("read file: %w", err)
	}
	return UnmarshalConfig(byt)
}

// UnmarshalConfig decodes a config and fills in defaults for everything left
// unset.
func UnmarshalConfig(byt []byte) (Config, error) {
	var conf Config
	if err := json.Unmarshal(byt, &conf); err != nil {
		return conf, fmt.Errorf("unmarshal: %w", err)
	}
	conf = conf.withDefaults()
	if conf.Provider == "" {
		return conf, errors.New("missing provider")
	}
	if _, err := ParseProvider(conf.Provider); err != nil {
		return conf, fmt.Errorf("parse provider: %w", err)
	}
	if err := validPort(conf.Bootstrap.Port); err != nil {
		return conf, fmt.Errorf("bootstrap: %w", err)
	}
	return conf, nil
}

func validPort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port: %d", port)
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.ServiceAccount == "" {
		c.ServiceAccount = "default"
	}
	if c.Machine.Type == "" {
		c.Machine.Type = "e2-micro"
	}
	if c.Machine.Image == "" {
		c.Machine.Image = DefaultImage
	}
	if c.Machine.DiskSizeGB == 0 {
		c.Machine.DiskSizeGB = 10
	}
	if c.Firewall.Name == "" {
		c.Firewall.Name = "allow-5000"
	}
	if c.Firewall.Tag == "" {
		c.Firewall.Tag = c.Firewall.Name
	}
	if c.Readiness.Timeout == 0 {
		c.Readiness.Timeout = Duration(10 * time.Minute)
	}
	if c.Readiness.Interval == 0 {
		c.Readiness.Interval = Duration(5 * time.Second)
	}
	if c.Readiness.Path == "" {
		c.Readiness.Path = "/"
	}
	c.Bootstrap = c.Bootstrap.WithDefaults()
	return c
}

// DefaultImage is the boot image family the application is installed onto.
const DefaultImage = "projects/ubuntu-os-cloud/global/images/family/ubuntu-2204-lts"
