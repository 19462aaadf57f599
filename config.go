package swout

import (
	"encoding/json"
	"net"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/hubertat/swout/drivers"
)

const (
	defaultName                = "swout"
	defaultHttpAddr            = ":8080"
	defaultHardwareTimeoutText = "2s"
	defaultTokenTtl            = "24h"
	defaultLogLevel            = "info"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// User may request API tokens. PasswordHash is a bcrypt hash, see
// HashPassword.
type User struct {
	Username     string
	PasswordHash string
}

// Config is read from the json config file. Exactly one of the driver
// sections (Gpio, Mcp23017, Periph, FakeDriver) must be present.
type Config struct {
	Name     string
	HttpAddr string
	// outputs are kept in memory only when empty
	DataFile string

	HardwareTimeout string
	TokenTtl        string
	LogLevel        string
	AllowOrigin     string

	Users []User

	Gpio       *drivers.GpIO
	Mcp23017   *drivers.McpIO
	Periph     *drivers.PeriphIO
	FakeDriver *drivers.MockIoDriver

	HkPin       string
	HkDirectory string
	HkAddress   string
	HkDebug     bool

	MqttBroker      string
	MqttTopicPrefix string
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "can't read config file %s", path)
	}

	cfg := &Config{}
	if err = json.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed unmarshalling json config %s", path)
	}

	cfg.applyDefaults()
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if len(c.Name) == 0 {
		c.Name = defaultName
	}
	if len(c.HttpAddr) == 0 {
		c.HttpAddr = defaultHttpAddr
	}
	if len(c.HardwareTimeout) == 0 {
		c.HardwareTimeout = defaultHardwareTimeoutText
	}
	if len(c.TokenTtl) == 0 {
		c.TokenTtl = defaultTokenTtl
	}
	if len(c.LogLevel) == 0 {
		c.LogLevel = defaultLogLevel
	}
	if len(c.MqttTopicPrefix) == 0 {
		c.MqttTopicPrefix = c.Name
	}
}

func (c *Config) Validate() error {
	if _, err := c.Driver(); err != nil {
		return err
	}
	if _, _, err := net.SplitHostPort(c.HttpAddr); err != nil {
		return errors.Wrapf(err, "invalid HttpAddr %q", c.HttpAddr)
	}
	if _, err := c.HardwareTimeoutDuration(); err != nil {
		return err
	}
	if _, err := c.TokenTtlDuration(); err != nil {
		return err
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrapf(err, "invalid LogLevel %q", c.LogLevel)
	}
	if len(c.HkPin) > 0 && len(c.HkPin) != 8 {
		return errors.Errorf("invalid HkPin: must have 8 digits")
	}
	for _, u := range c.Users {
		if len(u.Username) == 0 || len(u.PasswordHash) == 0 {
			return errors.New("invalid Users: username and password hash are required")
		}
	}
	return nil
}

// Driver returns the one configured pin driver.
func (c *Config) Driver() (drivers.PinDriver, error) {
	configured := []drivers.PinDriver{}
	if c.Gpio != nil {
		configured = append(configured, c.Gpio)
	}
	if c.Mcp23017 != nil {
		configured = append(configured, c.Mcp23017)
	}
	if c.Periph != nil {
		configured = append(configured, c.Periph)
	}
	if c.FakeDriver != nil {
		configured = append(configured, c.FakeDriver)
	}

	switch len(configured) {
	case 0:
		known := []string{}
		for name := range drivers.MapAllPinDrivers() {
			known = append(known, name)
		}
		sort.Strings(known)
		return nil, errors.Errorf("no pin driver configured, set one of Gpio, Mcp23017, Periph, FakeDriver (drivers: %s)", strings.Join(known, ", "))
	case 1:
		return configured[0], nil
	default:
		names := []string{}
		for _, d := range configured {
			names = append(names, d.String())
		}
		return nil, errors.Errorf("only one pin driver may be configured, got: %s", strings.Join(names, ", "))
	}
}

func (c *Config) Store() Store {
	if len(c.DataFile) == 0 {
		return NewMemoryStore()
	}
	return NewFileStore(c.DataFile)
}

func (c *Config) HardwareTimeoutDuration() (time.Duration, error) {
	d, err := time.ParseDuration(c.HardwareTimeout)
	if err != nil || d <= 0 {
		return 0, errors.Errorf("invalid HardwareTimeout %q: must be a positive duration", c.HardwareTimeout)
	}
	return d, nil
}

func (c *Config) TokenTtlDuration() (time.Duration, error) {
	d, err := time.ParseDuration(c.TokenTtl)
	if err != nil || d <= 0 {
		return 0, errors.Errorf("invalid TokenTtl %q: must be a positive duration", c.TokenTtl)
	}
	return d, nil
}

// Authenticate checks username and password against the configured users.
func (c *Config) Authenticate(username, password string) error {
	for _, u := range c.Users {
		if u.Username != username {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
			return ErrInvalidCredentials
		}
		return nil
	}
	return ErrInvalidCredentials
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", errors.Wrap(err, "failed to hash password")
	}
	return string(hash), nil
}
