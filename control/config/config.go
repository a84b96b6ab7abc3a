// Package config holds the settings for run-clock.  Everything can be set with flags; a YAML file
// is convenient for installs with the meters on an expander.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
	"periph.io/x/conn/v3/physic"
)

// Config describes how the meters are wired and where the debug server listens.
type Config struct {
	// Outputs for each hand: a host pin name like "GPIO17", or "pca9685:<n>".
	Seconds string `yaml:"seconds"`
	Minutes string `yaml:"minutes"`
	Hours   string `yaml:"hours"`

	// Period is the time between hand updates.
	Period time.Duration `yaml:"period"`
	// Frequency is the PWM carrier frequency, like "800Hz".
	Frequency string `yaml:"frequency"`

	// I2CBus and PCA9685Addr locate the expander, if any output uses one.  An empty bus name
	// means the first bus.
	I2CBus      string `yaml:"i2c_bus"`
	PCA9685Addr uint16 `yaml:"pca9685_addr"`

	// Bind is the address of the debug/metrics server.
	Bind string `yaml:"bind"`
	// Chrony is chronyd's command socket address; empty to skip monitoring it.
	Chrony string `yaml:"chrony"`
}

// Default returns the settings for the first build: three meters on GPIO17, GPIO27, and GPIO22,
// updated every 10ms.
func Default() *Config {
	return &Config{
		Seconds:     "GPIO17",
		Minutes:     "GPIO27",
		Hours:       "GPIO22",
		Period:      10 * time.Millisecond,
		Frequency:   "800Hz",
		PCA9685Addr: 0x40,
		Bind:        ":8080",
		Chrony:      "localhost:323",
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	c := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.UnmarshalStrict(b, c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return c, nil
}

// Parse builds the config from command-line arguments.  If -config names a file, it is loaded
// first and any other flags override it.
func Parse(name string, args []string) (*Config, error) {
	c := Default()
	path, err := parse(name, args, c)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if c, err = Load(path); err != nil {
			return nil, err
		}
		if _, err := parse(name, args, c); err != nil {
			return nil, err
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func parse(name string, args []string, c *Config) (string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	path := fs.String("config", "", "yaml file with settings; other flags override it")
	c.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return "", fmt.Errorf("parse flags: %w", err)
	}
	return *path, nil
}

// RegisterFlags adds a flag for each setting, defaulting to the current value.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Seconds, "seconds", c.Seconds, "output for the seconds meter; a pin name or pca9685:<channel>")
	fs.StringVar(&c.Minutes, "minutes", c.Minutes, "output for the minutes meter")
	fs.StringVar(&c.Hours, "hours", c.Hours, "output for the hours meter")
	fs.DurationVar(&c.Period, "period", c.Period, "time between hand updates")
	fs.StringVar(&c.Frequency, "frequency", c.Frequency, "pwm frequency")
	fs.StringVar(&c.I2CBus, "i2c", c.I2CBus, "i2c bus that the pca9685 is on")
	fs.Var(addrFlag{&c.PCA9685Addr}, "pca9685_addr", "i2c address of the pca9685")
	fs.StringVar(&c.Bind, "bind", c.Bind, "address to bind for debug/metrics server")
	fs.StringVar(&c.Chrony, "chrony", c.Chrony, "chronyd command socket to monitor; empty to disable")
}

// PWMFrequency parses Frequency.
func (c *Config) PWMFrequency() (physic.Frequency, error) {
	var f physic.Frequency
	if err := f.Set(c.Frequency); err != nil {
		return 0, fmt.Errorf("parse frequency %q: %w", c.Frequency, err)
	}
	return f, nil
}

// Validate checks that the settings can drive a clock.
func (c *Config) Validate() error {
	var errs []error
	if c.Seconds == "" || c.Minutes == "" || c.Hours == "" {
		errs = append(errs, errors.New("all three hands need an output"))
	}
	if c.Period <= 0 {
		errs = append(errs, fmt.Errorf("period %v must be positive", c.Period))
	}
	if f, err := c.PWMFrequency(); err != nil {
		errs = append(errs, err)
	} else if f <= 0 {
		errs = append(errs, fmt.Errorf("frequency %v must be positive", f))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid config: %v", errs)
}

type addrFlag struct{ p *uint16 }

func (a addrFlag) String() string {
	if a.p == nil {
		return ""
	}
	return fmt.Sprintf("%#x", *a.p)
}

func (a addrFlag) Set(s string) error {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return fmt.Errorf("parse i2c address %q: %w", s, err)
	}
	*a.p = uint16(v)
	return nil
}
