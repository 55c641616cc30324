package websocks

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the whole client configuration, assembled once at startup and read-only afterwards.
//
// This is a normal configuration document:
//
//	listen: 127.0.0.1:1080
//	server: wss://example.com/tunnel
//	username: ann
//	password: secret
//	rule: /etc/websocks/rule.ls
//	force: false
//	racer: 2s
//	dns: 8.8.8.8:53
type Config struct {
	// Listen is the local address the SOCKS5/HTTP front-end binds.
	Listen string `yaml:"listen"`
	// Server is the remote tunnel endpoint, a ws:// or wss:// URL.
	Server string `yaml:"server"`
	// Username and Password authenticate the tunnel session.
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Rule is the path or url of the RULE file. Optional: without it every host is raced.
	Rule string `yaml:"rule"`
	// Force sends all unlisted traffic through the tunnel, skipping races.
	Force bool `yaml:"force"`
	// Racer overrides the race timeout, e.g. "1500ms". Optional.
	Racer string `yaml:"racer"`
	// Dnserv is an optional resolver address, e.g. "8.8.8.8:53".
	Dnserv string `yaml:"dns"`
}

// Validate reports the first thing wrong with the configuration. It is called before anything starts: a broken
// configuration is the only fatal startup path, while a merely missing rule file is handled by the router.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("websocks: config missing listen address")
	}
	if c.Server == "" {
		return fmt.Errorf("websocks: config missing server url")
	}
	u, err := url.Parse(c.Server)
	if err != nil {
		return fmt.Errorf("websocks: config server url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("websocks: config server url scheme must be ws or wss: %s", c.Server)
	}
	if c.Username == "" || c.Password == "" {
		return fmt.Errorf("websocks: config missing credentials")
	}
	if c.Racer != "" {
		d, err := time.ParseDuration(c.Racer)
		if err != nil {
			return fmt.Errorf("websocks: config racer: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("websocks: config racer must be positive: %s", c.Racer)
		}
	}
	return nil
}

// RacerTimeout returns the configured race timeout, or the package default.
func (c *Config) RacerTimeout() time.Duration {
	if c.Racer == "" {
		return Conf.RacerTimeout
	}
	d, err := time.ParseDuration(c.Racer)
	if err != nil {
		return Conf.RacerTimeout
	}
	return d
}

// LoadConfig reads and validates a yaml configuration file.
func LoadConfig(name string) (*Config, error) {
	buf, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}
	c := &Config{}
	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
