package main

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/maeshinshin/nbns"
)

// fileConfig is the YAML layout of the daemon configuration file. Zero values
// leave the library defaults in place.
type fileConfig struct {
	Bind          string `yaml:"bind"`
	Broadcast     string `yaml:"broadcast"`
	PrimaryWINS   string `yaml:"primary_wins"`
	SecondaryWINS string `yaml:"secondary_wins"`
	Port          int    `yaml:"port"`
	Scope         string `yaml:"scope"`

	TTL             time.Duration `yaml:"ttl"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	DrainTimeout    time.Duration `yaml:"drain_timeout"`

	ReleaseOnShutdown *bool    `yaml:"release_on_shutdown"`
	DefendNames       bool     `yaml:"defend_names"`
	QueryRateLimit    *float64 `yaml:"query_rate_limit"`
	QueryBurst        int      `yaml:"query_burst"`

	ServerName string `yaml:"server_name"`
	Domain     string `yaml:"domain"`

	HTTP     string `yaml:"http"`
	AdminKey string `yaml:"admin_key"`
}

func loadConfig(path string) (fileConfig, error) {
	var fc fileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return fc, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return fc, nil
}

func parseAddr(field, s string) (netip.Addr, error) {
	if s == "" {
		return netip.Addr{}, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%s: %w", field, err)
	}
	return addr, nil
}

func (fc fileConfig) nbnsConfig() (nbns.Config, error) {
	cfg := nbns.DefaultConfig()

	var err error
	if cfg.BindAddress, err = parseAddr("bind", fc.Bind); err != nil {
		return cfg, err
	}
	if fc.Broadcast != "" {
		if cfg.BroadcastAddress, err = parseAddr("broadcast", fc.Broadcast); err != nil {
			return cfg, err
		}
	}
	if cfg.PrimaryWINS, err = parseAddr("primary_wins", fc.PrimaryWINS); err != nil {
		return cfg, err
	}
	if cfg.SecondaryWINS, err = parseAddr("secondary_wins", fc.SecondaryWINS); err != nil {
		return cfg, err
	}

	if fc.Port != 0 {
		cfg.Port = fc.Port
	}
	if fc.TTL != 0 {
		cfg.TTL = fc.TTL
	}
	if fc.RefreshInterval != 0 {
		cfg.RefreshInterval = fc.RefreshInterval
	}
	if fc.DrainTimeout != 0 {
		cfg.DrainTimeout = fc.DrainTimeout
	}
	if fc.ReleaseOnShutdown != nil {
		cfg.ReleaseOnShutdown = *fc.ReleaseOnShutdown
	}
	if fc.QueryRateLimit != nil {
		cfg.QueryRateLimit = *fc.QueryRateLimit
	}
	if fc.QueryBurst != 0 {
		cfg.QueryBurst = fc.QueryBurst
	}
	cfg.Scope = fc.Scope
	cfg.DefendNames = fc.DefendNames

	return cfg, cfg.Validate()
}

type nameSpec struct {
	name  string
	typ   nbns.NameType
	group bool
}

// hostNames returns the names a file server announces: the server name as
// file server and workstation, plus the domain as a group name.
func hostNames(server, domain string, addrs []netip.Addr) ([]nbns.Name, error) {
	server = shortName(server)
	specs := []nameSpec{
		{server, nbns.FileServer, false},
		{server, nbns.WorkStation, false},
	}
	if domain != "" {
		specs = append(specs, nameSpec{shortName(domain), nbns.Domain, true})
	}

	names := make([]nbns.Name, 0, len(specs))
	for _, spec := range specs {
		n, err := nbns.NewName(spec.name, spec.typ, spec.group, 0, addrs...)
		if err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, nil
}

// shortName strips any DNS suffix and truncates to the NetBIOS limit.
func shortName(host string) string {
	host, _, _ = strings.Cut(host, ".")
	host = strings.ToUpper(host)
	if len(host) > 15 {
		host = host[:15]
	}
	return host
}
