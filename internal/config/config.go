// Package config loads gemguard's server configuration from CLI flags
// layered with an optional INI file, matching the [Server]/[RateLimiter]/
// [Logging] sections the CLI wrapper accepts.
package config

import (
	"fmt"

	"github.com/knadh/koanf/parsers/ini"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// ServerConfig holds the [Server] section / top-level CLI flags.
type ServerConfig struct {
	IP            string `koanf:"ip"`
	Port          int    `koanf:"port"`
	CertFile      string `koanf:"certfile"`
	KeyFile       string `koanf:"keyfile"`
	NBConnections int    `koanf:"nb-connections"`
	Systemd       bool   `koanf:"systemd"`
	DisableIPv6   bool   `koanf:"disable-ipv6"`
	NoThreading   bool   `koanf:"no-threading"`
}

// RateLimiterConfig holds the [RateLimiter] section, named after the
// gemeaux confparser.py key vocabulary.
type RateLimiterConfig struct {
	HOSStrikesToBan                         int `koanf:"hos_strikes_to_ban"`
	SpeedLimiterMaxDownloadLimitPerMinute   int `koanf:"speedlimiter_max_download_limit_per_minute"`
	SpeedLimiterResetDownloadLimitPerMinute int `koanf:"speedlimiter_reset_download_limit_per_minute"`
	SpeedLimiterSleeptime                   int `koanf:"speedlimiter_sleeptime"`
	SpeedLimiterPenaltyTime                 int `koanf:"speedlimiter_penaltytime"`
	SpeedLimiterDegradationFactor           int `koanf:"speedlimiter_degradation_factor"`
	ConnectionLimiterConnectionsPerSecond   int `koanf:"connectionlimiter_connections_per_second"`
	ConnectionLimiterSleeptime              int `koanf:"connectionlimiter_sleeptime"`
	ConnectionLimiterPenaltyTime            int `koanf:"connectionlimiter_penaltytime"`
}

// LoggingConfig holds the [Logging] section.
type LoggingConfig struct {
	LogPath string `koanf:"logpath"`
}

// Config is the fully-resolved configuration the CLI wrapper hands to
// gemguard.Server.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	RateLimiter RateLimiterConfig `koanf:"ratelimiter"`
	Logging     LoggingConfig     `koanf:"logging"`
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"server.ip":             "localhost",
		"server.port":           1965,
		"server.certfile":       "cert.pem",
		"server.keyfile":        "key.pem",
		"server.nb-connections": 5,
		"server.systemd":        false,
		"server.disable-ipv6":   false,
		"server.no-threading":   false,

		"ratelimiter.hos_strikes_to_ban":                           3,
		"ratelimiter.speedlimiter_max_download_limit_per_minute":   1024000,
		"ratelimiter.speedlimiter_reset_download_limit_per_minute": 10240,
		"ratelimiter.speedlimiter_sleeptime":                       60,
		"ratelimiter.speedlimiter_penaltytime":                     60,
		"ratelimiter.speedlimiter_degradation_factor":              4,
		"ratelimiter.connectionlimiter_connections_per_second":     10,
		"ratelimiter.connectionlimiter_sleeptime":                  1,
		"ratelimiter.connectionlimiter_penaltytime":                1,

		"logging.logpath": "/var/log/gemeaux/",
	}
}

// Flags registers gemguard's CLI flags on fs and returns the --config
// flag's value pointer for Load to consult once fs.Parse has run.
func Flags(fs *pflag.FlagSet) (configPath *string) {
	fs.String("ip", "localhost", "IP/host to listen on")
	fs.Int("port", 1965, "listening port")
	fs.String("certfile", "cert.pem", "TLS certificate path")
	fs.String("keyfile", "key.pem", "TLS private key path")
	fs.Int("nb-connections", 5, "maximum accept backlog")
	fs.Bool("systemd", false, "notify systemd of readiness")
	fs.Bool("disable-ipv6", false, "listen on IPv4 only")
	fs.Bool("no-threading", false, "run the connection worker inline, disabling concurrency")
	fs.Bool("version", false, "print the version and exit")
	return fs.StringP("config", "c", "", "path to an INI config file")
}

// flagOverrides reads fs's current values into the dotted key-space
// Config's struct tags expect. fs is read with its typed getters (GetBool,
// GetInt, GetString) rather than koanf's posflag provider, since the CLI's
// flag names ("ip", "port", ...) are flat while Config nests them under
// "server." — a plain value map is simpler and more direct than remapping
// posflag's key space after the fact.
func flagOverrides(fs *pflag.FlagSet) (map[string]interface{}, error) {
	values := map[string]interface{}{}

	strs := map[string]string{"ip": "server.ip", "certfile": "server.certfile", "keyfile": "server.keyfile"}
	for flagName, key := range strs {
		v, err := fs.GetString(flagName)
		if err != nil {
			return nil, err
		}
		values[key] = v
	}

	ints := map[string]string{"port": "server.port", "nb-connections": "server.nb-connections"}
	for flagName, key := range ints {
		v, err := fs.GetInt(flagName)
		if err != nil {
			return nil, err
		}
		values[key] = v
	}

	bools := map[string]string{
		"systemd":      "server.systemd",
		"disable-ipv6": "server.disable-ipv6",
		"no-threading": "server.no-threading",
	}
	for flagName, key := range bools {
		v, err := fs.GetBool(flagName)
		if err != nil {
			return nil, err
		}
		values[key] = v
	}

	return values, nil
}

// Load resolves Config from three layers, in increasing priority: built-in
// defaults, CLI flags (fs must already be Parse'd), and — if configPath is
// non-empty — an INI file, whose present keys win over whatever the flags
// supplied. This mirrors gemeaux's own ArgsConfig: a config-file value for
// a key always overrides the command line, but a key the file omits falls
// back to the flag (which already carries its own default).
func Load(fs *pflag.FlagSet, configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("gemguard: loading config defaults: %w", err)
	}

	overrides, err := flagOverrides(fs)
	if err != nil {
		return nil, fmt.Errorf("gemguard: reading CLI flags: %w", err)
	}
	if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
		return nil, fmt.Errorf("gemguard: loading CLI flags: %w", err)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), ini.Parser()); err != nil {
			return nil, fmt.Errorf("gemguard: loading config file %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("gemguard: unmarshaling config: %w", err)
	}
	return &cfg, nil
}
