package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Default configuration values (production)
const (
	DefaultDomain          = "localhost:8080"
	DefaultConnectTimeout  = 30 * time.Second
	DefaultReconnectPolicy = ReconnectRequeue
	DefaultReconnectMin    = 500 * time.Millisecond
	DefaultReconnectMax    = 15 * time.Second
	DefaultVideoWidth      = 640
	DefaultVideoHeight     = 480
	DefaultVideoBitrate    = 1_000_000
)

// DefaultSTUN is the relay candidate list used when nothing else is configured.
var DefaultSTUN = []string{
	"stun:stun.l.google.com:19302",
	"stun:global.stun.twilio.com:3478",
}

// Reconnect policies applied by the coordinator after the signaling transport
// silently reconnects.
const (
	// ReconnectRequeue re-requests a match unless a peer connection is already up.
	ReconnectRequeue = "requeue"
	// ReconnectServer does nothing and relies on the service remembering us.
	ReconnectServer = "server"
)

// Config holds application configuration
type Config struct {
	// Domain is the rendezvous server domain
	Domain string `mapstructure:"domain"`

	// Insecure selects ws:// instead of wss://
	Insecure bool `mapstructure:"insecure"`

	// ICE servers for WebRTC
	STUNServers []string `mapstructure:"stun"`
	TURNServer  string   `mapstructure:"turn"`
	TURNUser    string   `mapstructure:"turn_user"`
	TURNPass    string   `mapstructure:"turn_pass"`
	ForceRelay  bool     `mapstructure:"relay"`

	// Trickle emits ICE candidates as separate setup messages instead of
	// waiting for gathering to complete before sending the SDP.
	Trickle bool `mapstructure:"trickle"`

	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	ReconnectPolicy string        `mapstructure:"reconnect_policy"`
	ReconnectMin    time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax    time.Duration `mapstructure:"reconnect_max"`

	VideoWidth   int `mapstructure:"video_width"`
	VideoHeight  int `mapstructure:"video_height"`
	VideoBitrate int `mapstructure:"video_bitrate"`

	LogLevel string `mapstructure:"log_level"`
}

// legacyEnv maps config keys to the unprefixed environment variables that
// older deployments already export.
var legacyEnv = map[string]string{
	"domain":    "DOMAIN",
	"stun":      "STUN_SERVER",
	"turn":      "TURN_SERVER",
	"turn_user": "TURN_USERNAME",
	"turn_pass": "TURN_PASSWORD",
	"log_level": "LOG_LEVEL",
}

// RegisterFlags declares every configuration flag on fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.StringP("domain", "d", "", "Rendezvous server domain")
	fs.Bool("insecure", false, "Use ws:// instead of wss://")
	fs.StringSliceP("stun", "s", nil, "STUN server (repeatable)")
	fs.StringP("turn", "t", "", "TURN server")
	fs.StringP("turn-user", "u", "", "TURN username")
	fs.StringP("turn-pass", "p", "", "TURN password")
	fs.BoolP("relay", "r", false, "Force relay mode")
	fs.Bool("trickle", false, "Send ICE candidates as they are gathered")
	fs.Duration("connect-timeout", 0, "Give up on a match that does not connect within this time")
	fs.String("reconnect-policy", "", "What to do after a signaling reconnect: requeue or server")
	fs.String("log-level", "", "Log level: debug, info, warn, error")
	fs.String("config", "", "Path to a yaml config file")
}

// Load reads configuration with the following priority:
// 1. CLI flags - highest priority
// 2. Environment variables (STRANGER_*, then the legacy names)
// 3. Config file
// 4. Hardcoded defaults - lowest priority
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("domain", DefaultDomain)
	v.SetDefault("stun", DefaultSTUN)
	v.SetDefault("connect_timeout", DefaultConnectTimeout)
	v.SetDefault("reconnect_policy", DefaultReconnectPolicy)
	v.SetDefault("reconnect_min", DefaultReconnectMin)
	v.SetDefault("reconnect_max", DefaultReconnectMax)
	v.SetDefault("video_width", DefaultVideoWidth)
	v.SetDefault("video_height", DefaultVideoHeight)
	v.SetDefault("video_bitrate", DefaultVideoBitrate)

	v.SetEnvPrefix("stranger")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, "STRANGER_"+strings.ToUpper(key), env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if fs != nil {
		fs.VisitAll(func(f *pflag.Flag) {
			if f.Name == "config" {
				return
			}
			_ = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
		})

		if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
			v.SetConfigFile(f.Value.String())
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", f.Value.String(), err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.ReconnectPolicy {
	case ReconnectRequeue, ReconnectServer:
	default:
		return fmt.Errorf("unknown reconnect policy %q", c.ReconnectPolicy)
	}
	if c.TURNServer != "" {
		if host := turnHost(c.TURNServer); host == "" || strings.ContainsAny(host, ":/?@ ") {
			return fmt.Errorf("invalid TURN server %q: want host or turn:host", c.TURNServer)
		}
	}
	if c.ForceRelay && c.GetTURNServers() == nil {
		return errors.New("cannot force relay mode without TURN server configured")
	}
	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		return fmt.Errorf("invalid reconnect backoff %s..%s", c.ReconnectMin, c.ReconnectMax)
	}
	return nil
}

// WebSocketURL is constructed from domain
func (c *Config) WebSocketURL() string {
	scheme := "wss"
	if c.Insecure {
		scheme = "ws"
	}
	return fmt.Sprintf("%s://%s/ws", scheme, c.Domain)
}

// GetSTUNServers returns STUN server URLs as strings
func (c *Config) GetSTUNServers() []string {
	var out []string
	for _, s := range c.STUNServers {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// turnHost strips an optional turn: or turns: scheme from a TURN server value.
func turnHost(server string) string {
	host := strings.TrimSpace(server)
	for _, scheme := range []string{"turns:", "turn:"} {
		if strings.HasPrefix(strings.ToLower(host), scheme) {
			return host[len(scheme):]
		}
	}
	return host
}

// GetTURNServers returns TURN server URLs if configured. The value may be a
// bare host or carry the turn: scheme.
func (c *Config) GetTURNServers() []string {
	host := turnHost(c.TURNServer)
	if host == "" {
		return nil
	}
	return []string{
		fmt.Sprintf("turn:%s:3478?transport=udp", host),
		fmt.Sprintf("turn:%s:3478?transport=tcp", host),
		fmt.Sprintf("turns:%s:5349?transport=tcp", host),
	}
}

// GetTURNCredentials returns TURN username and password
func (c *Config) GetTURNCredentials() (string, string) {
	return c.TURNUser, c.TURNPass
}
