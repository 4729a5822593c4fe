// Package config loads and validates the TOML configuration consumed by
// the server and client cores. Load returns a fully defaulted snapshot;
// running services never see a partially validated value.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/pelletier/go-toml"

	"github.com/nearbyplayer/rathole/transport"
)

// ServiceKind distinguishes TCP and UDP services.
type ServiceKind string

const (
	ServiceTCP ServiceKind = "tcp"
	ServiceUDP ServiceKind = "udp"
)

// Spec defaults. Every one of these is overridable in the file.
const (
	DefaultHeartbeatIntervalSecs     = 30
	DefaultHeartbeatTimeoutSecs      = 40
	DefaultPendingVisitorTimeoutSecs = 5
	DefaultDataChannelTimeoutSecs    = 10
	DefaultUDPIdleTimeoutSecs        = 60
	DefaultShutdownGraceSecs         = 5
	DefaultVisitorQueueSize          = 1024
	DefaultHandshakeTimeoutSecs      = 10
)

// ServerServiceConfig describes one exposed service on the server side.
type ServerServiceConfig struct {
	Kind     ServiceKind `toml:"type"`
	BindAddr string      `toml:"bind_addr"`
	Token    string      `toml:"token"`
	Nodelay  *bool       `toml:"nodelay"`
}

// ClientServiceConfig describes one forwarded service on the client side.
type ClientServiceConfig struct {
	Kind      ServiceKind `toml:"type"`
	LocalAddr string      `toml:"local_addr"`
	Token     string      `toml:"token"`
	Nodelay   *bool       `toml:"nodelay"`
	// RetryIntervalSecs overrides the initial reconnect backoff interval.
	RetryIntervalSecs int `toml:"retry_interval"`
	// Prewarm keeps up to N data channels pre-established (TCP only).
	Prewarm int `toml:"prewarm"`
}

// ServerConfig is the [server] section.
type ServerConfig struct {
	BindAddr     string           `toml:"bind_addr"`
	DefaultToken string           `toml:"default_token"`
	Transport    transport.Config `toml:"transport"`
	MetricsAddr  string           `toml:"metrics_addr"`

	HandshakeTimeoutSecs      int `toml:"handshake_timeout"`
	HeartbeatIntervalSecs     int `toml:"heartbeat_interval"`
	HeartbeatTimeoutSecs      int `toml:"heartbeat_timeout"`
	PendingVisitorTimeoutSecs int `toml:"pending_visitor_timeout"`
	DataChannelTimeoutSecs    int `toml:"idle_data_channel_timeout"`
	UDPIdleTimeoutSecs        int `toml:"udp_idle_timeout"`
	ShutdownGraceSecs         int `toml:"shutdown_grace"`
	VisitorQueueSize          int `toml:"visitor_queue_size"`

	Services map[string]ServerServiceConfig `toml:"services"`
}

// ClientConfig is the [client] section.
type ClientConfig struct {
	RemoteAddr   string           `toml:"remote_addr"`
	DefaultToken string           `toml:"default_token"`
	Transport    transport.Config `toml:"transport"`

	HandshakeTimeoutSecs  int `toml:"handshake_timeout"`
	HeartbeatIntervalSecs int `toml:"heartbeat_interval"`
	HeartbeatTimeoutSecs  int `toml:"heartbeat_timeout"`
	UDPIdleTimeoutSecs    int `toml:"udp_idle_timeout"`
	ShutdownGraceSecs     int `toml:"shutdown_grace"`

	Services map[string]ClientServiceConfig `toml:"services"`
}

// Config is one immutable configuration snapshot.
type Config struct {
	Server *ServerConfig `toml:"server"`
	Client *ClientConfig `toml:"client"`
}

// Load reads, parses, defaults, and validates a configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse builds a snapshot from raw TOML bytes.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := toml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if s := c.Server; s != nil {
		defaultInt(&s.HandshakeTimeoutSecs, DefaultHandshakeTimeoutSecs)
		defaultInt(&s.HeartbeatIntervalSecs, DefaultHeartbeatIntervalSecs)
		defaultInt(&s.HeartbeatTimeoutSecs, DefaultHeartbeatTimeoutSecs)
		defaultInt(&s.PendingVisitorTimeoutSecs, DefaultPendingVisitorTimeoutSecs)
		defaultInt(&s.DataChannelTimeoutSecs, DefaultDataChannelTimeoutSecs)
		defaultInt(&s.UDPIdleTimeoutSecs, DefaultUDPIdleTimeoutSecs)
		defaultInt(&s.ShutdownGraceSecs, DefaultShutdownGraceSecs)
		defaultInt(&s.VisitorQueueSize, DefaultVisitorQueueSize)
		for name, svc := range s.Services {
			if svc.Kind == "" {
				svc.Kind = ServiceTCP
			}
			if svc.Token == "" {
				svc.Token = s.DefaultToken
			}
			s.Services[name] = svc
		}
	}
	if cl := c.Client; cl != nil {
		defaultInt(&cl.HandshakeTimeoutSecs, DefaultHandshakeTimeoutSecs)
		defaultInt(&cl.HeartbeatIntervalSecs, DefaultHeartbeatIntervalSecs)
		defaultInt(&cl.HeartbeatTimeoutSecs, DefaultHeartbeatTimeoutSecs)
		defaultInt(&cl.UDPIdleTimeoutSecs, DefaultUDPIdleTimeoutSecs)
		defaultInt(&cl.ShutdownGraceSecs, DefaultShutdownGraceSecs)
		for name, svc := range cl.Services {
			if svc.Kind == "" {
				svc.Kind = ServiceTCP
			}
			if svc.Token == "" {
				svc.Token = cl.DefaultToken
			}
			cl.Services[name] = svc
		}
	}
}

func defaultInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

// Validate rejects semantically broken snapshots.
func (c *Config) Validate() error {
	if c.Server == nil && c.Client == nil {
		return errors.New("config has neither [server] nor [client]")
	}
	if s := c.Server; s != nil {
		if s.BindAddr == "" {
			return errors.New("[server] bind_addr is required")
		}
		if err := validAddr(s.BindAddr); err != nil {
			return fmt.Errorf("[server] bind_addr: %w", err)
		}
		if _, err := transport.New(s.Transport); err != nil {
			return fmt.Errorf("[server] transport: %w", err)
		}
		if err := validServerTransport(s.Transport); err != nil {
			return fmt.Errorf("[server] transport: %w", err)
		}
		byToken := make(map[string]string, len(s.Services))
		for name, svc := range s.Services {
			// The token digest identifies the service on the wire, so a
			// shared token would make two services indistinguishable.
			if other, dup := byToken[svc.Token]; dup && svc.Token != "" {
				return fmt.Errorf("services %q and %q share a token", other, name)
			}
			byToken[svc.Token] = name
		}
		for name, svc := range s.Services {
			if err := validKind(svc.Kind); err != nil {
				return fmt.Errorf("service %q: %w", name, err)
			}
			if svc.BindAddr == "" {
				return fmt.Errorf("service %q: bind_addr is required", name)
			}
			if err := validAddr(svc.BindAddr); err != nil {
				return fmt.Errorf("service %q bind_addr: %w", name, err)
			}
			if svc.Token == "" {
				return fmt.Errorf("service %q: no token and no default_token", name)
			}
		}
	}
	if cl := c.Client; cl != nil {
		if cl.RemoteAddr == "" {
			return errors.New("[client] remote_addr is required")
		}
		if err := validAddr(cl.RemoteAddr); err != nil {
			return fmt.Errorf("[client] remote_addr: %w", err)
		}
		if _, err := transport.New(cl.Transport); err != nil {
			return fmt.Errorf("[client] transport: %w", err)
		}
		if err := validClientTransport(cl.Transport); err != nil {
			return fmt.Errorf("[client] transport: %w", err)
		}
		byToken := make(map[string]string, len(cl.Services))
		for name, svc := range cl.Services {
			if other, dup := byToken[svc.Token]; dup && svc.Token != "" {
				return fmt.Errorf("services %q and %q share a token", other, name)
			}
			byToken[svc.Token] = name
		}
		for name, svc := range cl.Services {
			if err := validKind(svc.Kind); err != nil {
				return fmt.Errorf("service %q: %w", name, err)
			}
			if svc.LocalAddr == "" {
				return fmt.Errorf("service %q: local_addr is required", name)
			}
			if err := validAddr(svc.LocalAddr); err != nil {
				return fmt.Errorf("service %q local_addr: %w", name, err)
			}
			if svc.Token == "" {
				return fmt.Errorf("service %q: no token and no default_token", name)
			}
			if svc.Prewarm > 0 && svc.Kind != ServiceTCP {
				return fmt.Errorf("service %q: prewarm only applies to tcp services", name)
			}
		}
	}
	return nil
}

// validServerTransport catches listen-side settings that would only fail
// at bind time.
func validServerTransport(t transport.Config) error {
	needsCert := t.Type == transport.TypeTLS || (t.Type == transport.TypeWebsocket && t.Websocket.TLS)
	if needsCert && (t.TLS.CertFile == "" || t.TLS.KeyFile == "") {
		return errors.New("tls requires cert_file and key_file")
	}
	if t.Type == transport.TypeNoise && noisePatternNeedsStatic(t.Noise.Pattern) && t.Noise.LocalPrivateKey == "" {
		return errors.New("noise requires local_private_key")
	}
	return nil
}

// noisePatternNeedsStatic reports whether the pattern authenticates the
// server with a static key (the default NK does; NN does not).
func noisePatternNeedsStatic(pattern string) bool {
	return pattern == "" || strings.HasPrefix(pattern, "Noise_NK")
}

// validClientTransport catches dial-side settings that would only fail at
// connect time.
func validClientTransport(t transport.Config) error {
	if t.Type == transport.TypeNoise && noisePatternNeedsStatic(t.Noise.Pattern) && t.Noise.RemotePublicKey == "" {
		return errors.New("noise requires remote_public_key")
	}
	return nil
}

func validKind(k ServiceKind) error {
	switch k {
	case ServiceTCP, ServiceUDP:
		return nil
	}
	return fmt.Errorf("unknown service type %q", k)
}

func validAddr(addr string) error {
	_, _, err := net.SplitHostPort(addr)
	return err
}

// Equal reports whether two service configs are identical; reload keeps a
// running service untouched exactly when this holds.
func (a ServerServiceConfig) Equal(b ServerServiceConfig) bool {
	return reflect.DeepEqual(a, b)
}

func (a ClientServiceConfig) Equal(b ClientServiceConfig) bool {
	return reflect.DeepEqual(a, b)
}

// Duration helpers; the file stores integer seconds.

func (s *ServerConfig) HandshakeTimeout() time.Duration {
	return time.Duration(s.HandshakeTimeoutSecs) * time.Second
}

func (s *ServerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(s.HeartbeatIntervalSecs) * time.Second
}

func (s *ServerConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(s.HeartbeatTimeoutSecs) * time.Second
}

func (s *ServerConfig) PendingVisitorTimeout() time.Duration {
	return time.Duration(s.PendingVisitorTimeoutSecs) * time.Second
}

func (s *ServerConfig) DataChannelTimeout() time.Duration {
	return time.Duration(s.DataChannelTimeoutSecs) * time.Second
}

func (s *ServerConfig) UDPIdleTimeout() time.Duration {
	return time.Duration(s.UDPIdleTimeoutSecs) * time.Second
}

func (s *ServerConfig) ShutdownGrace() time.Duration {
	return time.Duration(s.ShutdownGraceSecs) * time.Second
}

func (c *ClientConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutSecs) * time.Second
}

func (c *ClientConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSecs) * time.Second
}

func (c *ClientConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSecs) * time.Second
}

func (c *ClientConfig) UDPIdleTimeout() time.Duration {
	return time.Duration(c.UDPIdleTimeoutSecs) * time.Second
}

func (c *ClientConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSecs) * time.Second
}
