package config

import (
	"strings"
	"testing"
)

const serverTOML = `
[server]
bind_addr = "0.0.0.0:2333"
default_token = "shared"

[server.services.echo]
type = "tcp"
bind_addr = "0.0.0.0:5202"

[server.services.dns]
type = "udp"
bind_addr = "0.0.0.0:5353"
token = "dns-only"
`

const clientTOML = `
[client]
remote_addr = "server.example.com:2333"
default_token = "shared"

[client.services.echo]
local_addr = "127.0.0.1:5201"

[client.services.ssh]
type = "tcp"
local_addr = "127.0.0.1:22"
prewarm = 2
retry_interval = 3
`

func TestParseServer(t *testing.T) {
	c, err := Parse([]byte(serverTOML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.Server == nil || c.Client != nil {
		t.Fatal("expected server-only config")
	}
	s := c.Server
	if s.HeartbeatIntervalSecs != DefaultHeartbeatIntervalSecs {
		t.Fatalf("heartbeat interval %d, want default", s.HeartbeatIntervalSecs)
	}
	if s.VisitorQueueSize != DefaultVisitorQueueSize {
		t.Fatalf("queue size %d, want default", s.VisitorQueueSize)
	}
	echo := s.Services["echo"]
	if echo.Token != "shared" {
		t.Fatalf("default_token not inherited: %q", echo.Token)
	}
	if echo.Kind != ServiceTCP {
		t.Fatalf("kind defaulted to %q", echo.Kind)
	}
	if dns := s.Services["dns"]; dns.Token != "dns-only" || dns.Kind != ServiceUDP {
		t.Fatalf("dns service mangled: %+v", dns)
	}
}

func TestParseClient(t *testing.T) {
	c, err := Parse([]byte(clientTOML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.Client == nil {
		t.Fatal("expected client config")
	}
	ssh := c.Client.Services["ssh"]
	if ssh.Prewarm != 2 || ssh.RetryIntervalSecs != 3 {
		t.Fatalf("ssh service mangled: %+v", ssh)
	}
}

func TestParseRejects(t *testing.T) {
	cases := []struct {
		name string
		toml string
		want string
	}{
		{"empty", "", "neither"},
		{"no bind addr", "[server]\n", "bind_addr"},
		{"bad service type", `
[server]
bind_addr = ":2333"
[server.services.x]
type = "sctp"
bind_addr = ":1"
token = "t"
`, "unknown service type"},
		{"missing token", `
[server]
bind_addr = ":2333"
[server.services.x]
type = "tcp"
bind_addr = ":1"
`, "token"},
		{"udp prewarm", `
[client]
remote_addr = "h:2333"
default_token = "t"
[client.services.x]
type = "udp"
local_addr = "127.0.0.1:53"
prewarm = 1
`, "prewarm"},
		{"shared token", `
[server]
bind_addr = ":2333"
default_token = "t"
[server.services.a]
type = "tcp"
bind_addr = ":1"
[server.services.b]
type = "tcp"
bind_addr = ":2"
`, "share a token"},
		{"bad transport", `
[client]
remote_addr = "h:2333"
default_token = "t"
transport = { type = "carrier-pigeon" }
`, "transport"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.toml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestParseIdempotent(t *testing.T) {
	a, err := Parse([]byte(serverTOML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	b, err := Parse([]byte(serverTOML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	for name := range a.Server.Services {
		if !a.Server.Services[name].Equal(b.Server.Services[name]) {
			t.Fatalf("service %q differs across identical parses", name)
		}
	}
}

func TestServiceConfigEqual(t *testing.T) {
	nodelay := true
	a := ServerServiceConfig{Kind: ServiceTCP, BindAddr: ":1", Token: "t", Nodelay: &nodelay}
	b := ServerServiceConfig{Kind: ServiceTCP, BindAddr: ":1", Token: "t", Nodelay: &nodelay}
	if !a.Equal(b) {
		t.Fatal("identical configs compare unequal")
	}
	b.BindAddr = ":2"
	if a.Equal(b) {
		t.Fatal("differing configs compare equal")
	}
}
