package client

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nearbyplayer/rathole/config"
)

func testRunner(t *testing.T, sc config.ClientServiceConfig) *serviceRunner {
	t.Helper()
	cfg, err := config.Parse([]byte(`
[client]
remote_addr = "127.0.0.1:2333"
default_token = "t"
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	c, err := New(cfg.Client, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if sc.Token == "" {
		sc.Token = "t"
	}
	r := newServiceRunner(c, "svc", sc)
	t.Cleanup(r.cancel)
	return r
}

// The reconnect policy: initial 1s, multiplier 2, cap 60s, jitter 0.5.
// Every sample must stay inside the jitter window of its nominal value.
func TestBackoffSequenceBounds(t *testing.T) {
	r := testRunner(t, config.ClientServiceConfig{Kind: config.ServiceTCP, LocalAddr: "127.0.0.1:1"})
	bo := r.newBackoff()
	nominal := backoffInitial
	for i := 0; i < 12; i++ {
		d := bo.NextBackOff()
		lo := time.Duration(float64(nominal) * (1 - backoffJitter))
		hi := time.Duration(float64(nominal) * (1 + backoffJitter))
		if d < lo || d > hi {
			t.Fatalf("step %d: %v outside [%v, %v]", i, d, lo, hi)
		}
		if next := time.Duration(float64(nominal) * backoffMultiplier); next < backoffMax {
			nominal = next
		} else {
			nominal = backoffMax
		}
	}
	// Unbounded elapsed time: the policy never gives up.
	for i := 0; i < 50; i++ {
		if bo.NextBackOff() < 0 {
			t.Fatal("backoff stopped retrying")
		}
	}
}

func TestBackoffRetryIntervalOverride(t *testing.T) {
	r := testRunner(t, config.ClientServiceConfig{
		Kind:              config.ServiceTCP,
		LocalAddr:         "127.0.0.1:1",
		RetryIntervalSecs: 5,
	})
	bo := r.newBackoff()
	d := bo.NextBackOff()
	lo := time.Duration(float64(5*time.Second) * (1 - backoffJitter))
	hi := time.Duration(float64(5*time.Second) * (1 + backoffJitter))
	if d < lo || d > hi {
		t.Fatalf("first retry %v outside [%v, %v]", d, lo, hi)
	}
}
