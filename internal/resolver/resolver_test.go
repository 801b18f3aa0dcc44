package resolver

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/rampart/internal/clock"
)

func noDelay() RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.InitialDelay = 0
	cfg.Jitter = false
	return cfg
}

func TestResolveAll(t *testing.T) {
	r := NewStaticResolver(map[string]string{
		"a.example": "10.0.0.1",
		"b.example": "10.0.0.2",
	})
	r.Failures["b.example"] = 2

	got, err := ResolveAll(context.Background(), r, []string{"a.example", "b.example", "a.example"}, 4, noDelay())
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), got["a.example"])
	assert.Equal(t, netip.MustParseAddr("10.0.0.2"), got["b.example"])
	assert.Equal(t, 1, r.Calls("a.example"), "resolved names are not retried")
	assert.Equal(t, 3, r.Calls("b.example"))
}

func TestResolveAll_Unresolvable(t *testing.T) {
	r := NewStaticResolver(map[string]string{"a.example": "10.0.0.1"})

	_, err := ResolveAll(context.Background(), r, []string{"a.example", "nx.example", "nx2.example"}, 4, noDelay())
	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, "nx.example", resErr.Name)
	assert.Equal(t, []string{"nx.example", "nx2.example"}, resErr.Unresolved)
	assert.Equal(t, "unable to resolve nx.example: nx.example: NXDOMAIN", resErr.Error())
	assert.EqualError(t, resErr.Errs["nx2.example"], "nx2.example: NXDOMAIN")
	assert.NotContains(t, resErr.Errs, "a.example")
	assert.Equal(t, 4, r.Calls("nx.example"), "one round plus three retries")
}

func TestResolveAll_RetryBound(t *testing.T) {
	r := NewStaticResolver(map[string]string{"slow.example": "10.0.0.3"})
	r.Failures["slow.example"] = 4

	_, err := ResolveAll(context.Background(), r, []string{"slow.example"}, 4, noDelay())
	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)

	r.Failures["slow.example"] = 3
	got, err := ResolveAll(context.Background(), r, []string{"slow.example"}, 4, noDelay())
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.3", got["slow.example"].String())
}

func TestResolveAll_KeepsLastLookupError(t *testing.T) {
	r := NewStaticResolver(map[string]string{"flaky.example": "10.0.0.4"})
	r.Failures["flaky.example"] = 1
	r.Failures["nx.example"] = 1

	_, err := ResolveAll(context.Background(), r, []string{"flaky.example", "nx.example"}, 4, noDelay().WithRetries(1))
	var resErr *ResolutionError
	require.ErrorAs(t, err, &resErr)
	assert.Equal(t, []string{"nx.example"}, resErr.Unresolved)
	assert.EqualError(t, errors.Unwrap(resErr), "nx.example: NXDOMAIN", "the first failure was temporary, the last one wins")
}

func TestRetry_StopsOnNonRetryableError(t *testing.T) {
	retryable := errors.New("retryable")
	fatal := errors.New("fatal")
	cfg := noDelay()
	cfg.RetryableErrors = []error{retryable}

	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		if calls == 1 {
			return retryable
		}
		return fatal
	})
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 2, calls)
}

func TestResolveAll_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ResolveAll(ctx, NewStaticResolver(nil), []string{"x"}, 4, noDelay())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetry_BackoffSchedule(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	cfg := RetryConfig{
		MaxAttempts:   5,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      500 * time.Millisecond,
		BackoffFactor: 2,
		Clock:         clk,
	}

	r := NewStaticResolver(nil)
	_, err := ResolveAll(context.Background(), r, []string{"nx.example"}, 4, cfg)
	require.Error(t, err)
	assert.Equal(t, 5, r.Calls("nx.example"))
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		500 * time.Millisecond,
	}, clk.Waits())
}

func TestRetry_WithRetries(t *testing.T) {
	assert.Equal(t, 1, DefaultRetryConfig().WithRetries(0).MaxAttempts)
	assert.Equal(t, 6, DefaultRetryConfig().WithRetries(5).MaxAttempts)
	assert.Equal(t, 1, DefaultRetryConfig().WithRetries(-2).MaxAttempts)
}

func startDNSServer(t *testing.T) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	mux := dns.NewServeMux()
	mux.HandleFunc("example.test.", func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		switch r.Question[0].Qtype {
		case dns.TypeA:
			rr, _ := dns.NewRR("example.test. 60 IN A 192.0.2.10")
			m.Answer = append(m.Answer, rr)
		case dns.TypeAAAA:
			rr, _ := dns.NewRR("example.test. 60 IN AAAA 2001:db8::10")
			m.Answer = append(m.Answer, rr)
		}
		_ = w.WriteMsg(m)
	})
	mux.HandleFunc(".", func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetRcode(r, dns.RcodeNameError)
		_ = w.WriteMsg(m)
	})

	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: mux, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("dns server did not start")
	}
	return pc.LocalAddr().String()
}

func TestDNSResolver(t *testing.T) {
	addr := startDNSServer(t)
	r, err := NewDNSResolver([]string{addr})
	require.NoError(t, err)
	assert.Equal(t, []string{addr}, r.Servers())

	ctx := context.Background()
	got, err := r.ResolveHost(ctx, "example.test", 4)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.10", got.String())

	got, err = r.ResolveHost(ctx, "example.test", 6)
	require.NoError(t, err)
	assert.Equal(t, "2001:db8::10", got.String())

	_, err = r.ResolveHost(ctx, "missing.test", 4)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NXDOMAIN")
}

func TestWithPort(t *testing.T) {
	assert.Equal(t, "10.0.0.1:53", withPort("10.0.0.1"))
	assert.Equal(t, "10.0.0.1:5353", withPort("10.0.0.1:5353"))
	assert.Equal(t, "[2001:db8::1]:53", withPort("2001:db8::1"))
}
