package dnscache

import (
	"context"
	"net"
	"testing"
	"time"
)

type countingResolver struct {
	calls int
	addrs []string
}

func (r *countingResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	r.calls++
	return r.addrs, nil
}

func TestLookupCachesResult(t *testing.T) {
	r := &countingResolver{addrs: []string{"203.0.113.1"}}
	c := New(r, time.Minute, 10)

	for i := 0; i < 3; i++ {
		addrs, err := c.Lookup(context.Background(), "example.com")
		if err != nil {
			t.Fatalf("Lookup failed: %v", err)
		}
		if len(addrs) != 1 || addrs[0] != "203.0.113.1" {
			t.Fatalf("unexpected addrs: %v", addrs)
		}
	}
	if r.calls != 1 {
		t.Fatalf("expected exactly one resolver call, got %d", r.calls)
	}
}

func TestPurgeForcesReResolve(t *testing.T) {
	r := &countingResolver{addrs: []string{"203.0.113.2"}}
	c := New(r, time.Minute, 10)

	c.Lookup(context.Background(), "example.com")
	c.Purge()
	c.Lookup(context.Background(), "example.com")

	if r.calls != 2 {
		t.Fatalf("expected a re-resolve after Purge, got %d calls", r.calls)
	}
}

func TestDialContextRewritesAddrToResolvedIP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	_, port, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}

	r := &countingResolver{addrs: []string{"127.0.0.1"}}
	c := New(r, time.Minute, 10)
	dial := c.DialContext(&net.Dialer{Timeout: time.Second})

	conn, err := dial(context.Background(), "tcp", net.JoinHostPort("cached.example", port))
	if err != nil {
		t.Fatalf("dial via cache: %v", err)
	}
	conn.Close()
	if r.calls != 1 {
		t.Fatalf("expected the dial to use a cached lookup, got %d calls", r.calls)
	}
}

func TestDialContextFallsBackOnLookupFailure(t *testing.T) {
	r := &countingResolver{addrs: nil}
	c := New(r, time.Minute, 10)
	dial := c.DialContext(&net.Dialer{Timeout: 50 * time.Millisecond})

	// No addresses resolved: falls back to dialing the original addr,
	// which here is unroutable and expected to fail, not panic.
	if _, err := dial(context.Background(), "tcp", "nohost.invalid:80"); err == nil {
		t.Fatalf("expected dial to fail against an unresolvable host")
	}
}
