package websocks

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/godump/doa"
)

const EchoServerListenOn = "127.0.0.1:28180"

// testDialer stands in for the tunnel. It dials addr whatever address is asked for, or fails every dial when addr is
// empty, and counts how many times it was asked.
type testDialer struct {
	addr string
	used uint32
}

func (d *testDialer) Dial(ctx *Context, network string, address string) (io.ReadWriteCloser, error) {
	atomic.AddUint32(&d.used, 1)
	if d.addr == "" {
		return nil, errors.New("unreachable")
	}
	return Dial(network, d.addr)
}

func echoOnce(cli io.ReadWriteCloser) {
	buf := make([]byte, 2048)
	doa.Try(cli.Write([]byte{0x00, 0x00, 0x00, 0x80}))
	doa.Try(io.ReadFull(cli, buf[:132]))
}

func TestCache(t *testing.T) {
	c := NewCache()
	if c.Set("a.com", RoadDirect) != RoadDirect {
		t.FailNow()
	}
	// First write wins.
	if c.Set("a.com", RoadRemote) != RoadDirect {
		t.FailNow()
	}
	if a, b := c.Get("a.com"); !b || a != RoadDirect {
		t.FailNow()
	}
	if _, b := c.Get("b.com"); b {
		t.FailNow()
	}
	if c.Len() != 1 {
		t.FailNow()
	}
}

func TestRacerRuleRemote(t *testing.T) {
	remote := NewTester(EchoServerListenOn)
	defer remote.Close()
	remote.TCP()

	rule := NewRouterRules()
	rule.FromReader(bytes.NewReader([]byte("R 127.0.0.1")))
	tunnel := &testDialer{addr: EchoServerListenOn}
	racer := NewRacer(tunnel, rule)

	ctx := &Context{}
	cli := doa.Try(racer.Dial(ctx, "tcp", EchoServerListenOn))
	defer cli.Close()
	echoOnce(cli)
	if atomic.LoadUint32(&tunnel.used) != 1 {
		t.FailNow()
	}
	// Listed hosts are obeyed without discussion, nothing is memoized.
	if racer.Cache.Len() != 0 {
		t.FailNow()
	}
}

func TestRacerRuleDirect(t *testing.T) {
	remote := NewTester(EchoServerListenOn)
	defer remote.Close()
	remote.TCP()

	rule := NewRouterRules()
	rule.FromReader(bytes.NewReader([]byte("L 127.0.0.1")))
	tunnel := &testDialer{addr: EchoServerListenOn}
	racer := NewRacer(tunnel, rule)

	ctx := &Context{}
	cli := doa.Try(racer.Dial(ctx, "tcp", EchoServerListenOn))
	defer cli.Close()
	echoOnce(cli)
	if atomic.LoadUint32(&tunnel.used) != 0 {
		t.FailNow()
	}
}

func TestRacerRuleBlock(t *testing.T) {
	rule := NewRouterRules()
	rule.FromReader(bytes.NewReader([]byte("B 127.0.0.1")))
	racer := NewRacer(&testDialer{}, rule)

	ctx := &Context{}
	_, err := racer.Dial(ctx, "tcp", EchoServerListenOn)
	doa.Doa(err != nil)
}

func TestRacerRaceDirect(t *testing.T) {
	remote := NewTester(EchoServerListenOn)
	defer remote.Close()
	remote.TCP()

	tunnel := &testDialer{}
	racer := NewRacer(tunnel, NewRouterRules())
	ctx := &Context{}
	cli := doa.Try(racer.Dial(ctx, "tcp", EchoServerListenOn))
	defer cli.Close()
	echoOnce(cli)
	if a, b := racer.Cache.Get("127.0.0.1"); !b || a != RoadDirect {
		t.FailNow()
	}
	// The memoized verdict is reused: no second race, the tunnel is never asked again.
	used := atomic.LoadUint32(&tunnel.used)
	sec := doa.Try(racer.Dial(ctx, "tcp", EchoServerListenOn))
	defer sec.Close()
	echoOnce(sec)
	if atomic.LoadUint32(&tunnel.used) != used {
		t.FailNow()
	}
}

func TestRacerRaceRemote(t *testing.T) {
	remote := NewTester(EchoServerListenOn)
	defer remote.Close()
	remote.TCP()

	tunnel := &testDialer{addr: EchoServerListenOn}
	racer := NewRacer(tunnel, NewRouterRules())
	ctx := &Context{}
	// Nothing listens on the direct address, so the tunnel branch wins the race.
	cli := doa.Try(racer.Dial(ctx, "tcp", "127.0.0.1:28233"))
	defer cli.Close()
	echoOnce(cli)
	if a, b := racer.Cache.Get("127.0.0.1"); !b || a != RoadRemote {
		t.FailNow()
	}
}

func TestRacerRaceUDPProbesTCP(t *testing.T) {
	remote := NewTester(EchoServerListenOn)
	defer remote.Close()
	remote.UDP()

	tunnel := &testDialer{addr: EchoServerListenOn}
	racer := NewRacer(tunnel, NewRouterRules())
	ctx := &Context{}
	// A udp dial always "succeeds" locally, so it must not decide the race: with nothing answering on tcp the
	// verdict is remote, never a poisoned direct.
	cli := doa.Try(racer.Dial(ctx, "udp", EchoServerListenOn))
	defer cli.Close()
	buf := make([]byte, 2048)
	doa.Try(cli.Write([]byte{0x00, 0x00, 0x00, 0x80}))
	doa.Doa(doa.Try(cli.Read(buf)) == 132)
	if a, b := racer.Cache.Get("127.0.0.1"); !b || a != RoadRemote {
		t.FailNow()
	}
}

func TestRacerRaceLostBothWays(t *testing.T) {
	racer := NewRacer(&testDialer{}, NewRouterRules())
	ctx := &Context{}
	_, err := racer.Dial(ctx, "tcp", "127.0.0.1:28233")
	doa.Doa(err != nil)
	// Both branches failing is a per-request error, nothing is cached.
	if racer.Cache.Len() != 0 {
		t.FailNow()
	}
}

func TestRacerRaceConverge(t *testing.T) {
	remote := NewTester(EchoServerListenOn)
	defer remote.Close()
	remote.TCP()

	tunnel := &testDialer{addr: EchoServerListenOn}
	racer := NewRacer(tunnel, NewRouterRules())
	wg := sync.WaitGroup{}
	for n := 0; n < 8; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := &Context{}
			cli := doa.Try(racer.Dial(ctx, "tcp", EchoServerListenOn))
			defer cli.Close()
			echoOnce(cli)
		}()
	}
	wg.Wait()
	// Concurrent races may settle either way per request, but everyone converges on a single memoized verdict.
	if racer.Cache.Len() != 1 {
		t.FailNow()
	}
}

func TestRacerForce(t *testing.T) {
	remote := NewTester(EchoServerListenOn)
	defer remote.Close()
	remote.TCP()

	tunnel := &testDialer{addr: EchoServerListenOn}
	racer := NewRacer(tunnel, NewRouterRules())
	racer.Force = true
	ctx := &Context{}
	cli := doa.Try(racer.Dial(ctx, "tcp", EchoServerListenOn))
	defer cli.Close()
	echoOnce(cli)
	if atomic.LoadUint32(&tunnel.used) != 1 {
		t.FailNow()
	}
	if racer.Cache.Len() != 0 {
		t.FailNow()
	}
}
