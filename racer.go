package websocks

import (
	"fmt"
	"io"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Cache remembers the verdict of a finished race for the lifetime of the process. It is deliberately not persisted:
// network position usually changes between runs, and a stale verdict is worse than a fresh race.
type Cache struct {
	mu sync.Mutex
	m  map[string]Road
}

// Get returns the cached road for host.
func (c *Cache) Get(host string) (Road, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, b := c.m[host]
	return a, b
}

// Set stores the road for host and returns the winning entry. The first write wins: when two races for the same host
// finish with different verdicts, the cache keeps whichever was written first, so every caller converges on a single
// answer.
func (c *Cache) Set(host string, road Road) Road {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, b := c.m[host]; b {
		return a
	}
	c.m[host] = road
	return road
}

// Len returns the number of cached verdicts.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}

// NewCache returns a new Cache.
func NewCache() *Cache {
	return &Cache{
		m: map[string]Road{},
	}
}

// Racer automatically distinguish whether to use the tunnel or the local network. Listed hosts are obeyed without
// discussion. For everyone else, the first visit races a direct dial against a tunnel stream and the winner is
// memoized in the Cache.
type Racer struct {
	Locale Dialer
	Remote Dialer
	Router Router
	Cache  *Cache
	// Force sends every unlisted and uncached host through the tunnel without racing. Useful on networks where
	// direct attempts are slow or observable.
	Force bool
}

type raced struct {
	rwc io.ReadWriteCloser
	err error
}

// Race attempts a direct dial bounded by Conf.RacerTimeout and a tunnel stream open at the same time. A direct
// success inside the timeout decides RoadDirect, anything else decides RoadRemote. The loser's connection, if it ever
// lands, is closed. Both branches failing is a per-request error and nothing is cached.
//
// The direct branch always probes over tcp, whatever the request asks for: a udp dial succeeds without exchanging a
// single packet, so it proves nothing about reachability and would memoize a direct verdict even for a blackholed
// host.
func (r *Racer) Race(ctx *Context, network string, address string, host string) (io.ReadWriteCloser, error) {
	chl := make(chan raced, 1)
	chr := make(chan raced, 1)
	go func() {
		d := net.Dialer{Timeout: Conf.RacerTimeout}
		rwc, err := d.Dial("tcp", address)
		chl <- raced{rwc, err}
	}()
	go func() {
		rwc, err := r.Remote.Dial(ctx, network, address)
		chr <- raced{rwc, err}
	}()

	a := <-chl
	if a.err == nil {
		road := r.Cache.Set(host, RoadDirect)
		log.Infof("conn: %08x  race  road=%s host=%s", ctx.Cid, road, host)
		go func() {
			b := <-chr
			if b.err == nil {
				b.rwc.Close()
			}
		}()
		if network != "tcp" {
			a.rwc.Close()
			return r.Locale.Dial(ctx, network, address)
		}
		return a.rwc, nil
	}

	b := <-chr
	if b.err != nil {
		// The tunnel itself is unreachable. Caching a verdict here would poison every later request for the
		// host, so simply fail this one.
		return nil, fmt.Errorf("websocks: race lost both ways: %s", b.err)
	}
	// A concurrent race may already have settled on direct. The stream is still perfectly usable for this
	// request, only the memo is theirs.
	road := r.Cache.Set(host, RoadRemote)
	log.Infof("conn: %08x  race  road=%s host=%s", ctx.Cid, road, host)
	return b.rwc, nil
}

// Dial connects to the address on the named network.
func (r *Racer) Dial(ctx *Context, network string, address string) (io.ReadWriteCloser, error) {
	var (
		host string
		err  error
		road Road
		rwc  io.ReadWriteCloser
	)
	log.Infof("conn: %08x   dial network=%s address=%s", ctx.Cid, network, address)
	host, _, err = net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	road = r.Router.Road(ctx, host)
	if road == RoadPuzzle {
		if a, b := r.Cache.Get(host); b {
			road = a
		}
	}
	log.Infof("conn: %08x  route road=%s", ctx.Cid, road)
	switch road {
	case RoadDirect:
		rwc, err = r.Locale.Dial(ctx, network, address)
	case RoadRemote:
		rwc, err = r.Remote.Dial(ctx, network, address)
	case RoadBlock:
		err = fmt.Errorf("websocks: %s has been blocked", host)
	case RoadPuzzle:
		if r.Force {
			rwc, err = r.Remote.Dial(ctx, network, address)
		} else {
			rwc, err = r.Race(ctx, network, address, host)
		}
	}
	if err == nil {
		log.Infof("conn: %08x  estab", ctx.Cid)
	}
	return rwc, err
}

// NewRacer returns a new Racer. The router passed in should answer list membership only; cache and race handling is
// the racer's own business.
func NewRacer(remote Dialer, router Router) *Racer {
	return &Racer{
		Locale: &Direct{},
		Remote: remote,
		Router: router,
		Cache:  NewCache(),
		Force:  false,
	}
}

// Check interface implementation.
var (
	_ Dialer = (*Direct)(nil)
	_ Dialer = (*Racer)(nil)
	_ Router = (*RouterCache)(nil)
	_ Router = (*RouterChain)(nil)
	_ Router = (*RouterLocal)(nil)
	_ Router = (*RouterRight)(nil)
	_ Router = (*RouterRules)(nil)
)
