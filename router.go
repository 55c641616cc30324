package websocks

import (
	"bufio"
	"encoding/hex"
	"io"
	"net"
	"path/filepath"
	"strings"

	"github.com/godump/doa"
	"github.com/godump/lru"
	log "github.com/sirupsen/logrus"
)

// A Road represents a host's road mode.
type Road uint32

const (
	// RoadDirect means it don't need a proxy.
	RoadDirect Road = iota
	// RoadRemote means it should accessed through the tunnel.
	RoadRemote
	// RoadBlock means it is pure rubbish.
	RoadBlock
	// RoadPuzzle means ?
	RoadPuzzle
)

func (r Road) String() string {
	switch r {
	case RoadDirect:
		return "direct"
	case RoadRemote:
		return "remote"
	case RoadBlock:
		return "block"
	case RoadPuzzle:
		return "puzzle"
	}
	panic("unreachable")
}

// Router is a selector that will judge the host address.
type Router interface {
	// The host must be a literal IP address, or a host name.
	// Examples:
	//   Road("golang.org")
	//   Road("192.0.2.1")
	Road(ctx *Context, host string) Road
}

// RouterRight always returns the same road.
type RouterRight struct {
	R Road
}

// Road implements websocks.Router.
func (r *RouterRight) Road(ctx *Context, host string) Road {
	return r.R
}

// NewRouterRight returns a new RouterRight.
func NewRouterRight(road Road) *RouterRight {
	return &RouterRight{R: road}
}

// RouterCache caches routing results for next use. It memoizes list lookups only: entries are recomputable and thus
// freely evictable, unlike the verdicts in racer.Cache.
type RouterCache struct {
	Lru *lru.Lru[string, Road]
	Raw Router
}

// Road implements websocks.Router.
func (r *RouterCache) Road(ctx *Context, host string) Road {
	a, b := r.Lru.GetExists(host)
	if b {
		return a
	}
	c := r.Raw.Road(ctx, host)
	r.Lru.Set(host, c)
	return c
}

// NewRouterCache returns a new RouterCache object.
func NewRouterCache(r Router) *RouterCache {
	return &RouterCache{
		Lru: lru.New[string, Road](Conf.RouterLruSize),
		Raw: r,
	}
}

// LoadReservedIP loads reserved ip addresses.
//
// Introduction:
// See https://en.wikipedia.org/wiki/Reserved_IP_addresses
func LoadReservedIP() []*net.IPNet {
	r := []*net.IPNet{}
	for _, e := range [][2]string{
		// IPv4
		{"00000000", "FF000000"},
		{"0A000000", "FF000000"},
		{"7F000000", "FF000000"},
		{"A9FE0000", "FFFF0000"},
		{"AC100000", "FFF00000"},
		{"C0000000", "FFFFFFF8"},
		{"C00000AA", "FFFFFFFE"},
		{"C0000200", "FFFFFF00"},
		{"C0A80000", "FFFF0000"},
		{"C6120000", "FFFE0000"},
		{"C6336400", "FFFFFF00"},
		{"CB007100", "FFFFFF00"},
		{"F0000000", "F0000000"},
		{"FFFFFFFF", "FFFFFFFF"},
		// IPv6
		{"00000000000000000000000000000000", "FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFF"},
		{"00000000000000000000000000000001", "FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFF"},
		{"01000000000000000000000000000000", "FFFFFFFFFFFFFFFF0000000000000000"},
		{"0064FF9B000000000000000000000000", "FFFFFFFFFFFFFFFFFFFFFFFF00000000"},
		{"20010000000000000000000000000000", "FFFFFFFF000000000000000000000000"},
		{"20010010000000000000000000000000", "FFFFFFF0000000000000000000000000"},
		{"20010020000000000000000000000000", "FFFFFFF0000000000000000000000000"},
		{"20010DB8000000000000000000000000", "FFFFFFFF000000000000000000000000"},
		{"20020000000000000000000000000000", "FFFF0000000000000000000000000000"},
		{"FC000000000000000000000000000000", "FE000000000000000000000000000000"},
		{"FE800000000000000000000000000000", "FFC00000000000000000000000000000"},
		{"FF000000000000000000000000000000", "FF000000000000000000000000000000"},
	} {
		i := doa.Try(hex.DecodeString(e[0]))
		m := doa.Try(hex.DecodeString(e[1]))
		r = append(r, &net.IPNet{IP: i, Mask: m})
	}
	return r
}

// RouterLocal sends literal reserved addresses through the local network. Loopback and LAN destinations gain nothing
// from a tunnel and should never be raced. Host names are left alone: resolving them here would leak a DNS query for
// every unlisted host.
type RouterLocal struct {
	L []*net.IPNet
}

// Road implements websocks.Router.
func (r *RouterLocal) Road(ctx *Context, host string) Road {
	a := net.ParseIP(host)
	if a == nil {
		return RoadPuzzle
	}
	for _, e := range r.L {
		if e.Contains(a) {
			return RoadDirect
		}
	}
	return RoadPuzzle
}

// NewRouterLocal returns a new RouterLocal.
func NewRouterLocal() *RouterLocal {
	return &RouterLocal{
		L: LoadReservedIP(),
	}
}

// RouterChain concat multiple routers in series.
type RouterChain struct {
	L []Router
}

// Road implements websocks.Router.
func (r *RouterChain) Road(ctx *Context, host string) Road {
	for _, e := range r.L {
		a := e.Road(ctx, host)
		if a != RoadPuzzle {
			return a
		}
	}
	return RoadPuzzle
}

// NewRouterChain returns a new RouterChain.
func NewRouterChain(router ...Router) *RouterChain {
	return &RouterChain{
		L: router,
	}
}

// RouterRules aims to be a minimal configuration file format that's easy to read due to obvious semantics.
// There are two parts per line on the RULE file: mode and pattern. mode is on the left of the space sign and pattern
// is on the right. mode is a character that describes whether the host should be accessed through the tunnel.
//
// A bare domain matches itself and every subdomain: the pattern example.com matches example.com, www.example.com and
// a.b.example.com. A pattern containing one of *?[ is instead matched as a glob:
//
// * h?llo matches hello, hallo and hxllo
// * h*llo matches hllo and heeeello
// * h[ae]llo matches hello and hallo, but not hillo
// * h[^e]llo matches hallo, hbllo, ... but not hello
// * h[a-b]llo matches hallo and hbllo
//
// This is a normal RULE document:
// L a.com
// R b.com *.b.org
// B c.com
//
// L(ocale)  means using locale network, the whitelist
// R(emote)  means using remote network, the blacklist
// B(anned)  means to block it
//
// The whitelist always has the final say: an L match wins even when a later R line also covers the host.
type RouterRules struct {
	L []string
	R []string
	B []string
}

// Match reports whether the host is covered by the pattern, by domain suffix or by glob.
func Match(pattern string, host string) bool {
	if strings.ContainsAny(pattern, "*?[") {
		return doa.Try(filepath.Match(pattern, host))
	}
	if host == pattern {
		return true
	}
	return strings.HasSuffix(host, "."+pattern)
}

// Road implements websocks.Router.
func (r *RouterRules) Road(ctx *Context, host string) Road {
	for _, e := range r.L {
		if Match(e, host) {
			return RoadDirect
		}
	}
	for _, e := range r.R {
		if Match(e, host) {
			return RoadRemote
		}
	}
	for _, e := range r.B {
		if Match(e, host) {
			return RoadBlock
		}
	}
	return RoadPuzzle
}

// FromReader loads a RULE file from a reader.
func (r *RouterRules) FromReader(f io.Reader) error {
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := s.Text()
		seps := strings.Fields(line)
		if len(seps) < 2 {
			continue
		}
		switch seps[0] {
		case "#":
		case "L":
			r.L = append(r.L, seps[1:]...)
		case "R":
			r.R = append(r.R, seps[1:]...)
		case "B":
			r.B = append(r.B, seps[1:]...)
		}
	}
	return s.Err()
}

// FromFile loads a RULE file. A missing or unreadable file is not fatal: the rule set simply stays empty and every
// host falls through to the racer.
func (r *RouterRules) FromFile(name string) {
	f, err := OpenFile(name)
	if err != nil {
		log.Warnln("main: load rule", name, "failed:", err)
		return
	}
	defer f.Close()
	if err := r.FromReader(f); err != nil {
		log.Warnln("main: load rule", name, "failed:", err)
	}
}

// Size returns the number of loaded rules.
func (r *RouterRules) Size() int {
	return len(r.L) + len(r.R) + len(r.B)
}

// NewRouterRules returns a new RouterRules.
func NewRouterRules() *RouterRules {
	return &RouterRules{
		L: []string{},
		R: []string{},
		B: []string{},
	}
}
