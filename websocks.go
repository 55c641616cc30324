package websocks

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/godump/doa"
	log "github.com/sirupsen/logrus"
)

// Conf is acting as package level configuration.
var Conf = struct {
	// DialerTimeout is the timeout of establishing a connection, both direct and through the tunnel.
	DialerTimeout time.Duration
	// RacerTimeout bounds the direct branch of a routing race. It is a tunable, not a correctness constant: a
	// smaller value trades a few false "proxied" verdicts for snappier first visits.
	RacerTimeout time.Duration
	// A single cache entry represents a single rule lookup. Make the cache as large as the maximum number of hosts
	// that are accessed concurrently. Note that setting the cache size too high is a waste of memory and degrades
	// performance.
	RouterLruSize int
}{
	DialerTimeout: time.Second * 8,
	RacerTimeout:  time.Second * 2,
	RouterLruSize: 64,
}

// Resolver returns a new Resolver used by the package-level Lookup functions and by Dialers without a specified
// Resolver.
//
// Examples:
//
//	Resolver("8.8.8.8:53")
//	Resolver("1.1.1.1:53")
func Resolver(addr string) *net.Resolver {
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			d := net.Dialer{
				Timeout: Conf.DialerTimeout,
			}
			return d.DialContext(ctx, "udp", addr)
		},
	}
}

// Link copies from src to dst and dst to src until either EOF is reached.
func Link(a, b io.ReadWriteCloser) {
	w := sync.WaitGroup{}
	w.Add(2)
	go func() {
		io.Copy(b, a)
		b.Close()
		w.Done()
	}()
	go func() {
		io.Copy(a, b)
		a.Close()
		w.Done()
	}()
	w.Wait()
}

// ReadWriteCloser is the interface that groups the basic Read, Write and Close methods.
type ReadWriteCloser struct {
	io.Reader
	io.Writer
	io.Closer
}

// Context carries infomations for a tcp connection.
type Context struct {
	Cid uint32
}

// Dialer abstracts the way to establish network connections.
type Dialer interface {
	Dial(ctx *Context, network string, address string) (io.ReadWriteCloser, error)
}

// Direct is the default dialer for connecting to an address.
type Direct struct{}

// Dial implements websocks.Dialer.
func (d *Direct) Dial(ctx *Context, network string, address string) (io.ReadWriteCloser, error) {
	return Dial(network, address)
}

// Dial connects to the address on the named network.
func Dial(network string, address string) (net.Conn, error) {
	d := net.Dialer{
		Timeout: Conf.DialerTimeout,
	}
	return d.Dial(network, address)
}

// Salt converts the stupid password passed in by the user to 32-sized byte array.
func Salt(s string) []byte {
	h := sha256.Sum256([]byte(s))
	return h[:]
}

// Hang prevent program from exiting.
func Hang() {
	select {}
}

// OpenFile select the appropriate method to open the file based on the incoming args automatically.
//
// Examples:
// OpenFile("/etc/websocks/rule.ls")
// OpenFile("https://raw.githubusercontent.com/websocks/websocks/master/README.md")
func OpenFile(name string) (io.ReadCloser, error) {
	if strings.HasPrefix(name, "http://") || strings.HasPrefix(name, "https://") {
		resp, err := http.Get(name)
		if err != nil {
			return nil, err
		}
		return resp.Body, nil
	}
	return os.Open(name)
}

// Reno is a slow start reconnection algorithm. The callback f is called until it returns without error, with an
// exponentially growing pause after each failure.
func Reno(f func() error) {
	i := 0
	for {
		err := f()
		if err == nil {
			return
		}
		log.Warnln("reno:", err)
		time.Sleep(time.Second * time.Duration(math.Pow(2, float64(i))))
		if i < 5 {
			i++
		}
	}
}

// A remote server for testing.
type Tester struct {
	Listen string
	Closer io.Closer
}

// Run it on TCP.
func (t *Tester) TCP() error {
	s, err := net.Listen("tcp", t.Listen)
	if err != nil {
		return err
	}
	t.Closer = s
	go func() {
		for {
			cli, err := s.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					log.Warnln("main:", err)
				}
				break
			}
			go t.TCPServe(cli)
		}
	}()
	return nil
}

// TCPServe serves incoming connections.
func (t *Tester) TCPServe(cli io.ReadWriteCloser) {
	buf := make([]byte, 2048)
	for {
		_, err := io.ReadFull(cli, buf[:4])
		if err != nil {
			break
		}
		cmd := buf[0]
		switch cmd {
		case 0:
			msg := binary.BigEndian.Uint16(buf[2:4])
			doa.Doa(msg <= 2044)
			rand.Read(buf[4 : 4+msg])
			buf[0] = 1
			cli.Write(buf[:4+msg])
		case 1:
			cli.Close()
		}
	}
}

// Run it on UDP.
func (t *Tester) UDP() error {
	addr := doa.Try(net.ResolveUDPAddr("udp", t.Listen))
	conn := doa.Try(net.ListenUDP("udp", addr))
	t.Closer = conn
	go t.UDPServe(conn)
	return nil
}

// UDPServe serves incoming connections.
func (t *Tester) UDPServe(cli *net.UDPConn) error {
	buf := make([]byte, 2048)
	for {
		_, addr, err := cli.ReadFromUDP(buf)
		if err != nil {
			break
		}
		cmd := buf[0]
		switch cmd {
		case 0:
			msg := binary.BigEndian.Uint16(buf[2:4])
			doa.Doa(msg <= 2044)
			rand.Read(buf[4 : 4+msg])
			buf[0] = 1
			doa.Try(cli.WriteToUDP(buf[:4+msg], addr))
		case 1:
			cli.Close()
		}
	}
	return nil
}

// Close listener.
func (t *Tester) Close() error {
	if t.Closer != nil {
		return t.Closer.Close()
	}
	return nil
}

// NewTester returns a new Tester.
func NewTester(listen string) *Tester {
	return &Tester{
		Listen: listen,
	}
}
