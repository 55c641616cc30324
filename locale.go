package websocks

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"

	"github.com/godump/doa"
	log "github.com/sirupsen/logrus"
)

// Locale is the main process of websocks. In most cases, it is usually deployed as a daemon on a local machine. It
// speaks SOCKS5, SOCKS4(a) and HTTP proxy on a single port and pushes every accepted connection through its Dialer,
// which decides between the local network and the tunnel.
type Locale struct {
	Listen string
	Dialer Dialer
	Closer io.Closer
}

// ServeProxy serves traffic in HTTP Proxy/Tunnel format.
//
// Introduction:
// See https://en.wikipedia.org/wiki/Proxy_server
// See https://en.wikipedia.org/wiki/HTTP_tunnel
func (l *Locale) ServeProxy(ctx *Context, app io.ReadWriteCloser) error {
	appReader := bufio.NewReader(app)
	app = ReadWriteCloser{
		Reader: appReader,
		Writer: app,
		Closer: app,
	}
	var err error
	for {
		err = func() error {
			r, err := http.ReadRequest(appReader)
			if err != nil {
				return err
			}

			var port string
			if r.URL.Port() == "" {
				port = "80"
			} else {
				port = r.URL.Port()
			}

			if r.Method == "CONNECT" {
				log.Infof("conn: %08x  proto format=tunnel", ctx.Cid)
			} else {
				log.Infof("conn: %08x  proto format=hproxy", ctx.Cid)
			}

			srv, err := l.Dialer.Dial(ctx, "tcp", r.URL.Hostname()+":"+port)
			if err != nil {
				return err
			}
			defer srv.Close()

			if r.Method == "CONNECT" {
				_, err := app.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
				if err != nil {
					return err
				}
				Link(app, srv)
				return io.EOF
			}
			if r.Method == "GET" && r.Header.Get("Upgrade") == "websocket" {
				if err := r.Write(srv); err != nil {
					return err
				}
				Link(app, srv)
				return io.EOF
			}

			srvReader := bufio.NewReader(srv)
			if err := r.Write(srv); err != nil {
				return err
			}
			s, err := http.ReadResponse(srvReader, r)
			if err != nil {
				return err
			}
			return s.Write(app)
		}()
		if err != nil {
			break
		}
	}
	// It makes no sense to report a EOF error.
	if err == io.EOF {
		return nil
	}
	return err
}

// ServeSocks4 serves traffic in SOCKS4/SOCKS4a format.
//
// Introduction:
// See https://en.wikipedia.org/wiki/SOCKS
// See http://ftp.icm.edu.pl/packages/socks/socks4/SOCKS4.protocol
func (l *Locale) ServeSocks4(ctx *Context, app io.ReadWriteCloser) error {
	appReader := bufio.NewReader(app)
	app = ReadWriteCloser{
		Reader: appReader,
		Writer: app,
		Closer: app,
	}
	var (
		fCode     uint8
		fDstPort  = make([]byte, 2)
		fDstIP    = make([]byte, 4)
		fHostName []byte
		dstHost   string
		dstPort   uint16
		dst       string
		srv       io.ReadWriteCloser
		err       error
	)
	appReader.Discard(1)
	fCode, _ = appReader.ReadByte()
	io.ReadFull(appReader, fDstPort)
	dstPort = binary.BigEndian.Uint16(fDstPort)
	io.ReadFull(appReader, fDstIP)
	_, err = appReader.ReadBytes(0x00)
	if err != nil {
		return err
	}
	if bytes.Equal(fDstIP[:3], []byte{0x00, 0x00, 0x00}) && fDstIP[3] != 0x00 {
		fHostName, err = appReader.ReadBytes(0x00)
		if err != nil {
			return err
		}
		fHostName = fHostName[:len(fHostName)-1]
		dstHost = string(fHostName)
	} else {
		dstHost = net.IP(fDstIP).String()
	}
	dst = dstHost + ":" + strconv.Itoa(int(dstPort))
	log.Infof("conn: %08x  proto format=socks4", ctx.Cid)
	switch fCode {
	case 0x01:
		srv, err = l.Dialer.Dial(ctx, "tcp", dst)
		if err != nil {
			app.Write([]byte{0x00, 0x5b, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
		} else {
			defer srv.Close()
			app.Write([]byte{0x00, 0x5a, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
			Link(app, srv)
		}
		return err
	case 0x02:
		panic("unreachable")
	}
	return nil
}

// ServeSocks5 serves traffic in SOCKS5 format.
//
// Introduction:
// See https://en.wikipedia.org/wiki/SOCKS
// See https://tools.ietf.org/html/rfc1928
func (l *Locale) ServeSocks5(ctx *Context, app io.ReadWriteCloser) error {
	appReader := bufio.NewReader(app)
	app = ReadWriteCloser{
		Reader: appReader,
		Writer: app,
		Closer: app,
	}
	var (
		fN       uint8
		fCmd     uint8
		fAT      uint8
		fDstAddr []byte
		fDstPort = make([]byte, 2)
		dstHost  string
		dstPort  uint16
		dst      string
		err      error
	)
	appReader.Discard(1)
	fN, _ = appReader.ReadByte()
	appReader.Discard(int(fN))
	app.Write([]byte{0x05, 0x00})
	appReader.Discard(1)
	fCmd, _ = appReader.ReadByte()
	appReader.Discard(1)
	fAT, _ = appReader.ReadByte()
	switch fAT {
	case 0x01:
		fDstAddr = make([]byte, 4)
		io.ReadFull(appReader, fDstAddr)
		dstHost = net.IP(fDstAddr).String()
	case 0x03:
		fN, _ = appReader.ReadByte()
		fDstAddr = make([]byte, int(fN))
		io.ReadFull(appReader, fDstAddr)
		dstHost = string(fDstAddr)
	case 0x04:
		fDstAddr = make([]byte, 16)
		io.ReadFull(appReader, fDstAddr)
		dstHost = net.IP(fDstAddr).String()
	}
	_, err = io.ReadFull(app, fDstPort)
	if err != nil {
		return err
	}
	dstPort = binary.BigEndian.Uint16(fDstPort)
	dst = dstHost + ":" + strconv.Itoa(int(dstPort))
	switch fCmd {
	case 0x01:
		return l.ServeSocks5TCP(ctx, app, dst)
	case 0x02:
		panic("unreachable")
	case 0x03:
		return l.ServeSocks5UDP(ctx, app)
	}
	return nil
}

// ServeSocks5TCP serves socks5 TCP protocol.
func (l *Locale) ServeSocks5TCP(ctx *Context, app io.ReadWriteCloser, dst string) error {
	log.Infof("conn: %08x  proto format=socks5", ctx.Cid)
	srv, err := l.Dialer.Dial(ctx, "tcp", dst)
	if err != nil {
		app.Write([]byte{0x05, 0x01, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
	} else {
		app.Write([]byte{0x05, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
		// Since the Link function will close the srv, there is no need to close it manually.
		Link(app, srv)
	}
	return err
}

// ServeSocks5UDP serves socks5 UDP protocol. Each distinct destination gets its own udp path through the Dialer; all
// of them die with the controlling TCP connection, as RFC 1928 requires.
func (l *Locale) ServeSocks5UDP(ctx *Context, app io.ReadWriteCloser) error {
	var (
		bndAddr     *net.UDPAddr
		bndPort     uint16
		bnd         *net.UDPConn
		appAddr     *net.UDPAddr
		appSize     int
		appHeadSize int
		appHead     []byte
		dstHost     string
		dstPort     uint16
		dst         string
		srv         io.ReadWriteCloser
		b           bool
		cpl         = map[string]io.ReadWriteCloser{}
		buf         = make([]byte, 2048)
		err         error
	)
	bndAddr = doa.Try(net.ResolveUDPAddr("udp", "127.0.0.1:0"))
	bnd = doa.Try(net.ListenUDP("udp", bndAddr))
	defer bnd.Close()
	bndPort = uint16(bnd.LocalAddr().(*net.UDPAddr).Port)
	copy(buf, []byte{0x05, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
	binary.BigEndian.PutUint16(buf[8:10], bndPort)
	_, err = app.Write(buf[:10])
	if err != nil {
		return err
	}

	// https://datatracker.ietf.org/doc/html/rfc1928, Page 7, UDP ASSOCIATE:
	// A UDP association terminates when the TCP connection that the UDP ASSOCIATE request arrived on terminates.
	go func() {
		io.Copy(io.Discard, app)
		bnd.Close()
	}()

	for {
		appSize, appAddr, err = bnd.ReadFromUDP(buf)
		if err != nil {
			break
		}
		// 	+----+------+------+----------+----------+----------+
		// 	|RSV | FRAG | ATYP | DST.ADDR | DST.PORT |   DATA   |
		// 	+----+------+------+----------+----------+----------+
		// 	| 2  |  1   |  1   | Variable |    2     | Variable |
		// 	+----+------+------+----------+----------+----------+
		// Implementation of fragmentation is optional; an implementation that does not support fragmentation
		// MUST drop any datagram whose FRAG field is other than X'00'. The bytes are client-controlled, so a bad
		// datagram costs itself and nothing else.
		if buf[0] != 0x00 || buf[1] != 0x00 || buf[2] != 0x00 {
			continue
		}
		switch buf[3] {
		case 0x01:
			appHeadSize = 10
		case 0x03:
			appHeadSize = int(buf[4]) + 7
		case 0x04:
			appHeadSize = 22
		default:
			continue
		}
		if appHeadSize > appSize {
			continue
		}

		appHead = make([]byte, appHeadSize)
		copy(appHead, buf[0:appHeadSize])

		switch appHead[3] {
		case 0x01:
			dstHost = net.IP(appHead[4:8]).String()
			dstPort = binary.BigEndian.Uint16(appHead[8:10])
		case 0x03:
			n := appHead[4]
			dstHost = string(appHead[5 : 5+n])
			dstPort = binary.BigEndian.Uint16(appHead[5+n : 7+n])
		case 0x04:
			dstHost = net.IP(appHead[4:20]).String()
			dstPort = binary.BigEndian.Uint16(appHead[20:22])
		}
		dst = dstHost + ":" + strconv.Itoa(int(dstPort))

		srv, b = cpl[dst]
		if b {
			goto send
		} else {
			goto init
		}
	init:
		log.Infof("conn: %08x  proto format=socks5", ctx.Cid)
		srv, err = l.Dialer.Dial(ctx, "udp", dst)
		if err != nil {
			log.Warnf("conn: %08x  error %s", ctx.Cid, err)
			continue
		}
		cpl[dst] = srv
		go func(srv io.ReadWriteCloser, appHead []byte, appAddr *net.UDPAddr) error {
			var (
				buf = make([]byte, 2048)
				l   = len(appHead)
				n   int
				err error
			)
			copy(buf, appHead)
			for {
				n, err = srv.Read(buf[l:])
				if err != nil {
					break
				}
				_, err = bnd.WriteToUDP(buf[:l+n], appAddr)
				if err != nil {
					break
				}
			}
			return err
		}(srv, appHead, appAddr)
	send:
		_, err = srv.Write(buf[appHeadSize:appSize])
		if err != nil {
			log.Warnf("conn: %08x  error %s", ctx.Cid, err)
			continue
		}
	}
	for _, e := range cpl {
		e.Close()
	}
	return nil
}

// Serve serves incoming connections and handle it with a different handler(ServeProxy/ServeSocks4/ServeSocks5).
func (l *Locale) Serve(ctx *Context, app io.ReadWriteCloser) error {
	var (
		buf = make([]byte, 1)
		err error
	)
	_, err = io.ReadFull(app, buf)
	if err != nil {
		// There are some clients that will establish a link in advance without sending any messages so that
		// they can immediately get the connected conn when they really need it. When they leave, it makes no
		// sense to report a EOF error.
		if err == io.EOF {
			return nil
		}
		return err
	}
	app = ReadWriteCloser{
		Reader: io.MultiReader(bytes.NewReader(buf), app),
		Writer: app,
		Closer: app,
	}
	if buf[0] == 0x05 {
		return l.ServeSocks5(ctx, app)
	}
	if buf[0] == 0x04 {
		return l.ServeSocks4(ctx, app)
	}
	return l.ServeProxy(ctx, app)
}

// Close listener.
func (l *Locale) Close() error {
	if l.Closer != nil {
		return l.Closer.Close()
	}
	return nil
}

// Run it.
func (l *Locale) Run() error {
	s, err := net.Listen("tcp", l.Listen)
	if err != nil {
		return err
	}
	l.Closer = s
	log.Infoln("main: listen and serve on", l.Listen)

	go func() {
		idx := uint32(math.MaxUint32)
		for {
			cli, err := s.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					log.Warnln("main:", err)
				}
				break
			}
			idx++
			ctx := &Context{Cid: idx}
			log.Infof("conn: %08x accept remote=%s", ctx.Cid, cli.RemoteAddr())
			go func(ctx *Context, cli net.Conn) {
				defer cli.Close()
				if err := l.Serve(ctx, cli); err != nil {
					log.Warnf("conn: %08x  error %s", ctx.Cid, err)
				}
				log.Infof("conn: %08x closed", ctx.Cid)
			}(ctx, cli)
		}
	}()

	return nil
}

// NewLocale returns a Locale.
func NewLocale(listen string, dialer Dialer) *Locale {
	return &Locale{
		Listen: listen,
		Dialer: dialer,
	}
}
