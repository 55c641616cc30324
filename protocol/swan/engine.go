package swan

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/godump/doa"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/websocks/websocks"
	"github.com/websocks/websocks/protocol/plume"
)

// The swan engine runs the mux over an authenticated WebSocket connection. To everyone but the holder of the
// credentials, the server is just an ordinary web endpoint: credentials travel once, as HTTP basic auth on the
// upgrade request, and a connection that fails the check is refused before it ever reaches the mux. Datagrams of udp
// streams are additionally wrapped by the plume envelope on both sides of the tunnel.

var upgrader = websocket.Upgrader{
	ReadBufferSize:  SizeFrame,
	WriteBufferSize: SizeFrame,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// UDPConn carries whole datagrams over a logical stream. Each datagram crosses the stream as a 2-byte length followed
// by its plume envelope; envelopes that do not parse are dropped without breaking the stream.
type UDPConn struct {
	io.ReadWriteCloser
	envel *plume.Plume
	b     []byte
}

// NewUDPConn returns a new UDPConn.
func NewUDPConn(c io.ReadWriteCloser, envel *plume.Plume) *UDPConn {
	return &UDPConn{ReadWriteCloser: c, envel: envel, b: make([]byte, 2)}
}

// Read implements the Conn Read method. It returns exactly one recovered datagram per call.
func (c *UDPConn) Read(p []byte) (int, error) {
	for {
		_, err := io.ReadFull(c.ReadWriteCloser, c.b[:2])
		if err != nil {
			return 0, err
		}
		buf := make([]byte, binary.BigEndian.Uint16(c.b[:2]))
		_, err = io.ReadFull(c.ReadWriteCloser, buf)
		if err != nil {
			return 0, err
		}
		dat, err := c.envel.Unwrap(buf)
		if err != nil {
			continue
		}
		return copy(p, dat), nil
	}
}

// Write implements the Conn Write method. One call sends one datagram.
func (c *UDPConn) Write(p []byte) (int, error) {
	e := c.envel.Wrap(p)
	doa.Doa(len(e) <= math.MaxUint16)
	buf := make([]byte, 2+len(e))
	binary.BigEndian.PutUint16(buf[:2], uint16(len(e)))
	copy(buf[2:], e)
	_, err := c.ReadWriteCloser.Write(buf)
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// Server implemented the swan protocol.
type Server struct {
	Listen string
	Users  map[string]string
	Closer io.Closer
	cid    uint32
}

// Serve dials the destination an accepted open request names and relays bytes both ways until either side closes.
// Dial failures are answered with an open fail frame and cost nothing but the one stream slot, which is freed again
// right away.
func (s *Server) Serve(ctx *websocks.Context, mux *Session, req *Request, envel *plume.Plume) error {
	log.Infof("conn: %08x   dial network=%s address=%s", ctx.Cid, req.Network, req.Address)
	srv, err := websocks.Dial(req.Network, req.Address)
	if err != nil {
		reason := err.Error()
		if len(reason) > SizeBody {
			reason = reason[:SizeBody]
		}
		buf := make([]byte, 2+len(reason))
		buf[0] = req.Stream.idx
		buf[1] = CmdOpenFail
		copy(buf[2:], reason)
		mux.write(buf)
		mux.del(req.Stream.idx)
		return err
	}
	if err := mux.write([]byte{req.Stream.idx, CmdOpenAck}); err != nil {
		srv.Close()
		return err
	}
	log.Infof("conn: %08x  estab", ctx.Cid)
	var con io.ReadWriteCloser = req.Stream
	if req.Network == "udp" {
		con = NewUDPConn(req.Stream, envel)
	}
	websocks.Link(con, srv)
	return nil
}

// ServeHTTP implements http.Handler. The credential check happens here, before the upgrade: a connection that fails
// it is turned away with 401 and never reaches the mux, so no open frame on it is ever honored.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, pass, has := r.BasicAuth()
	know, b := s.Users[user]
	if !has || !b || know != pass {
		log.Warnf("main: auth failed remote=%s", r.RemoteAddr)
		w.Header().Set("WWW-Authenticate", `Basic realm="websocks"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	con, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnln("main:", err)
		return
	}
	mux := NewSessionServer(con)
	envel := plume.NewPlume(websocks.Salt(pass))
	defer mux.Close()
	for req := range mux.Accept() {
		ctx := &websocks.Context{Cid: atomic.AddUint32(&s.cid, 1)}
		log.Infof("conn: %08x accept remote=%s", ctx.Cid, r.RemoteAddr)
		go func(req *Request) {
			if err := s.Serve(ctx, mux, req, envel); err != nil {
				log.Warnf("conn: %08x  error %s", ctx.Cid, err)
			}
			log.Infof("conn: %08x closed", ctx.Cid)
		}(req)
	}
}

// Close listener. Established connections will not be closed.
func (s *Server) Close() error {
	if s.Closer != nil {
		return s.Closer.Close()
	}
	return nil
}

// Run it.
func (s *Server) Run() error {
	l, err := net.Listen("tcp", s.Listen)
	if err != nil {
		return err
	}
	s.Closer = l
	log.Infoln("main: listen and serve on", s.Listen)
	go func() {
		err := http.Serve(l, s)
		if !errors.Is(err, net.ErrClosed) {
			log.Warnln("main:", err)
		}
	}()
	return nil
}

// NewServer returns a new Server. Users maps every acceptable username to its password.
func NewServer(listen string, users map[string]string) *Server {
	return &Server{
		Listen: listen,
		Users:  users,
		cid:    uint32(math.MaxUint32),
	}
}

// Client implemented the swan protocol.
type Client struct {
	Server   string
	Username string
	Password string
	Envel    *plume.Plume
	Mux      chan *Session
}

// Dial connects to the address on the named network through the tunnel.
func (c *Client) Dial(ctx *websocks.Context, network string, address string) (io.ReadWriteCloser, error) {
	select {
	case mux := <-c.Mux:
		stm, err := mux.Open(ctx, network, address)
		if err != nil {
			return nil, err
		}
		if network == "udp" {
			return NewUDPConn(stm, c.Envel), nil
		}
		return stm, nil
	case <-time.After(websocks.Conf.DialerTimeout):
		return nil, fmt.Errorf("dial %s: %s: i/o timeout", network, address)
	}
}

// Run creates an establish connection to the swan server, and replaces it whenever it dies.
func (c *Client) Run() {
	for {
		var con *websocket.Conn
		websocks.Reno(func() error {
			d := websocket.Dialer{HandshakeTimeout: websocks.Conf.DialerTimeout}
			h := http.Header{}
			h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(c.Username+":"+c.Password)))
			var err error
			con, _, err = d.Dial(c.Server, h)
			return err
		})
		log.Infoln("swan: mux init")
		mux := NewSessionClient(con)
		for {
			select {
			case c.Mux <- mux:
				continue
			case <-mux.Done():
			}
			log.Infoln("swan: mux done")
			break
		}
	}
}

// NewClient returns a new Client. The password doubles as the udp obfuscation key, so both ends derive the same
// envelope cipher without another exchange.
func NewClient(server string, username string, password string) *Client {
	client := &Client{
		Server:   server,
		Username: username,
		Password: password,
		Envel:    plume.NewPlume(websocks.Salt(password)),
		Mux:      make(chan *Session),
	}
	go client.Run()
	return client
}
