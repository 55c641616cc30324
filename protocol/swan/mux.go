package swan

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/websocks/websocks"
)

// The swan protocol multiplexes any number of logical streams over one WebSocket connection. Every WebSocket binary
// message is exactly one frame:
//
// +-----+-----+------------------+
// | Sid | Cmd |       Body       |
// +-----+-----+------------------+
//
// The client opens a stream by picking a free sid and naming the destination:
//
// +-----+-----+-----+------------+
// | Sid |  0  | Net |  Address   |
// +-----+-----+-----+------------+
//
// The server answers with ack (established) or fail (carrying the dial error):
//
// +-----+-----+      +-----+-----+------------+
// | Sid |  3  |      | Sid |  4  |   Reason   |
// +-----+-----+      +-----+-----+------------+
//
// Both sides can then push data to each other, and close the stream:
//
// +-----+-----+------------------+      +-----+-----+
// | Sid |  1  |       Msg        |      | Sid |  2  |
// +-----+-----+------------------+      +-----+-----+
//
// A sid is returned to the pool once both sides have said close, after which the client is free to reuse it. Frames
// of different streams are freely interleaved; within one stream the transport keeps them in order.
const (
	CmdOpen     = 0x00
	CmdData     = 0x01
	CmdClose    = 0x02
	CmdOpenAck  = 0x03
	CmdOpenFail = 0x04

	// Net values carried in the open frame body.
	NetTCP = 0x01
	NetUDP = 0x03

	// A frame is at most 2048 bytes on the wire, so a data body is at most 2046.
	SizeFrame = 2048
	SizeBody  = 2046
)

// ErrProtocol is reported by a session whose peer sent a malformed frame. The multiplexing state can no longer be
// trusted after that, so the whole physical connection is abandoned.
var ErrProtocol = errors.New("swan: malformed frame")

// Err keeps the first error it is given and ignores the rest. A stream can die for several reasons at nearly the
// same time; the first one is the cause, everything after it is noise.
type Err struct {
	sync.Mutex // Guards following
	err        error
}

// Put an error into Err.
func (a *Err) Put(err error) {
	a.Lock()
	defer a.Unlock()
	if a.err != nil {
		return
	}
	a.err = err
}

// Get an error from Err.
func (a *Err) Get() error {
	a.Lock()
	defer a.Unlock()
	return a.err
}

// A Stream managed by the multiplexer. It implements io.ReadWriteCloser.
type Stream struct {
	idx uint8
	mux *Session
	och chan error
	haf uint32
	rbf []byte
	rch chan []byte
	rer Err
	rdn chan struct{}
	ron sync.Once
	son sync.Once
	ton sync.Once
	wer Err
}

// Close implements io.Closer. It announces close to the peer once; the sid itself is recycled only after the peer has
// said close as well.
func (s *Stream) Close() error {
	s.rer.Put(io.ErrClosedPipe)
	s.wer.Put(io.ErrClosedPipe)
	s.ron.Do(func() { close(s.rdn) })
	s.son.Do(func() {
		s.mux.write([]byte{s.idx, CmdClose})
		s.fin()
	})
	return nil
}

// fin consumes one of the stream's two close halves. The second call releases the sid.
func (s *Stream) fin() {
	if atomic.AddUint32(&s.haf, 1) == 2 {
		s.mux.del(s.idx)
	}
}

// Read implements io.Reader. Data queued before a close frame is delivered before the close is honored, so the tail
// of a stream is never lost.
func (s *Stream) Read(p []byte) (int, error) {
	if len(s.rbf) != 0 {
		n := copy(p, s.rbf)
		s.rbf = s.rbf[n:]
		return n, nil
	}
	if len(s.rch) != 0 {
		s.rbf = <-s.rch
		n := copy(p, s.rbf)
		s.rbf = s.rbf[n:]
		return n, nil
	}
	select {
	case s.rbf = <-s.rch:
		n := copy(p, s.rbf)
		s.rbf = s.rbf[n:]
		return n, nil
	case <-s.rdn:
		return 0, s.rer.Get()
	case <-s.mux.rdn:
		return 0, s.mux.rer
	}
}

// Write implements io.Writer. Large writes are chunked into multiple data frames.
func (s *Stream) Write(p []byte) (int, error) {
	n := 0
	b := make([]byte, SizeFrame)
	b[0] = s.idx
	b[1] = CmdData
	for len(p) != 0 {
		l := min(len(p), SizeBody)
		copy(b[2:], p[:l])
		if err := s.wer.Get(); err != nil {
			return n, err
		}
		if err := s.mux.write(b[:2+l]); err != nil {
			return n, err
		}
		p = p[l:]
		n += l
	}
	return n, nil
}

// NewStream returns a new Stream.
func NewStream(idx uint8, mux *Session) *Stream {
	return &Stream{
		idx: idx,
		mux: mux,
		och: make(chan error, 1),
		rbf: make([]byte, 0),
		rch: make(chan []byte, 32),
		rdn: make(chan struct{}),
	}
}

// A Request is an open frame accepted by the server side of a session, waiting to be dialed.
type Request struct {
	Stream  *Stream
	Network string
	Address string
}

// Session wraps one authenticated WebSocket connection and multiplexes it into multiple streams. The client side
// allocates stream ids; the server side answers them.
type Session struct {
	ach chan *Request
	con *websocket.Conn
	mu  sync.Mutex
	rdn chan struct{}
	rer error
	sip *Sip
	usb []*Stream
	wmu sync.Mutex
}

// Accept returns the channel of open requests. Used by the server side only; it is closed when the session dies.
func (m *Session) Accept() chan *Request {
	return m.ach
}

// Close closes the physical connection. Any blocked Read or Write operations will be unblocked and return errors.
func (m *Session) Close() error {
	return m.con.Close()
}

// Done is closed when the session is no longer usable.
func (m *Session) Done() chan struct{} {
	return m.rdn
}

// Open creates a new logical stream to the given destination on the session. It blocks until the server has acked or
// refused the dial.
func (m *Session) Open(ctx *websocks.Context, network string, address string) (*Stream, error) {
	if len(address) > 255 {
		return nil, fmt.Errorf("swan: destination address too long: %s", address)
	}
	var net byte
	switch network {
	case "tcp":
		net = NetTCP
	case "udp":
		net = NetUDP
	default:
		return nil, fmt.Errorf("swan: network must be tcp or udp")
	}
	idx, err := m.sip.Get()
	if err != nil {
		return nil, err
	}
	stm := NewStream(idx, m)
	m.mu.Lock()
	m.usb[idx] = stm
	m.mu.Unlock()
	buf := make([]byte, 3+len(address))
	buf[0] = idx
	buf[1] = CmdOpen
	buf[2] = net
	copy(buf[3:], address)
	if err := m.write(buf); err != nil {
		m.del(idx)
		return nil, err
	}
	select {
	case err := <-stm.och:
		if err != nil {
			// The server has already freed the slot, there is no close handshake to wait for.
			m.del(idx)
			return nil, err
		}
		return stm, nil
	case <-m.rdn:
		return nil, m.rer
	case <-time.After(websocks.Conf.DialerTimeout):
		stm.Close()
		go func() {
			// The server might still answer. An ack is followed by the normal close handshake, but a fail means
			// the server already freed the slot and will never say close, so it counts as the second half here.
			select {
			case err := <-stm.och:
				if err != nil {
					stm.ton.Do(stm.fin)
				}
			case <-m.rdn:
			}
		}()
		return nil, fmt.Errorf("swan: open %s: i/o timeout", address)
	}
}

// del clears the table slot and, on the client side, returns the sid to the pool.
func (m *Session) del(idx uint8) {
	m.mu.Lock()
	m.usb[idx] = nil
	m.mu.Unlock()
	if m.sip != nil {
		m.sip.Put(idx)
	}
}

// get returns the live stream registered under idx.
func (m *Session) get(idx uint8) *Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usb[idx]
}

// write sends one frame. The connection allows a single concurrent writer, so all frames funnel through here.
func (m *Session) write(b []byte) error {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	return m.con.WriteMessage(websocket.BinaryMessage, b)
}

// Spawn continues to receive frames until a fatal error is encountered. On exit, every stream the session carried is
// woken with the session error.
func (m *Session) Spawn() {
	var rer error
	for {
		typ, buf, err := m.con.ReadMessage()
		if err != nil {
			rer = err
			break
		}
		if typ != websocket.BinaryMessage || len(buf) < 2 || len(buf) > SizeFrame {
			rer = ErrProtocol
			break
		}
		idx := buf[0]
		cmd := buf[1]
		switch cmd {
		case CmdOpen:
			if m.ach == nil || len(buf) < 4 {
				rer = ErrProtocol
				break
			}
			var network string
			switch buf[2] {
			case NetTCP:
				network = "tcp"
			case NetUDP:
				network = "udp"
			default:
				rer = ErrProtocol
			}
			if rer != nil {
				break
			}
			// Make sure the previous occupant has been closed properly.
			if old := m.get(idx); old != nil {
				old.rer.Put(io.ErrClosedPipe)
				old.wer.Put(io.ErrClosedPipe)
				old.ron.Do(func() { close(old.rdn) })
			}
			stm := NewStream(idx, m)
			m.mu.Lock()
			m.usb[idx] = stm
			m.mu.Unlock()
			m.ach <- &Request{Stream: stm, Network: network, Address: string(buf[3:])}
		case CmdData:
			stm := m.get(idx)
			if stm == nil {
				continue
			}
			select {
			case stm.rch <- buf[2:]:
			case <-stm.rdn:
			}
		case CmdClose:
			stm := m.get(idx)
			if stm == nil {
				continue
			}
			stm.rer.Put(io.EOF)
			stm.wer.Put(io.ErrClosedPipe)
			stm.ron.Do(func() { close(stm.rdn) })
			stm.ton.Do(stm.fin)
		case CmdOpenAck:
			stm := m.get(idx)
			if stm == nil || m.ach != nil {
				rer = ErrProtocol
				break
			}
			select {
			case stm.och <- nil:
			default:
			}
		case CmdOpenFail:
			stm := m.get(idx)
			if stm == nil || m.ach != nil {
				rer = ErrProtocol
				break
			}
			select {
			case stm.och <- fmt.Errorf("swan: open refused: %s", string(buf[2:])):
			default:
			}
		default:
			rer = ErrProtocol
		}
		if rer != nil {
			break
		}
	}
	m.rer = rer
	m.con.Close()
	if m.ach != nil {
		close(m.ach)
	}
	close(m.rdn)
}

// NewSession returns a new Session.
func NewSession(conn *websocket.Conn) *Session {
	return &Session{
		con: conn,
		rdn: make(chan struct{}),
		usb: make([]*Stream, 256),
	}
}

// NewSessionServer returns the server side of a session. It answers open frames and never initiates one.
func NewSessionServer(conn *websocket.Conn) *Session {
	mux := NewSession(conn)
	mux.ach = make(chan *Request)
	go mux.Spawn()
	return mux
}

// NewSessionClient returns the client side of a session, owner of the stream id pool.
func NewSessionClient(conn *websocket.Conn) *Session {
	mux := NewSession(conn)
	mux.sip = NewSip()
	go mux.Spawn()
	return mux
}
