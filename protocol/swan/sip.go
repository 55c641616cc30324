package swan

import (
	"errors"
	"math/big"
	"sync"

	"github.com/godump/doa"
)

// Sip hands out stream ids for the client side of a session. An id goes back into the pool only after both halves of
// the close handshake are done (see Stream.fin), so Put is called exactly once per Get and a recycled id can never
// collide with late frames of its previous life. The smallest free id is always preferred, which keeps the stream
// table dense.
type Sip struct {
	mu   sync.Mutex
	used big.Int
}

// Get takes the smallest free stream id out of the pool.
func (s *Sip) Get() (uint8, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := big.NewInt(0).Not(&s.used).TrailingZeroBits()
	if m == 256 {
		return 0, errors.New("swan: out of stream")
	}
	s.used.SetBit(&s.used, int(m), 1)
	return uint8(m), nil
}

// Put returns x to the pool.
func (s *Sip) Put(x uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doa.Doa(s.used.Bit(int(x)) == 1)
	s.used.SetBit(&s.used, int(x), 0)
}

// NewSip returns a new Sip with every id free.
func NewSip() *Sip {
	return &Sip{}
}
