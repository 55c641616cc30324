package plume

import (
	"crypto/rand"
	"testing"

	"github.com/godump/doa"
	"github.com/stretchr/testify/require"
	"github.com/websocks/websocks"
)

func TestPlumeWrapUnwrap(t *testing.T) {
	p := NewPlume(websocks.Salt("password"))
	for _, n := range []int{0, 1, 16, 512, 2046} {
		msg := make([]byte, n)
		rand.Read(msg)
		require.Equal(t, msg, doa.Try(p.Unwrap(p.Wrap(msg))))
	}
}

func TestPlumeWrapRandomized(t *testing.T) {
	p := NewPlume(websocks.Salt("password"))
	msg := []byte("the same datagram twice")
	e0 := p.Wrap(msg)
	e1 := p.Wrap(msg)
	// Same payload, same key, still no shared prefix on the wire.
	require.NotEqual(t, e0[:SizeNonce], e1[:SizeNonce])
	require.NotEqual(t, e0[SizeNonce:SizeNonce+3], e1[SizeNonce:SizeNonce+3])
}

func TestPlumeUnwrapMalformed(t *testing.T) {
	p := NewPlume(websocks.Salt("password"))
	_, err := p.Unwrap([]byte{0x00, 0x01, 0x02})
	require.ErrorIs(t, err, ErrEnvelope)
	_, err = p.Unwrap(make([]byte, SizeNonce+2))
	require.ErrorIs(t, err, ErrEnvelope)

	e := p.Wrap([]byte("datagram"))
	e[SizeNonce] ^= 0xff
	_, err = p.Unwrap(e)
	require.ErrorIs(t, err, ErrEnvelope)
}

func TestPlumeUnwrapWrongKey(t *testing.T) {
	p0 := NewPlume(websocks.Salt("password"))
	p1 := NewPlume(websocks.Salt("passwerd"))
	e := p0.Wrap([]byte("datagram"))
	_, err := p1.Unwrap(e)
	require.ErrorIs(t, err, ErrEnvelope)
}
