package plume

import (
	"crypto/rand"
	"crypto/rc4"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math"
	mrand "math/rand"

	"github.com/godump/doa"
)

// Protocol plume wraps udp datagrams in a small envelope before they cross the network boundary, so that a passive
// observer sees neither a fixed header nor a stable size for identical payloads. There is no plaintext marker at all:
// the first 8 bytes are a random nonce and everything after it is a rc4 stream keyed per-envelope, which is
// indistinguishable from random noise without the pre-shared key.
//
// +-------+---------------------------------------+
// | Nonce | Version | Len | Payload | Padding     |
// +-------+---------------------------------------+
// | 8     | 1       | 2   | 0 - 65535 | 0 - 64    |
// +-------+---------------------------------------+
//
// Everything after Nonce is encrypted with rc4(sha256(cipher || nonce)). Padding length is random per envelope.
// Unwrap recovers the payload bit-for-bit or reports a malformed envelope; udp gives no delivery guarantee, so the
// caller simply drops what does not parse.

// Version of the envelope layout. Bumped if the layout ever changes, so that both ends can refuse what they do not
// speak instead of relaying garbage.
const Version = 0x01

// SizeNonce is the length of the plaintext random prefix.
const SizeNonce = 8

// SizePadding is the maximum number of random trailing bytes added to an envelope.
const SizePadding = 64

// ErrEnvelope is returned by Unwrap for anything that does not parse as an envelope under the configured key.
var ErrEnvelope = errors.New("plume: malformed envelope")

// Plume wraps and unwraps datagrams under a pre-shared key. What one side wraps, the other unwraps, and vice versa
// for return traffic.
type Plume struct {
	Cipher []byte
}

// mask returns the per-envelope rc4 cipher for the given nonce.
func (p *Plume) mask(nonce []byte) *rc4.Cipher {
	h := sha256.New()
	h.Write(p.Cipher)
	h.Write(nonce)
	return doa.Try(rc4.NewCipher(h.Sum(nil)))
}

// Wrap converts a datagram into an obfuscated envelope.
func (p *Plume) Wrap(data []byte) []byte {
	doa.Doa(len(data) <= math.MaxUint16)
	pad := mrand.Intn(SizePadding + 1)
	buf := make([]byte, SizeNonce+3+len(data)+pad)
	rand.Read(buf[:SizeNonce])
	buf[SizeNonce] = Version
	binary.BigEndian.PutUint16(buf[SizeNonce+1:SizeNonce+3], uint16(len(data)))
	copy(buf[SizeNonce+3:], data)
	rand.Read(buf[SizeNonce+3+len(data):])
	p.mask(buf[:SizeNonce]).XORKeyStream(buf[SizeNonce:], buf[SizeNonce:])
	return buf
}

// Unwrap recovers the original datagram from an envelope.
func (p *Plume) Unwrap(data []byte) ([]byte, error) {
	if len(data) < SizeNonce+3 {
		return nil, ErrEnvelope
	}
	buf := make([]byte, len(data)-SizeNonce)
	p.mask(data[:SizeNonce]).XORKeyStream(buf, data[SizeNonce:])
	if buf[0] != Version {
		return nil, ErrEnvelope
	}
	n := int(binary.BigEndian.Uint16(buf[1:3]))
	if 3+n > len(buf) {
		return nil, ErrEnvelope
	}
	return buf[3 : 3+n], nil
}

// NewPlume returns a new Plume under the given pre-shared key.
func NewPlume(cipher []byte) *Plume {
	return &Plume{
		Cipher: cipher,
	}
}
