// Package addr converts attacker IP addresses into the integer keys used to
// identify attackers in storage.
package addr

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"net/netip"
)

// v6Offset separates the IPv6 key space from the IPv4 one. IPv4 keys occupy
// [0, 2^32), IPv6 keys start at 2^32.
var v6Offset = new(big.Int).Lsh(big.NewInt(1), 32)

// InvalidAddressError is returned by Encode for input that is not an IP address.
type InvalidAddressError struct {
	Input string
}

func (e *InvalidAddressError) Error() string {
	return fmt.Sprintf("addr: invalid IP address %q", e.Input)
}

// Key is the integer identity of an IP address. It is comparable and can be
// used directly as a map key.
type Key struct {
	v6     bool
	hi, lo uint64
}

// Encode returns the key for ip. IPv4-mapped IPv6 addresses encode to the same
// key as their IPv4 form.
func Encode(ip string) (Key, error) {
	a, err := netip.ParseAddr(ip)
	if err != nil {
		return Key{}, &InvalidAddressError{Input: ip}
	}
	a = a.Unmap()
	if a.Is4() {
		b := a.As4()
		return Key{lo: uint64(binary.BigEndian.Uint32(b[:]))}, nil
	}
	b := a.As16()
	return Key{
		v6: true,
		hi: binary.BigEndian.Uint64(b[:8]),
		lo: binary.BigEndian.Uint64(b[8:]),
	}, nil
}

// MustEncode is like Encode but panics on invalid input. Intended for tests
// and constants.
func MustEncode(ip string) Key {
	k, err := Encode(ip)
	if err != nil {
		panic(err)
	}
	return k
}

// IsV4 reports whether the key was derived from an IPv4 address.
func (k Key) IsV4() bool { return !k.v6 }

// Int returns the key as an arbitrary-precision integer.
func (k Key) Int() *big.Int {
	n := new(big.Int).SetUint64(k.hi)
	n.Lsh(n, 64)
	n.Or(n, new(big.Int).SetUint64(k.lo))
	if k.v6 {
		n.Add(n, v6Offset)
	}
	return n
}

// String returns the decimal form of the key.
func (k Key) String() string {
	if !k.v6 {
		return fmt.Sprintf("%d", k.lo)
	}
	return k.Int().String()
}

// MarshalText encodes the key in decimal.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}
