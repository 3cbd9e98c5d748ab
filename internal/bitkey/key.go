// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

// Package bitkey implements fixed width binary keys and the bit arithmetic
// kademlia needs on them: xor distance, unsigned ordering and the index of the
// highest set bit.
package bitkey

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"
	"strings"

	"github.com/go-faster/xor"
	"github.com/trim21/errgo"

	"nereid/internal/pkg/random"
)

// LengthError is returned when a key is built from, or combined with, a value of the wrong width.
type LengthError struct {
	Want int
	Got  int
}

func (e *LengthError) Error() string {
	return fmt.Sprintf("key length mismatch: want %d bits, got %d bits", e.Want, e.Got)
}

var ErrEmptyKey = errors.New("key must have at least 1 bit")

// Key is an immutable unsigned integer of a fixed number of bits.
//
// The zero value is a 0-bit key and is only useful as "no key".
// Key is comparable, two keys are == iff they have the same width and value.
type Key struct {
	// big endian, unused high bits of the first byte are always zero.
	b    string
	bits int
}

func byteLen(bits int) int {
	return (bits + 7) / 8
}

// FromHex parses s as a key of exactly `bits` bits.
// Every hex digit carries 4 bits, s is never padded or truncated.
func FromHex(s string, bits int) (Key, error) {
	if bits <= 0 {
		return Key{}, ErrEmptyKey
	}

	if len(s)*4 != bits {
		return Key{}, &LengthError{Want: bits, Got: len(s) * 4}
	}

	if len(s)%2 == 1 {
		s = "0" + s
	}

	raw, err := hex.DecodeString(s)
	if err != nil {
		return Key{}, errgo.Wrap(err, "invalid hex key")
	}

	return Key{b: string(raw), bits: bits}, nil
}

// ParseHex parses s as a key, the width is len(s)*4.
func ParseHex(s string) (Key, error) {
	return FromHex(s, len(s)*4)
}

// MustParseHex is like ParseHex but panics on error.
func MustParseHex(s string) Key {
	k, err := ParseHex(s)
	if err != nil {
		panic(err)
	}

	return k
}

// FromBytes creates a key of `bits` bits from big endian bytes.
func FromBytes(b []byte, bits int) (Key, error) {
	if bits <= 0 {
		return Key{}, ErrEmptyKey
	}

	if len(b) != byteLen(bits) {
		return Key{}, &LengthError{Want: bits, Got: len(b) * 8}
	}

	if extra := len(b)*8 - bits; extra != 0 && b[0]>>(8-extra) != 0 {
		return Key{}, &LengthError{Want: bits, Got: len(b) * 8}
	}

	return Key{b: string(b), bits: bits}, nil
}

// Random returns a uniformly random key of `bits` bits.
func Random(bits int) Key {
	if bits <= 0 {
		panic(ErrEmptyKey)
	}

	b := random.Bytes(byteLen(bits))
	b[0] &= 0xff >> (len(b)*8 - bits)

	return Key{b: string(b), bits: bits}
}

// Len is the width of the key in bits.
func (k Key) Len() int {
	return k.bits
}

func (k Key) IsZero() bool {
	return strings.Trim(k.b, "\x00") == ""
}

func (k Key) Bytes() []byte {
	return []byte(k.b)
}

// Hex returns ceil(Len/4) lower case hex digits, the inverse of FromHex.
func (k Key) Hex() string {
	s := hex.EncodeToString([]byte(k.b))
	return s[len(s)-(k.bits+3)/4:]
}

func (k Key) String() string {
	return k.Hex()
}

// Short is a shortened hex representation for logging.
func (k Key) Short() string {
	s := k.Hex()
	if len(s) > 8 {
		return s[:8]
	}

	return s
}

// At reports the i-th bit, counting from the most significant bit.
func (k Key) At(i int) bool {
	if i < 0 || i >= k.bits {
		panic(fmt.Sprintf("bit index out of range index=%d len=%d", i, k.bits))
	}

	p := k.bits - 1 - i

	return k.b[len(k.b)-1-p/8]&(1<<(p%8)) != 0
}

// Xor returns the xor distance between two keys of the same width.
func (k Key) Xor(other Key) (Key, error) {
	if k.bits != other.bits {
		return Key{}, &LengthError{Want: k.bits, Got: other.bits}
	}

	out := make([]byte, len(k.b))
	xor.Bytes(out, []byte(k.b), []byte(other.b))

	return Key{b: string(out), bits: k.bits}, nil
}

// Compare orders keys as unsigned integers, it returns -1, 0 or 1.
func (k Key) Compare(other Key) (int, error) {
	if k.bits != other.bits {
		return 0, &LengthError{Want: k.bits, Got: other.bits}
	}

	// same width means same byte length, so big endian bytes order as the integers do.
	return strings.Compare(k.b, other.b), nil
}

// HighestSetBit returns the position of the most significant set bit,
// 0 is the least significant bit. ok is false iff the key is all zero.
func (k Key) HighestSetBit() (index int, ok bool) {
	for i := 0; i < len(k.b); i++ {
		c := k.b[i]
		if c == 0 {
			continue
		}

		return (len(k.b)-1-i)*8 + bits.Len8(c) - 1, true
	}

	return 0, false
}

// MarshalText encodes the key as hex.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.Hex()), nil
}

// UnmarshalText decodes a hex key, the width is taken from the text length.
func (k *Key) UnmarshalText(text []byte) error {
	v, err := ParseHex(string(text))
	if err != nil {
		return err
	}

	*k = v
	return nil
}
