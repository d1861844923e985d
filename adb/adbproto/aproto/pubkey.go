package aproto

import (
	"bytes"
	"crypto/md5"
	"crypto/rsa"
	"encoding"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"strings"
)

// https://cs.android.com/android/platform/superproject/main/+/main:system/core/libcrypto_utils/android_pubkey.cpp;drc=61197364367c9e404c7da6900658f1b16c42d0da

const (
	// PublicKeyModulusSize is the size in bytes of the modulus, signatures,
	// and encrypted blocks.
	PublicKeyModulusSize = 2048 / 8

	// PublicKeyEncodedSize is the size of the binary form of [PublicKey].
	PublicKeyEncodedSize = 4 + 4 + PublicKeyModulusSize + PublicKeyModulusSize + 4
)

// PublicKey is the binary RSA public key format used by adbd. It is made up of
// little-endian 32-bit words, with the Montgomery parameters precomputed for
// the device.
type PublicKey struct {
	ModulusSizeWords uint32                     // always PublicKeyModulusSize/4
	N0Inv            uint32                     // -1/n[0] mod 2^32
	Modulus          [PublicKeyModulusSize]byte // little-endian
	RR               [PublicKeyModulusSize]byte // R^2 mod n, little-endian
	Exponent         uint32
}

var (
	_ encoding.BinaryUnmarshaler = (*PublicKey)(nil)
	_ encoding.BinaryAppender    = (*PublicKey)(nil)
	_ encoding.BinaryMarshaler   = (*PublicKey)(nil)
)

// NewPublicKey converts pub, which must be a 2048-bit key.
func NewPublicKey(pub *rsa.PublicKey) (*PublicKey, error) {
	if n := pub.Size(); n != PublicKeyModulusSize {
		return nil, fmt.Errorf("unsupported modulus size %d", n)
	}
	k := &PublicKey{
		ModulusSizeWords: PublicKeyModulusSize / 4,
		Exponent:         uint32(pub.E),
	}

	// n0inv = 2^32 - (n^-1 mod 2^32)
	word := new(big.Int).Lsh(big.NewInt(1), 32)
	inv := new(big.Int).ModInverse(new(big.Int).Mod(pub.N, word), word)
	k.N0Inv = uint32(new(big.Int).Sub(word, inv).Uint64())

	// rr = (2^bits)^2 mod n
	rr := new(big.Int).Lsh(big.NewInt(1), 2*PublicKeyModulusSize*8)
	rr.Mod(rr, pub.N)

	putLittleEndian(k.Modulus[:], pub.N)
	putLittleEndian(k.RR[:], rr)
	return k, nil
}

func putLittleEndian(dst []byte, x *big.Int) {
	x.FillBytes(dst)
	slices.Reverse(dst)
}

// GoPublicKey returns the modulus and exponent of k as a [rsa.PublicKey].
func GoPublicKey(k *PublicKey) *rsa.PublicKey {
	if k == nil {
		return nil
	}
	be := k.Modulus
	slices.Reverse(be[:])
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(be[:]),
		E: int(k.Exponent),
	}
}

// UnmarshalBinary decodes the binary form of k. The precomputed parameters
// are taken as-is.
func (k *PublicKey) UnmarshalBinary(buf []byte) error {
	if len(buf) != PublicKeyEncodedSize {
		return fmt.Errorf("pubkey is %d bytes, expected %d", len(buf), PublicKeyEncodedSize)
	}
	var r PublicKey
	r.ModulusSizeWords, buf = binary.LittleEndian.Uint32(buf), buf[4:]
	if r.ModulusSizeWords != PublicKeyModulusSize/4 {
		return fmt.Errorf("unsupported modulus size %d words", r.ModulusSizeWords)
	}
	r.N0Inv, buf = binary.LittleEndian.Uint32(buf), buf[4:]
	buf = buf[copy(r.Modulus[:], buf):]
	buf = buf[copy(r.RR[:], buf):]
	r.Exponent = binary.LittleEndian.Uint32(buf)
	*k = r
	return nil
}

// AppendBinary appends the binary form of k to b.
func (k *PublicKey) AppendBinary(b []byte) ([]byte, error) {
	b = slices.Grow(b, PublicKeyEncodedSize)
	b = binary.LittleEndian.AppendUint32(b, k.ModulusSizeWords)
	b = binary.LittleEndian.AppendUint32(b, k.N0Inv)
	b = append(append(b, k.Modulus[:]...), k.RR[:]...)
	return binary.LittleEndian.AppendUint32(b, k.Exponent), nil
}

// MarshalBinary returns the binary form of k.
func (k *PublicKey) MarshalBinary() ([]byte, error) {
	return k.AppendBinary(make([]byte, 0, PublicKeyEncodedSize))
}

// Equal reports whether k and o are the same key. The precomputed parameters
// are not compared.
func (k *PublicKey) Equal(o *PublicKey) bool {
	if k == nil || o == nil {
		return false
	}
	return k.Exponent == o.Exponent && k.Modulus == o.Modulus
}

// Fingerprint returns the MD5 of the binary form of k as colon-separated
// uppercase hex, like adb prints it.
func (k *PublicKey) Fingerprint() string {
	b, _ := k.MarshalBinary()
	sum := md5.Sum(b)
	parts := make([]string, len(sum))
	for i, c := range sum {
		parts[i] = fmt.Sprintf("%02X", c)
	}
	return strings.Join(parts, ":")
}

var errPublicKeyLength = errors.New("incorrect encoded pubkey length")

// ParsePublicKey parses the text form of a public key ("base64 name"), as
// found in adbkey.pub and in A_AUTH packets (which add trailing NULs).
func ParsePublicKey(buf []byte) (key *PublicKey, name string, err error) {
	buf = bytes.TrimRight(buf, "\x00")
	if i := bytes.IndexAny(buf, " \t"); i >= 0 {
		buf, name = buf[:i], string(buf[i+1:])
	}
	if len(buf) != base64.StdEncoding.EncodedLen(PublicKeyEncodedSize) {
		return nil, name, fmt.Errorf("%w (%d bytes)", errPublicKeyLength, len(buf))
	}
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(buf)))
	n, err := base64.StdEncoding.Decode(raw, buf)
	if err != nil {
		return nil, name, err
	}
	key = new(PublicKey)
	if err := key.UnmarshalBinary(raw[:n]); err != nil {
		return nil, name, err
	}
	return key, name, nil
}

// AppendPublicKey appends the text form of key to b, without a trailing
// newline or NUL.
func AppendPublicKey(b []byte, key *PublicKey, name string) []byte {
	raw, _ := key.MarshalBinary()
	b = base64.StdEncoding.AppendEncode(b, raw)
	if name == "" {
		return b
	}
	return append(append(b, ' '), name...)
}
