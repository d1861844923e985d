package aproto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"math/big"
	"time"
)

// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/client/auth.cpp;drc=61197364367c9e404c7da6900658f1b16c42d0da

// KeyBits is the only RSA key size adbd accepts.
const KeyBits = PublicKeyModulusSize * 8

func orRandom(r io.Reader) io.Reader {
	if r == nil {
		return rand.Reader
	}
	return r
}

// GenerateKey creates a private key for A_AUTH. If random is nil,
// [crypto/rand.Reader] is used.
func GenerateKey(random io.Reader) (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(orRandom(random), KeyBits)
}

// NewToken creates an A_AUTH token, as sent by adbd. If random is nil,
// [crypto/rand.Reader] is used.
func NewToken(random io.Reader) ([]byte, error) {
	token := make([]byte, AuthTokenSize)
	_, err := io.ReadFull(orRandom(random), token)
	if err != nil {
		return nil, err
	}
	return token, nil
}

// SignToken signs token for an A_AUTH signature reply. adbd treats the token
// itself as the SHA-1 digest, so it is not hashed again.
func SignToken(key *rsa.PrivateKey, token []byte) ([]byte, error) {
	if n := len(token); n != AuthTokenSize {
		return nil, fmt.Errorf("token is %d bytes, expected %d", n, AuthTokenSize)
	}
	return rsa.SignPKCS1v15(nil, key, crypto.SHA1, token)
}

// VerifyToken reports whether sig is a signature of token by key.
func VerifyToken(key *PublicKey, token, sig []byte) bool {
	return len(token) == AuthTokenSize &&
		rsa.VerifyPKCS1v15(GoPublicKey(key), crypto.SHA1, token, sig) == nil
}

// GenerateCertificate creates the self-signed certificate presented during
// A_STLS, matching what adb and adbd generate.
//
// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/crypto/x509_generator.cpp;l=34-122;drc=61197364367c9e404c7da6900658f1b16c42d0da
func GenerateCertificate(pkey *rsa.PrivateKey) ([]byte, error) {
	const validity = 10 * 365 * 24 * time.Hour
	tmpl := x509.Certificate{
		Version:      2,
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:   "Adb",
			Organization: []string{"Android"},
			Country:      []string{"US"},
		},
		NotBefore:             time.Unix(0, 0),
		NotAfter:              time.Now().Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          []byte("hash"),
	}
	return x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &pkey.PublicKey, pkey)
}
