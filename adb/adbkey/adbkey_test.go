package adbkey

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pgaskin/go-adbmux/adb/adbproto/aproto"
)

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "android", "adbkey")

	k, err := LoadOrGenerate(path)
	require.NoError(t, err)
	require.FileExists(t, path)
	require.FileExists(t, path+".pub")

	k2, err := Load(path)
	require.NoError(t, err)
	require.True(t, k.PublicKey().Equal(k2.PublicKey()))
	require.Equal(t, k.Name(), k2.Name())
	require.Equal(t, k.Fingerprint(), k2.Fingerprint())

	k3, err := LoadOrGenerate(path)
	require.NoError(t, err)
	require.Equal(t, k.Fingerprint(), k3.Fingerprint(), "existing key should be loaded, not regenerated")

	pub, err := os.ReadFile(path + ".pub")
	require.NoError(t, err)
	pk, name, err := aproto.ParsePublicKey(pub[:len(pub)-1])
	require.NoError(t, err)
	require.Equal(t, k.Name(), name)
	require.True(t, pk.Equal(k.PublicKey()))
}

func TestParsePKCS1(t *testing.T) {
	priv, err := aproto.GenerateKey(nil)
	require.NoError(t, err)

	buf := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	k, err := Parse(buf, "test@test")
	require.NoError(t, err)
	require.Equal(t, "test@test", k.Name())
	require.Zero(t, aproto.GoPublicKey(k.PublicKey()).N.Cmp(priv.N))

	_, err = Parse([]byte("garbage"), "")
	require.Error(t, err)
	_, err = Parse(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: []byte{1}}), "")
	require.ErrorContains(t, err, "unsupported")
}

func TestSign(t *testing.T) {
	k, err := Generate(nil, "")
	require.NoError(t, err)
	require.NotEmpty(t, k.Name())

	token, err := aproto.NewToken(nil)
	require.NoError(t, err)
	sig, err := k.Sign(token)
	require.NoError(t, err)
	require.True(t, aproto.VerifyToken(k.PublicKey(), token, sig))

	cert, err := k.Certificate()
	require.NoError(t, err)
	require.Len(t, cert.Certificate, 1)
	x, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	require.Zero(t, x.PublicKey.(*rsa.PublicKey).N.Cmp(aproto.GoPublicKey(k.PublicKey()).N))
}
