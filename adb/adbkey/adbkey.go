// Package adbkey manages the RSA credentials used to authenticate with adbd.
package adbkey

import (
	"cmp"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/pgaskin/go-adbmux/adb/adbproto/aproto"
)

// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/client/auth.cpp;drc=61197364367c9e404c7da6900658f1b16c42d0da

// Key is a private key used to sign A_AUTH tokens. It is safe for concurrent
// use.
type Key struct {
	priv *rsa.PrivateKey
	pub  *aproto.PublicKey
	name string
}

// New wraps an existing private key. If name is empty, [DefaultName] is used.
func New(priv *rsa.PrivateKey, name string) (*Key, error) {
	pub, err := aproto.NewPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &Key{
		priv: priv,
		pub:  pub,
		name: cmp.Or(name, DefaultName()),
	}, nil
}

// Generate generates a new key.
func Generate(random io.Reader, name string) (*Key, error) {
	priv, err := aproto.GenerateKey(random)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return New(priv, name)
}

// Parse parses a PEM-encoded PKCS#8 or PKCS#1 private key.
func Parse(buf []byte, name string) (*Key, error) {
	blk, _ := pem.Decode(buf)
	if blk == nil {
		return nil, fmt.Errorf("parse key: no pem block found")
	}
	var priv *rsa.PrivateKey
	switch blk.Type {
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(blk.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse key: %w", err)
		}
		rk, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("parse key: not an rsa key (%T)", k)
		}
		priv = rk
	case "RSA PRIVATE KEY":
		k, err := x509.ParsePKCS1PrivateKey(blk.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse key: %w", err)
		}
		priv = k
	default:
		return nil, fmt.Errorf("parse key: unsupported pem block %q", blk.Type)
	}
	return New(priv, name)
}

// Load loads a key from an adbkey file. If an adbkey.pub file exists next to
// it, the name is taken from it.
func Load(path string) (*Key, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var name string
	if pub, err := os.ReadFile(path + ".pub"); err == nil {
		if _, n, err := aproto.ParsePublicKey([]byte(strings.TrimSpace(string(pub)))); err == nil {
			name = n
		}
	}
	return Parse(buf, name)
}

// LoadOrGenerate loads the key at path, generating and saving a new one if it
// doesn't exist.
func LoadOrGenerate(path string) (*Key, error) {
	k, err := Load(path)
	if err == nil || !errors.Is(err, fs.ErrNotExist) {
		return k, err
	}
	if k, err = Generate(nil, ""); err != nil {
		return nil, err
	}
	if err := k.Save(path); err != nil {
		return nil, err
	}
	return k, nil
}

// Save writes the private key to path (PKCS#8 PEM) and the public key to
// path.pub, creating the parent directory if required.
func (k *Key) Save(path string) error {
	der, err := x509.MarshalPKCS8PrivateKey(k.priv)
	if err != nil {
		return fmt.Errorf("encode key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600); err != nil {
		return err
	}
	if err := os.WriteFile(path+".pub", append(k.EncodePublicKey(), '\n'), 0o644); err != nil {
		return err
	}
	return nil
}

// Name returns the name sent with the public key (usually user@host).
func (k *Key) Name() string {
	return k.name
}

// PublicKey returns the public key in the Android format.
func (k *Key) PublicKey() *aproto.PublicKey {
	return k.pub
}

// Fingerprint returns the MD5 fingerprint shown by the device in the
// authorization prompt.
func (k *Key) Fingerprint() string {
	return k.pub.Fingerprint()
}

// EncodePublicKey encodes the public key like the adbkey.pub file.
func (k *Key) EncodePublicKey() []byte {
	return aproto.AppendPublicKey(nil, k.pub, k.name)
}

// Sign signs an A_AUTH token.
func (k *Key) Sign(token []byte) ([]byte, error) {
	return aproto.SignToken(k.priv, token)
}

// Certificate generates a self-signed certificate for A_STLS.
func (k *Key) Certificate() (tls.Certificate, error) {
	der, err := aproto.GenerateCertificate(k.priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generate certificate: %w", err)
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  k.priv,
	}, nil
}

// DefaultPath returns the path of the adb client key,
// $ANDROID_USER_HOME/adbkey or ~/.android/adbkey.
func DefaultPath() (string, error) {
	if dir := os.Getenv("ANDROID_USER_HOME"); dir != "" {
		return filepath.Join(dir, "adbkey"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".android", "adbkey"), nil
}

// DefaultName returns the name adb uses for new keys (user@host).
func DefaultName() string {
	username := "unknown"
	if u, err := user.Current(); err == nil && u.Username != "" {
		username = u.Username
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}
	return username + "@" + hostname
}
