package aproto

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"os"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/pgaskin/go-adbmux/adb/adbproto"
)

type splitReadWriter struct {
	io.Reader
	io.Writer
}

func pipeConns(t *testing.T) (*Conn, *Conn) {
	pr1, pw1, err := os.Pipe()
	if err != nil {
		panic(err)
	}
	t.Cleanup(func() { pr1.Close(); pw1.Close() })

	pr2, pw2, err := os.Pipe()
	if err != nil {
		panic(err)
	}
	t.Cleanup(func() { pr2.Close(); pw2.Close() })

	return New(splitReadWriter{pr1, pw2}), New(splitReadWriter{pr2, pw1})
}

func TestConn(t *testing.T) {
	var (
		depth  = 0
		deeper = func(o *int) func() {
			depth++
			_, _, line, _ := runtime.Caller(depth + 1)
			*o = line
			return func() { depth-- }
		}
		// recv ensures that a read works correctly
		recv = func(t *testing.T, c *Conn, cmd Command, arg0, arg1, dataCheck uint32, data []byte) {
			var line int
			defer deeper(&line)()
			select {
			case <-time.After(time.Millisecond * 100):
				t.Fatalf("%d: read did not complete", line)
			case res := <-background(func() (Packet, bool) {
				msg, data, ok := c.Read()
				return Packet{msg, bytes.Clone(data)}, ok
			}):
				if !res.B {
					t.Fatalf("%d: unexpected connection error: %v", line, c.Error())
				}
				if !res.A.IsMagicValid() {
					t.Fatalf("%d: invalid magic received: %v", line, res.A)
				}
				if act, exp := res.A.Command, cmd; act != exp {
					t.Fatalf("%d: incorrect command received: expected %s, got %s", line, exp, act)
				}
				if res.A.Arg0 != arg0 || res.A.Arg1 != arg1 {
					t.Fatalf("%d: incorrect args received: expected %d %d, got %d %d", line, arg0, arg1, res.A.Arg0, res.A.Arg1)
				}
				if act, exp := res.A.DataLength, uint32(len(data)); act != exp {
					t.Fatalf("%d: incorrect dataLength received: expected %d, got %d", line, exp, act)
				}
				if act, exp := res.A.DataCheck, dataCheck; act != exp {
					t.Fatalf("%d: incorrect dataCheck received: expected %08X, got %08X", line, exp, act)
				}
				if act, exp := res.A.Payload, data; !bytes.Equal(act, exp) {
					t.Fatalf("%d: incorrect data received:\n\texp %x\n\tact %x", line, exp, act)
				}
			}
		}
		// sendRecv ensures a write/read round-trip works
		sendRecv = func(t *testing.T, w, r *Conn, cmd Command, arg0 uint32, arg1 uint32, data []byte, recvChecksum bool) {
			var line int
			defer deeper(&line)()
			if err := w.Write(cmd, arg0, arg1, data); err != nil {
				t.Fatalf("%d: unexpected connection error: %v", line, err)
			}
			var cksum uint32
			if recvChecksum {
				cksum = Checksum(data)
			}
			recv(t, r, cmd, arg0, arg1, cksum, data)
		}
		// sendRaw sends a raw message header and data
		sendRaw = func(t *testing.T, c *Conn, msg Message, data []byte) {
			var line int
			defer deeper(&line)()
			buf, _ := Packet{msg, data}.AppendBinary(nil)
			if _, err := c.rw.Write(buf); err != nil {
				t.Fatalf("%d: unexpected error: %v", line, err)
			}
		}
		// fails ensures the next read fails with a protocol error
		fails = func(t *testing.T, c *Conn, match string) {
			var line int
			defer deeper(&line)()
			select {
			case <-time.After(time.Millisecond * 100):
				t.Fatalf("%d: read did not complete", line)
			case res := <-background(func() (Packet, bool) {
				msg, data, ok := c.Read()
				return Packet{msg, data}, ok
			}):
				if res.B {
					t.Fatalf("%d: expected read to fail, got %v", line, res.A.Message)
				}
				if err := c.Error(); !errors.Is(err, adbproto.ErrProtocol) || !strings.Contains(err.Error(), match) {
					t.Fatalf("%d: expected protocol error containing %q, got %v", line, match, err)
				}
				if _, _, ok := c.Read(); ok {
					t.Fatalf("%d: expected error to be sticky", line)
				}
			}
		}
		// nothing ensures there's nothing left to read (c will no longer be usable)
		nothing = func(t *testing.T, c *Conn) {
			var line int
			defer deeper(&line)()
			select {
			case res := <-background(func() (Packet, bool) {
				msg, data, ok := c.Read()
				return Packet{msg, data}, ok
			}):
				if !res.B {
					t.Fatalf("%d: unexpected connection error: %v", line, c.Error())
				}
				t.Fatalf("%d: unexpected packet: %#v", line, res.A)
			case <-time.After(time.Millisecond * 50):
				c.Fail(errors.New("unusable"))
			}
		}
	)

	t.Run("ReadWrite", func(t *testing.T) {
		c1, c2 := pipeConns(t)
		sendRecv(t, c1, c2, A_AUTH, AuthToken, 0, []byte("0123456789abcdefghij"), true)
		sendRecv(t, c2, c1, A_CNXN, VersionSkipChecksum, MaxPayloadSize, []byte("device::features=shell_v2"), true)
		sendRecv(t, c1, c2, A_OKAY, 1, 2, nil, true)

		c1.SetProtocol(VersionSkipChecksum, MaxPayloadSizeV1)
		c2.SetProtocol(VersionSkipChecksum, MaxPayloadSizeV1)
		sendRecv(t, c1, c2, A_WRTE, 1, 2, bytes.Repeat([]byte{0xAA}, MaxPayloadSizeV1), false)

		nothing(t, c1)
		nothing(t, c2)
	})
	t.Run("TooLargeWrite", func(t *testing.T) {
		c1, _ := pipeConns(t)
		c1.SetProtocol(VersionSkipChecksum, 4)
		if err := c1.Write(A_WRTE, 1, 2, []byte("12345")); !errors.Is(err, adbproto.ErrProtocol) {
			t.Fatalf("expected protocol error, got %v", err)
		}
		if c1.Error() == nil {
			t.Fatalf("expected error to be sticky")
		}
	})
	t.Run("TooLargeRead", func(t *testing.T) {
		c1, c2 := pipeConns(t)
		c2.SetProtocol(VersionSkipChecksum, 4)
		sendRaw(t, c1, NewMessage(A_WRTE, 1, 2, []byte("12345"), false), []byte("12345"))
		fails(t, c2, "too large")
	})
	t.Run("BadMagic", func(t *testing.T) {
		c1, c2 := pipeConns(t)
		msg := NewMessage(A_OKAY, 1, 2, nil, true)
		msg.Magic++
		sendRaw(t, c1, msg, nil)
		fails(t, c2, "magic")
	})
	t.Run("BadChecksum", func(t *testing.T) {
		c1, c2 := pipeConns(t)
		msg := NewMessage(A_WRTE, 1, 2, []byte("abc"), true)
		msg.DataCheck++
		sendRaw(t, c1, msg, []byte("abc"))
		fails(t, c2, "checksum")
	})
	t.Run("SkipChecksum", func(t *testing.T) {
		c1, c2 := pipeConns(t)
		c2.SetProtocol(VersionSkipChecksum, MaxPayloadSize)
		sendRaw(t, c1, NewMessage(A_WRTE, 1, 2, []byte("abc"), false), []byte("abc"))
		recv(t, c2, A_WRTE, 1, 2, 0, []byte("abc"))
	})
	t.Run("ZeroChecksumBeforeNegotiation", func(t *testing.T) {
		c1, c2 := pipeConns(t)
		for _, cmd := range []Command{A_AUTH, A_CNXN} {
			sendRaw(t, c1, NewMessage(cmd, 1, 2, []byte("abc"), false), []byte("abc"))
			recv(t, c2, cmd, 1, 2, 0, []byte("abc"))
		}
	})
	t.Run("ShortPayload", func(t *testing.T) {
		r, w := io.Pipe()
		c := New(splitReadWriter{r, io.Discard})
		go func() {
			buf, _ := NewMessage(A_WRTE, 1, 2, []byte("abcdef"), true).AppendBinary(nil)
			w.Write(append(buf, "abc"...))
			w.Close()
		}()
		if _, _, ok := c.Read(); ok {
			t.Fatalf("expected read to fail")
		}
		if !errors.Is(c.Error(), io.ErrUnexpectedEOF) {
			t.Fatalf("expected unexpected eof, got %v", c.Error())
		}
	})
}

func TestBanner(t *testing.T) {
	b := ParseBanner([]byte("device::ro.product.name=sdk;ro.product.model=Pixel:9;ro.product.device=emu64;ro.extra=1;features=shell_v2,cmd,stat_v2\x00"))
	if b.Type != BannerDevice || b.Serial != "" {
		t.Errorf("incorrect type/serial %q %q", b.Type, b.Serial)
	}
	if b.Prop("ro.product.model") != "Pixel:9" {
		t.Errorf("incorrect model %q", b.Prop("ro.product.model"))
	}
	for _, f := range []adbproto.Feature{adbproto.FeatureShell2, adbproto.FeatureCmd, adbproto.FeatureStat2} {
		if !b.Features.Has(f) {
			t.Errorf("missing feature %q", f)
		}
	}
	if exp, act := "device::ro.product.name=sdk;ro.product.model=Pixel:9;ro.product.device=emu64;ro.extra=1;features=cmd,shell_v2,stat_v2", b.String(); act != exp {
		t.Errorf("incorrect encoded banner\n\texp %q\n\tact %q", exp, act)
	}
	if b := ParseBanner([]byte("recovery")); b.Type != BannerRecovery || len(b.Props) != 0 || len(b.Features) != 0 {
		t.Errorf("incorrect minimal banner %#v", b)
	}
	if exp, act := "host::features=shell_v2,cmd", string(HostBanner([]adbproto.Feature{adbproto.FeatureShell2, adbproto.FeatureCmd})); act != exp {
		t.Errorf("incorrect host banner %q", act)
	}
}

func TestPublicKey(t *testing.T) {
	key, err := GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pub, err := NewPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("convert key: %v", err)
	}
	if pub.ModulusSizeWords != PublicKeyModulusSize/4 || pub.Exponent != 65537 {
		t.Errorf("incorrect key params %d %d", pub.ModulusSizeWords, pub.Exponent)
	}
	if pub.N0Inv*uint32(key.N.Uint64()) != 0xFFFFFFFF {
		t.Errorf("incorrect n0inv")
	}
	if GoPublicKey(pub).N.Cmp(key.N) != 0 {
		t.Errorf("modulus did not round-trip")
	}

	enc := AppendPublicKey([]byte("prefix:"), pub, "user@host")
	enc, ok := bytes.CutPrefix(enc, []byte("prefix:"))
	if !ok {
		t.Fatalf("expected prefix to be kept")
	}
	dec, name, err := ParsePublicKey(append(enc, 0))
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	if name != "user@host" || !dec.Equal(pub) || dec.Fingerprint() != pub.Fingerprint() {
		t.Errorf("key did not round-trip")
	}

	token, err := NewToken(nil)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	sig, err := SignToken(key, token)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !VerifyToken(pub, token, sig) {
		t.Errorf("signature did not verify")
	}
	token[0]++
	if VerifyToken(pub, token, sig) {
		t.Errorf("signature verified for a different token")
	}
	if _, err := SignToken(key, token[:10]); err == nil {
		t.Errorf("expected short token to fail")
	}
}

func background[T, U any](fn func() (T, U)) <-chan struct {
	A T
	B U
} {
	ch := make(chan struct {
		A T
		B U
	}, 1)
	go func() {
		a, b := fn()
		ch <- struct {
			A T
			B U
		}{a, b}
	}()
	return ch
}
