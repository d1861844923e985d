package adbconn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/pgaskin/go-adbmux/adb/adbkey"
	"github.com/pgaskin/go-adbmux/adb/adbproto"
	"github.com/pgaskin/go-adbmux/adb/adbproto/aproto"
)

// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/client/auth.cpp;drc=61197364367c9e404c7da6900658f1b16c42d0da
// https://cs.android.com/android/platform/superproject/main/+/main:packages/modules/adb/adb.cpp;l=460-498;drc=9f298fb1f3317371b49439efb20a598b3a881bf3

// handshake sends our CNXN and handles AUTH/STLS until the device sends its
// CNXN. Each key is used to sign at most one token, then the public key of the
// first one is offered once. Another token after that fails the handshake.
func (c *Conn) handshake(ctx context.Context) (err error) {
	if c.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
		defer cancel()
	}
	if dl, ok := ctx.Deadline(); ok {
		c.ch.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() {
		c.ch.SetDeadline(time.Unix(1, 0))
	})
	defer func() {
		if !stop() && err == nil {
			err = ctx.Err() // the deadline may have been set after we finished
		}
		if err != nil && ctx.Err() != nil && !errors.Is(err, adbproto.ErrAuthentication) {
			err = fmt.Errorf("handshake: %w (%w)", ctx.Err(), err)
		}
		if err == nil {
			c.ch.SetDeadline(time.Time{})
		}
	}()

	if err := c.send(aproto.A_CNXN, aproto.VersionSkipChecksum, c.cfg.MaxPayload, aproto.HostBanner(c.cfg.Features)); err != nil {
		return fmt.Errorf("handshake: send banner: %w", err)
	}

	var (
		signed     int
		sentPubkey bool
	)
	for {
		msg, data, ok := c.ap.Read()
		if !ok {
			return fmt.Errorf("handshake: %w", c.ap.Error())
		}
		if c.trace.PacketReceived != nil {
			c.trace.PacketReceived(aproto.Packet{Message: msg, Payload: data})
		}
		switch msg.Command {
		case aproto.A_CNXN:
			return c.connected(msg, data)

		case aproto.A_AUTH:
			if msg.Arg0 != aproto.AuthToken {
				return adbproto.ProtocolErrorf("handshake: unexpected AUTH type %d", msg.Arg0)
			}
			if len(data) != aproto.AuthTokenSize {
				return adbproto.ProtocolErrorf("handshake: invalid AUTH token length %d", len(data))
			}
			if len(c.cfg.Keys) == 0 {
				return &adbproto.AuthenticationError{NoCredential: true}
			}
			if signed < len(c.cfg.Keys) {
				key := c.cfg.Keys[signed]
				signed++
				sig, err := key.Sign(data)
				if err != nil {
					return fmt.Errorf("handshake: sign token: %w", err)
				}
				debug.Debug("sending signature", "fingerprint", key.Fingerprint())
				if c.trace.AuthSignature != nil {
					c.trace.AuthSignature(key.Fingerprint())
				}
				if err := c.send(aproto.A_AUTH, aproto.AuthSignature, 0, sig); err != nil {
					return fmt.Errorf("handshake: send signature: %w", err)
				}
				continue
			}
			if sentPubkey {
				return &adbproto.AuthenticationError{Attempts: signed, SentPubkey: true}
			}
			sentPubkey = true
			key := c.cfg.Keys[0]
			debug.Info("sending public key", "fingerprint", key.Fingerprint(), "name", key.Name())
			if c.trace.AuthPublicKey != nil {
				c.trace.AuthPublicKey(key.Fingerprint())
			}
			if err := c.send(aproto.A_AUTH, aproto.AuthRSAPublicKey, 0, append(key.EncodePublicKey(), 0)); err != nil {
				return fmt.Errorf("handshake: send public key: %w", err)
			}

		case aproto.A_STLS:
			if c.cfg.DisableTLS {
				return fmt.Errorf("handshake: %w: device requires tls", adbproto.ErrProtocolVersion)
			}
			if len(c.cfg.Keys) == 0 {
				return &adbproto.AuthenticationError{NoCredential: true}
			}
			if err := c.send(aproto.A_STLS, aproto.STLSVersionMin, 0, nil); err != nil {
				return fmt.Errorf("handshake: send stls: %w", err)
			}
			if err := c.startTLS(ctx, c.cfg.Keys); err != nil {
				return err
			}

		default:
			return adbproto.ProtocolErrorf("handshake: unexpected %s", msg.Command)
		}
	}
}

// connected handles the device's CNXN.
func (c *Conn) connected(msg aproto.Message, data []byte) error {
	if msg.Arg0 < aproto.VersionMin {
		return fmt.Errorf("handshake: %w: device version %08X", adbproto.ErrProtocolVersion, msg.Arg0)
	}
	if msg.Arg1 < aproto.MinPayloadSize {
		return fmt.Errorf("handshake: %w: device max payload %d is less than %d", adbproto.ErrProtocolVersion, msg.Arg1, aproto.MinPayloadSize)
	}
	c.version = min(msg.Arg0, aproto.VersionSkipChecksum)
	c.maxPayload = min(msg.Arg1, c.cfg.MaxPayload)
	c.ap.SetProtocol(c.version, c.maxPayload)
	c.banner = aproto.ParseBanner(data)
	c.features = c.banner.Features.Intersect(adbproto.NewFeatureSet(c.cfg.Features...))

	debug.Info("connected", "version", fmt.Sprintf("%08X", c.version), "max_payload", c.maxPayload, "banner", c.banner.String())
	if c.trace.Connected != nil {
		c.trace.Connected(c.banner, c.version, c.maxPayload)
	}
	return nil
}

// startTLS upgrades the channel after an STLS exchange. adbd verifies the
// client certificate against its authorized keys, and we don't verify the
// device's certificate (it's self-signed).
func (c *Conn) startTLS(ctx context.Context, keys []*adbkey.Key) error {
	cert, err := keys[0].Certificate()
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true,
		GetClientCertificate: func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			return &cert, nil
		},
	}
	if err := c.ch.StartTLS(ctx, cfg); err != nil {
		return fmt.Errorf("handshake: tls: %w", err)
	}
	state, _ := c.ch.ConnectionState()
	debug.Info("tls", "version", tls.VersionName(state.Version), "cipher", tls.CipherSuiteName(state.CipherSuite))
	if c.trace.TLS != nil {
		c.trace.TLS(state.Version, state.CipherSuite)
	}
	return nil
}
