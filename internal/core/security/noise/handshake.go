package noise

import (
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"filippo.io/edwards25519"
	"github.com/flynn/noise"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/void-p2p/go-void/internal/core/identity"
	"github.com/void-p2p/go-void/pkg/lib/crypto"
	"github.com/void-p2p/go-void/pkg/lib/proto/pbio"
	"github.com/void-p2p/go-void/pkg/types"
)

const payloadSigPrefix = "noise-libp2p-static-key:"

// maxFrame 单帧上限（2 字节长度）
const maxFrame = 65535

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

func handshake(conn net.Conn, id *identity.Identity, remotePeer types.PeerID, initiator bool) (*secureConn, error) {
	edPriv, ok := id.PrivateKey().(*crypto.Ed25519PrivateKey)
	if !ok {
		return nil, crypto.ErrBadKeyType
	}
	std := edPriv.StdKey()
	static := noise.DHKey{
		Private: curvePrivate(std),
		Public:  curvePublic(std.Public().(ed25519.PublicKey)),
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, fmt.Errorf("create handshake state: %w", err)
	}

	payload, err := localPayload(id, static.Public)
	if err != nil {
		return nil, err
	}

	var (
		send, recv    *noise.CipherState
		remotePayload []byte
	)
	if initiator {
		send, recv, remotePayload, err = runInitiator(conn, hs, payload)
	} else {
		send, recv, remotePayload, err = runResponder(conn, hs, payload)
	}
	if err != nil {
		return nil, err
	}

	remoteKey, actual, err := verifyPayload(remotePayload, hs.PeerStatic())
	if err != nil {
		return nil, err
	}
	if remotePeer != "" && actual != remotePeer {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrPeerIDMismatch, remotePeer, actual)
	}

	return &secureConn{
		Conn:       conn,
		send:       send,
		recv:       recv,
		localPeer:  id.ID(),
		remotePeer: actual,
		remoteKey:  remoteKey,
	}, nil
}

func runInitiator(conn net.Conn, hs *noise.HandshakeState, payload []byte) (send, recv *noise.CipherState, remote []byte, err error) {
	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	if err = writeFrame(conn, msg); err != nil {
		return nil, nil, nil, err
	}

	msg, err = readFrame(conn)
	if err != nil {
		return nil, nil, nil, err
	}
	if remote, _, _, err = hs.ReadMessage(nil, msg); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrInvalidHandshake, err)
	}

	msg, cs1, cs2, err := hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, nil, nil, err
	}
	if err = writeFrame(conn, msg); err != nil {
		return nil, nil, nil, err
	}
	return cs1, cs2, remote, nil
}

func runResponder(conn net.Conn, hs *noise.HandshakeState, payload []byte) (send, recv *noise.CipherState, remote []byte, err error) {
	msg, err := readFrame(conn)
	if err != nil {
		return nil, nil, nil, err
	}
	if _, _, _, err = hs.ReadMessage(nil, msg); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrInvalidHandshake, err)
	}

	if msg, _, _, err = hs.WriteMessage(nil, payload); err != nil {
		return nil, nil, nil, err
	}
	if err = writeFrame(conn, msg); err != nil {
		return nil, nil, nil, err
	}

	msg, err = readFrame(conn)
	if err != nil {
		return nil, nil, nil, err
	}
	remote, cs1, cs2, err := hs.ReadMessage(nil, msg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %v", ErrInvalidHandshake, err)
	}
	// 响应者方向与发起者相反
	return cs2, cs1, remote, nil
}

// localPayload NoiseHandshakePayload{identity_key=1, identity_sig=2}
func localPayload(id *identity.Identity, staticPub []byte) ([]byte, error) {
	key, err := crypto.MarshalPublicKey(id.PublicKey())
	if err != nil {
		return nil, err
	}
	sig, err := id.Sign(append([]byte(payloadSigPrefix), staticPub...))
	if err != nil {
		return nil, fmt.Errorf("sign static key: %w", err)
	}
	var b []byte
	b = pbio.AppendBytes(b, 1, key)
	b = pbio.AppendBytes(b, 2, sig)
	return b, nil
}

func verifyPayload(payload, remoteStatic []byte) (crypto.PublicKey, types.PeerID, error) {
	var keyBytes, sig []byte
	err := pbio.ForEachField(payload, func(f pbio.Field) error {
		if f.Type != protowire.BytesType {
			return nil
		}
		switch f.Num {
		case 1:
			keyBytes = f.Bytes
		case 2:
			sig = f.Bytes
		}
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidHandshake, err)
	}
	if len(remoteStatic) != 32 {
		return nil, "", fmt.Errorf("%w: remote static key length %d", ErrInvalidHandshake, len(remoteStatic))
	}

	key, err := crypto.UnmarshalPublicKey(keyBytes)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidHandshake, err)
	}
	ok, err := key.Verify(append([]byte(payloadSigPrefix), remoteStatic...), sig)
	if err != nil || !ok {
		return nil, "", ErrInvalidSignature
	}
	id, err := crypto.IDFromPublicKey(key)
	if err != nil {
		return nil, "", err
	}
	return key, id, nil
}

// curvePrivate Ed25519 私钥转 X25519：SHA-512(seed) 前 32 字节并 clamp
func curvePrivate(priv ed25519.PrivateKey) []byte {
	h := sha512.Sum512(priv.Seed())
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	return h[:32]
}

// curvePublic Ed25519 公钥转 Montgomery 形式
func curvePublic(pub ed25519.PublicKey) []byte {
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return make([]byte, 32)
	}
	return p.BytesMontgomery()
}

// writeFrame 2 字节大端长度 + 数据，一次写出
func writeFrame(w io.Writer, data []byte) error {
	if len(data) > maxFrame {
		return fmt.Errorf("noise frame too large: %d", len(data))
	}
	buf := make([]byte, 2+len(data))
	binary.BigEndian.PutUint16(buf, uint16(len(data)))
	copy(buf[2:], data)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	data := make([]byte, binary.BigEndian.Uint16(hdr[:]))
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
