package nativeapi

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/flynn/noise"
	"google.golang.org/protobuf/encoding/protowire"
)

// frameHelper reads and writes typed messages over one transport.
// readMessage is called from a single goroutine; writeMessage callers
// serialize themselves.
type frameHelper interface {
	readMessage() (uint32, []byte, error)
	writeMessage(typ uint32, payload []byte) error
}

// plainFrames is the unencrypted transport:
// 0x00, varint length, varint type, payload.
type plainFrames struct {
	r *bufio.Reader
	w io.Writer
}

func (p *plainFrames) writeMessage(typ uint32, payload []byte) error {
	buf := make([]byte, 0, len(payload)+11)
	buf = append(buf, 0x00)
	buf = protowire.AppendVarint(buf, uint64(len(payload)))
	buf = protowire.AppendVarint(buf, uint64(typ))
	buf = append(buf, payload...)
	_, err := p.w.Write(buf)
	return err
}

func (p *plainFrames) readMessage() (uint32, []byte, error) {
	ind, err := p.r.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	switch ind {
	case 0x00:
	case 0x01:
		return 0, nil, ErrEncryptionExpected
	default:
		return 0, nil, fmt.Errorf("%w: bad indicator 0x%02x", ErrProtocol, ind)
	}
	size, err := binary.ReadUvarint(p.r)
	if err != nil {
		return 0, nil, err
	}
	typ, err := binary.ReadUvarint(p.r)
	if err != nil {
		return 0, nil, err
	}
	if size > maxPlaintextMessageSize {
		return 0, nil, fmt.Errorf("%w: message of %d bytes", ErrProtocol, size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(p.r, payload); err != nil {
		return 0, nil, err
	}
	return uint32(typ), payload, nil
}

// noiseFrames is the encrypted transport. Each frame is 0x01, a 16-bit
// big-endian length and a ciphertext whose plaintext is
// type(16 BE) | length(16 BE) | payload.
type noiseFrames struct {
	r    *bufio.Reader
	w    io.Writer
	send *noise.CipherState
	recv *noise.CipherState
}

func writeNoiseFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxNoiseFrameSize {
		return fmt.Errorf("%w: frame of %d bytes", ErrProtocol, len(payload))
	}
	buf := make([]byte, 3, 3+len(payload))
	buf[0] = 0x01
	binary.BigEndian.PutUint16(buf[1:], uint16(len(payload)))
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

func readNoiseFrame(r *bufio.Reader) ([]byte, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	switch hdr[0] {
	case 0x01:
	case 0x00:
		return nil, fmt.Errorf("%w: device does not use encryption", ErrHandshake)
	default:
		return nil, fmt.Errorf("%w: bad indicator 0x%02x", ErrProtocol, hdr[0])
	}
	payload := make([]byte, binary.BigEndian.Uint16(hdr[1:]))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (n *noiseFrames) writeMessage(typ uint32, payload []byte) error {
	pt := make([]byte, 4, 4+len(payload))
	binary.BigEndian.PutUint16(pt[0:], uint16(typ))
	binary.BigEndian.PutUint16(pt[2:], uint16(len(payload)))
	pt = append(pt, payload...)
	ct, err := n.send.Encrypt(nil, nil, pt)
	if err != nil {
		return fmt.Errorf("%w: encrypt: %v", ErrProtocol, err)
	}
	return writeNoiseFrame(n.w, ct)
}

func (n *noiseFrames) readMessage() (uint32, []byte, error) {
	frame, err := readNoiseFrame(n.r)
	if err != nil {
		return 0, nil, err
	}
	pt, err := n.recv.Decrypt(nil, nil, frame)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: decrypt: %v", ErrProtocol, err)
	}
	if len(pt) < 4 {
		return 0, nil, fmt.Errorf("%w: short message", ErrProtocol)
	}
	typ := binary.BigEndian.Uint16(pt[0:])
	size := int(binary.BigEndian.Uint16(pt[2:]))
	if len(pt)-4 < size {
		return 0, nil, fmt.Errorf("%w: truncated message", ErrProtocol)
	}
	return uint32(typ), pt[4 : 4+size], nil
}
