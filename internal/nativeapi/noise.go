package nativeapi

import (
	"bufio"
	"fmt"
	"io"

	"github.com/flynn/noise"
)

var (
	noisePrologue = []byte("NoiseAPIInit\x00\x00")
	noiseSuite    = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)
)

// newNoiseHandshake returns the Noise_NNpsk0_25519_ChaChaPoly_SHA256 state
// for one side of the exchange:
//
//	-> psk, e
//	<- e, ee
func newNoiseHandshake(psk []byte, initiator bool, rnd io.Reader) (*noise.HandshakeState, error) {
	return noise.NewHandshakeState(noise.Config{
		CipherSuite:           noiseSuite,
		Random:                rnd,
		Pattern:               noise.HandshakeNN,
		Initiator:             initiator,
		Prologue:              noisePrologue,
		PresharedKey:          psk,
		PresharedKeyPlacement: 0,
	})
}

// noiseHandshake performs the client hello and handshake exchange and
// returns the transport framer.
func noiseHandshake(r *bufio.Reader, w io.Writer, psk []byte, rnd io.Reader) (*noiseFrames, error) {
	hs, err := newNoiseHandshake(psk, true, rnd)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if err := writeNoiseFrame(w, nil); err != nil {
		return nil, err
	}
	if err := writeNoiseFrame(w, append([]byte{0x00}, msg...)); err != nil {
		return nil, err
	}

	hello, err := readNoiseFrame(r)
	if err != nil {
		return nil, err
	}
	if len(hello) == 0 || hello[0] != 0x01 {
		return nil, fmt.Errorf("%w: unsupported protocol", ErrHandshake)
	}

	resp, err := readNoiseFrame(r)
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrHandshake)
	}
	if resp[0] != 0x00 {
		return nil, fmt.Errorf("%w: %s", ErrHandshake, resp[1:])
	}
	_, send, recv, err := hs.ReadMessage(nil, resp[1:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if send == nil || recv == nil {
		return nil, fmt.Errorf("%w: handshake incomplete", ErrHandshake)
	}
	return &noiseFrames{r: r, w: w, send: send, recv: recv}, nil
}
