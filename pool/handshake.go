package pool

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/guseggert/scriptmux/engine"
	"github.com/vmihailenco/msgpack/v5"
)

// maxHandshakeMessage bounds a handshake message. Provider params are small.
const maxHandshakeMessage = 1 << 20

// ProviderInfo is the first message a worker reads. It names the engine to build.
type ProviderInfo struct {
	Provider   string   `msgpack:"provider"`
	Params     []byte   `msgpack:"params"`
	Extensions []string `msgpack:"extensions"`
}

func (p ProviderInfo) engineInfo() engine.Info {
	info := engine.Info{Provider: p.Provider, Extensions: p.Extensions}
	if len(p.Params) > 0 {
		info.Params = json.RawMessage(p.Params)
	}
	return info
}

// Ready is the worker's answer to ProviderInfo. Framed traffic only starts after an OK answer.
type Ready struct {
	OK    bool   `msgpack:"ok"`
	Error string `msgpack:"error,omitempty"`
}

func writeMessage(w io.Writer, v any) error {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding handshake message: %w", err)
	}
	buf := make([]byte, 4+len(b))
	binary.BigEndian.PutUint32(buf, uint32(len(b)))
	copy(buf[4:], b)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("writing handshake message: %w", err)
	}
	return nil
}

func readMessage(r io.Reader, v any) error {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return fmt.Errorf("reading handshake length: %w", err)
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length > maxHandshakeMessage {
		return fmt.Errorf("handshake message of %d bytes exceeds limit %d", length, maxHandshakeMessage)
	}
	b := make([]byte, length)
	if _, err := io.ReadFull(r, b); err != nil {
		return fmt.Errorf("reading handshake message: %w", err)
	}
	if err := msgpack.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decoding handshake message: %w", err)
	}
	return nil
}
