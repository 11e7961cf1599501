package transport

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var frameEncMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// EncodeFrame encodes a message for a peer data channel.
func EncodeFrame(m Message) ([]byte, error) {
	data, err := frameEncMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", m.Type, err)
	}
	return data, nil
}

// DecodeFrame decodes a data channel frame.
func DecodeFrame(data []byte) (Message, error) {
	var m Message
	if err := cbor.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("decoding frame: %w", err)
	}
	return m, nil
}
