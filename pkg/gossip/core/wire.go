package core

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/soros1321/emotiq/pkg/gossip/types"
)

// One TCP frame carries a single length prefixed serialized frame
// object. Frames are concatenated on the stream with no extra
// framing. The source UID lets the receiving node apply neighbor
// exclusion and route upstream replies across machine boundaries.
type frame struct {
	Destination types.UID     `json:"destination"`
	Source      types.UID     `json:"source"`
	Message     types.Message `json:"message"`
}

// Refuse frames above this size, a longer prefix means the stream
// is out of sync or the peer is misbehaving.
const maxFrameSize = 8 << 20

func encodeFrame(f frame) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrDecodeFailed, err)
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	return buf, nil
}

func decodeFrame(r io.Reader) (frame, error) {
	var f frame
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return f, err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size == 0 || size > maxFrameSize {
		return f, fmt.Errorf("%w: frame size %d", types.ErrDecodeFailed, size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return f, err
	}
	if err := json.Unmarshal(body, &f); err != nil {
		return f, fmt.Errorf("%w: %v", types.ErrDecodeFailed, err)
	}
	return f, nil
}
