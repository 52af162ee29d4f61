package cache

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/golang/snappy"
)

// Entry layout, version 1:
//
//	[0:3]   magic "SPC"
//	[3]     version
//	[4]     flags (bit 0: payload is snappy compressed)
//	[5:13]  expiry, unix nanoseconds, big endian, 0 = never
//	[13:]   payload
const (
	codecVersion    byte = 1
	flagCompressed  byte = 1 << 0
	codecHeaderSize      = 13
)

var codecMagic = [3]byte{'S', 'P', 'C'}

func encodeEntry(value []byte, expiresAt time.Time, compress bool) []byte {
	payload := value
	var flags byte
	if compress {
		payload = snappy.Encode(nil, value)
		flags |= flagCompressed
	}

	buf := make([]byte, codecHeaderSize+len(payload))
	copy(buf[0:3], codecMagic[:])
	buf[3] = codecVersion
	buf[4] = flags
	var exp int64
	if !expiresAt.IsZero() {
		exp = expiresAt.UnixNano()
	}
	binary.BigEndian.PutUint64(buf[5:13], uint64(exp))
	copy(buf[codecHeaderSize:], payload)
	return buf
}

func decodeHeader(raw []byte) (flags byte, expiresAt time.Time, err error) {
	if len(raw) < codecHeaderSize || raw[0] != codecMagic[0] || raw[1] != codecMagic[1] || raw[2] != codecMagic[2] {
		return 0, time.Time{}, ErrCorruptEntry
	}
	if raw[3] != codecVersion {
		return 0, time.Time{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, raw[3])
	}
	if exp := int64(binary.BigEndian.Uint64(raw[5:13])); exp != 0 {
		expiresAt = time.Unix(0, exp)
	}
	return raw[4], expiresAt, nil
}

func decodeEntry(raw []byte) ([]byte, time.Time, error) {
	flags, expiresAt, err := decodeHeader(raw)
	if err != nil {
		return nil, time.Time{}, err
	}

	payload := raw[codecHeaderSize:]
	if flags&flagCompressed != 0 {
		decoded, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("%w: %v", ErrCorruptEntry, err)
		}
		return decoded, expiresAt, nil
	}

	out := make([]byte, len(payload))
	copy(out, payload)
	return out, expiresAt, nil
}
