package ann

import (
	"fmt"
)

// Encoded layout: "MCIX" | format version | kind | backend payload.
const (
	codecMagic = "MCIX"
	headerLen  = len(codecMagic) + 2
)

// FormatVersion is the encoded index format this build reads and writes.
const FormatVersion = 1

// Encode serializes idx into a buffer Decode can restore.
func Encode(idx Index) ([]byte, error) {
	payload, err := idx.Marshal()
	if err != nil {
		return nil, fmt.Errorf("ann: marshal %s: %w", idx.Kind(), err)
	}
	buf := make([]byte, 0, headerLen+len(payload))
	buf = append(buf, codecMagic...)
	buf = append(buf, FormatVersion, byte(idx.Kind()))
	buf = append(buf, payload...)
	return buf, nil
}

// Decode restores an index produced by Encode.
func Decode(data []byte) (Index, error) {
	if len(data) < headerLen || string(data[:len(codecMagic)]) != codecMagic {
		return nil, fmt.Errorf("%w: missing header", ErrCorrupt)
	}
	if v := data[len(codecMagic)]; v != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrCorrupt, v)
	}
	kind := Kind(data[len(codecMagic)+1])
	payload := data[headerLen:]

	var (
		idx Index
		err error
	)
	switch kind {
	case KindHNSW:
		idx, err = unmarshalHNSW(payload)
	case KindChromem:
		idx, err = unmarshalChromem(payload)
	default:
		return nil, fmt.Errorf("%w: unknown backend %v", ErrCorrupt, kind)
	}
	if err != nil {
		return nil, err
	}
	if idx.Dimensions() <= 0 {
		return nil, fmt.Errorf("%w: unreadable dimensions", ErrCorrupt)
	}
	return idx, nil
}
