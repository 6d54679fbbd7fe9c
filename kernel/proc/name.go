package proc

import (
	"bytes"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// nameLen is the size of the name field of a descriptor.
const nameLen = 32

// encodeName stores name in dst using the console's code page (CP437).
// Characters without a CP437 glyph are replaced and the result is truncated
// to fit; unused bytes are zeroed.
func encodeName(dst *[nameLen]byte, name string) {
	*dst = [nameLen]byte{}

	enc := encoding.ReplaceUnsupported(charmap.CodePage437.NewEncoder())
	raw, err := enc.Bytes([]byte(name))
	if err != nil {
		raw = []byte("?")
	}
	copy(dst[:], raw)
}

func decodeName(raw []byte) string {
	if end := bytes.IndexByte(raw, 0); end >= 0 {
		raw = raw[:end]
	}

	name, err := charmap.CodePage437.NewDecoder().Bytes(raw)
	if err != nil {
		return string(raw)
	}
	return string(name)
}
