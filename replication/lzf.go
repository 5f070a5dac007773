package replication

import (
	"errors"
	"fmt"
)

var errLZFCorrupt = errors.New("lzf: corrupt input")

const lzfInitialCap = 64 * 1024

// lzfDecompress expands an LZF block into exactly outLen bytes.
//
// A control byte below 32 starts a literal run of ctrl+1 bytes. Otherwise the
// top three bits hold a back reference length (7 means one extra length byte
// follows), biased by 2, and the low five bits plus the next byte hold the
// distance minus one.
func lzfDecompress(in []byte, outLen int) ([]byte, error) {
	// outLen comes from the stream; grow with the output instead
	out := make([]byte, 0, min(outLen, lzfInitialCap))

	for i := 0; i < len(in); {
		ctrl := int(in[i])
		i++

		if ctrl < 32 {
			n := ctrl + 1
			if i+n > len(in) || len(out)+n > outLen {
				return nil, fmt.Errorf("%w: literal run of %d overflows", errLZFCorrupt, n)
			}
			out = append(out, in[i:i+n]...)
			i += n
			continue
		}

		n := ctrl >> 5
		if n == 7 {
			if i >= len(in) {
				return nil, fmt.Errorf("%w: missing extended length", errLZFCorrupt)
			}
			n += int(in[i])
			i++
		}
		n += 2

		if i >= len(in) {
			return nil, fmt.Errorf("%w: missing back reference offset", errLZFCorrupt)
		}
		ref := len(out) - ((ctrl&0x1F)<<8 | int(in[i])) - 1
		i++

		if ref < 0 {
			return nil, fmt.Errorf("%w: back reference before start", errLZFCorrupt)
		}
		if len(out)+n > outLen {
			return nil, fmt.Errorf("%w: back reference overflows output", errLZFCorrupt)
		}
		// Byte by byte: source and destination may overlap
		for j := 0; j < n; j++ {
			out = append(out, out[ref+j])
		}
	}

	if len(out) != outLen {
		return nil, fmt.Errorf("%w: decompressed %d bytes, want %d", errLZFCorrupt, len(out), outLen)
	}
	return out, nil
}
