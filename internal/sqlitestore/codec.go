package sqlitestore

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/qmeasure/dset"
)

// Values are stored as fixed-width little-endian float64 blobs. The shape
// lives in run_params, so the blob is just the flattened payload.

func encodeValue(v dset.Value) []byte {
	buf := make([]byte, 8*len(v))

	for i, f := range v {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(f))
	}

	return buf
}

func decodeValue(blob []byte) (dset.Value, error) {
	if len(blob)%8 != 0 {
		return nil, fmt.Errorf("malformed value blob: %d bytes", len(blob))
	}

	v := make(dset.Value, len(blob)/8)

	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(blob[8*i:]))
	}

	return v, nil
}
