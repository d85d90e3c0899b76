package crypto

import (
	"encoding/binary"
	"math"
	"slices"

	"golang.org/x/crypto/sha3"
)

// updateDomain separates update digests from any other signed payload.
const updateDomain = "fedround/update/v1"

// DigestInput is the signed portion of a client model update.
type DigestInput struct {
	Identity  string
	Iteration uint64
	DataSize  uint64
	Timestamp int64
	Features  map[string][]float64
}

// UpdateDigest returns the SHA3-256 digest of the canonical encoding of in.
// Feature names are hashed in sorted order and every string and vector is
// length-prefixed, so no two distinct inputs share an encoding.
func UpdateDigest(in *DigestInput) []byte {
	h := sha3.New256()

	var buf [8]byte
	writeUint := func(v uint64) {
		binary.BigEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	writeString := func(s string) {
		writeUint(uint64(len(s)))
		h.Write([]byte(s))
	}

	writeString(updateDomain)
	writeString(in.Identity)
	writeUint(in.Iteration)
	writeUint(in.DataSize)
	writeUint(uint64(in.Timestamp))

	names := make([]string, 0, len(in.Features))
	for name := range in.Features {
		names = append(names, name)
	}
	slices.Sort(names)

	writeUint(uint64(len(names)))
	for _, name := range names {
		values := in.Features[name]
		writeString(name)
		writeUint(uint64(len(values)))
		for _, v := range values {
			writeUint(math.Float64bits(v))
		}
	}

	return h.Sum(nil)
}
