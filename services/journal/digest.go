package journal

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

const digestDomain = "formicarium/journal/v2"

// ChainError reports the first entry whose digest does not match the chain.
type ChainError struct {
	Sequence uint64
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("journal: digest chain broken at sequence %d", e.Sequence)
}

// chainDigest hashes an entry together with the digest of its predecessor.
func chainDigest(prev string, e *Entry) string {
	h := blake3.New(32, nil)
	writeField := func(data []byte) {
		var length [4]byte
		binary.BigEndian.PutUint32(length[:], uint32(len(data)))
		_, _ = h.Write(length[:])
		_, _ = h.Write(data)
	}
	var seq, ts [8]byte
	binary.BigEndian.PutUint64(seq[:], e.Sequence)
	binary.BigEndian.PutUint64(ts[:], uint64(e.RecordedAt.UnixMicro()))
	writeField([]byte(digestDomain))
	writeField([]byte(prev))
	writeField(seq[:])
	writeField([]byte(e.Type))
	writeField([]byte(e.OrderID))
	writeField([]byte(e.PrinterID))
	writeField([]byte(e.Attributes))
	writeField(ts[:])
	return hex.EncodeToString(h.Sum(nil))
}

// Verify walks the whole journal recomputing the digest chain. It returns the
// number of verified entries, or a *ChainError naming the first entry that was
// altered, dropped or reordered.
func (j *Journal) Verify(ctx context.Context) (uint64, error) {
	var (
		verified uint64
		after    uint64
		prev     string
	)
	for {
		page, err := j.Since(ctx, after, maxPageSize)
		if err != nil {
			return verified, err
		}
		for i := range page {
			entry := &page[i]
			if entry.Sequence != after+1 || chainDigest(prev, entry) != entry.Digest {
				return verified, &ChainError{Sequence: entry.Sequence}
			}
			prev = entry.Digest
			after = entry.Sequence
			verified++
		}
		if len(page) < maxPageSize {
			return verified, nil
		}
	}
}
