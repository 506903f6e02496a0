package pebble

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"
)

// Keyspace, byte-wise sortable:
//   - s/{len_be4}{stream}/e/{seq_be8}  entries
//   - s/{len_be4}{stream}/m            last assigned seq
//   - s/{len_be4}{stream}/c            close marker
//
// The length prefix keeps one stream's range from overlapping another's when
// one key is a prefix of the other.

var (
	streamPrefix = []byte("s/")
	entrySeg     = []byte("/e/")
	metaSuffix   = []byte("/m")
	closedSuffix = []byte("/c")
)

func streamBase(stream string) []byte {
	k := make([]byte, 0, len(streamPrefix)+4+len(stream)+12)
	k = append(k, streamPrefix...)
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(stream)))
	k = append(k, n[:]...)
	k = append(k, stream...)
	return k
}

func keyEntry(stream string, seq uint64) []byte {
	k := append(streamBase(stream), entrySeg...)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return append(k, b[:]...)
}

func keyMeta(stream string) []byte {
	return append(streamBase(stream), metaSuffix...)
}

func keyClosed(stream string) []byte {
	return append(streamBase(stream), closedSuffix...)
}

// entryBounds returns the [low, high) range covering every entry of a stream
func entryBounds(stream string) ([]byte, []byte) {
	low := append(streamBase(stream), entrySeg...)
	high := append(append([]byte(nil), low[:len(low)-1]...), entrySeg[len(entrySeg)-1]+1)
	return low, high
}

func seqFromKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(key)-8:])
}

// Record encoding: uvarint typeLen | type | payload | crc32c(type|payload)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func encodeRecord(kind string, payload []byte) []byte {
	out := make([]byte, 0, binary.MaxVarintLen64+len(kind)+len(payload)+4)
	out = binary.AppendUvarint(out, uint64(len(kind)))
	out = append(out, kind...)
	out = append(out, payload...)

	crc := crc32.Update(0, castagnoli, []byte(kind))
	crc = crc32.Update(crc, castagnoli, payload)
	return binary.BigEndian.AppendUint32(out, crc)
}

func decodeRecord(b []byte) (string, []byte, bool) {
	if len(b) < 1+4 {
		return "", nil, false
	}
	n, w := binary.Uvarint(b)
	if w <= 0 || w+int(n)+4 > len(b) {
		return "", nil, false
	}
	kind := b[w : w+int(n)]
	payload := b[w+int(n) : len(b)-4]

	crc := crc32.Update(0, castagnoli, kind)
	crc = crc32.Update(crc, castagnoli, payload)
	if crc != binary.BigEndian.Uint32(b[len(b)-4:]) {
		return "", nil, false
	}

	var out []byte
	if len(payload) > 0 {
		out = append([]byte(nil), payload...)
	}
	return string(kind), out, true
}

func formatID(seq uint64) string {
	return strconv.FormatUint(seq, 10) + "-0"
}

func parseID(id string) (uint64, error) {
	if id == "" {
		return 0, nil
	}
	head, _, _ := strings.Cut(id, "-")
	seq, err := strconv.ParseUint(head, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid entry id %q: %w", id, err)
	}
	return seq, nil
}
