package threeway

import (
	"bytes"
	"encoding/binary"
	"strconv"

	"github.com/zeusync/variantsync/internal/core/resource"
	"github.com/zeusync/variantsync/internal/core/variants"
)

// ignoredRecord is stored for resources excluded from synchronization.
var ignoredRecord = []byte("i")

const (
	slotTimestamp = iota
	slotBase
	slotRemote
	slotCount
)

// record is the decoded sync info of one resource. An empty slot is absent.
type record struct {
	timestamp []byte
	base      []byte
	remote    []byte
}

// stamp returns the local timestamp, or NullStamp when it is absent.
func (r record) stamp() int64 {
	if len(r.timestamp) == 0 {
		return resource.NullStamp
	}
	v, err := strconv.ParseInt(string(r.timestamp), 10, 64)
	if err != nil {
		return resource.NullStamp
	}
	return v
}

func stampBytes(stamp int64) []byte {
	return strconv.AppendInt(nil, stamp, 10)
}

// encodeSlots writes each slot as a uvarint length followed by its bytes.
func encodeSlots(slots ...[]byte) []byte {
	size := 0
	for _, s := range slots {
		size += binary.MaxVarintLen64 + len(s)
	}
	out := make([]byte, 0, size)
	for _, s := range slots {
		out = binary.AppendUvarint(out, uint64(len(s)))
		out = append(out, s...)
	}
	return out
}

// decodeSlots splits b into exactly n slots. Empty slots decode to nil.
func decodeSlots(b []byte, n int) ([][]byte, error) {
	slots := make([][]byte, 0, n)
	for len(slots) < n {
		l, read := binary.Uvarint(b)
		if read <= 0 || l > uint64(len(b)-read) {
			return nil, variants.ErrCorruptRecord
		}
		b = b[read:]
		var slot []byte
		if l > 0 {
			slot = bytes.Clone(b[:l])
		}
		slots = append(slots, slot)
		b = b[l:]
	}
	if len(b) != 0 {
		return nil, variants.ErrCorruptRecord
	}
	return slots, nil
}

func (r record) encode() []byte {
	return encodeSlots(r.timestamp, r.base, r.remote)
}

func decodeRecord(b []byte) (record, error) {
	slots, err := decodeSlots(b, slotCount)
	if err != nil {
		return record{}, err
	}
	return record{
		timestamp: slots[slotTimestamp],
		base:      slots[slotBase],
		remote:    slots[slotRemote],
	}, nil
}

func isIgnoredRecord(b []byte) bool {
	return bytes.Equal(b, ignoredRecord)
}
