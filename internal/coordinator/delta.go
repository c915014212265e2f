package coordinator

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// deltaBlock is the comparison granularity of state deltas.
const deltaBlock = 64

var errCorruptDelta = errors.New("corrupt state delta")

// MakeDelta encodes target relative to base. The encoding is the target
// length followed by (copy, literal) runs: copy bytes are taken from base at
// the same offset, literal bytes follow inline.
func MakeDelta(base, target []byte) []byte {
	out := binary.AppendUvarint(nil, uint64(len(target)))
	pos := 0
	for pos < len(target) {
		copyStart := pos
		for pos < len(target) && blockMatches(base, target, pos) {
			pos = min(pos+deltaBlock, len(target))
		}
		literalStart := pos
		for pos < len(target) && !blockMatches(base, target, pos) {
			pos = min(pos+deltaBlock, len(target))
		}
		out = binary.AppendUvarint(out, uint64(literalStart-copyStart))
		out = binary.AppendUvarint(out, uint64(pos-literalStart))
		out = append(out, target[literalStart:pos]...)
	}
	return out
}

func blockMatches(base, target []byte, pos int) bool {
	end := min(pos+deltaBlock, len(target))
	if end > len(base) {
		return false
	}
	for i := pos; i < end; i++ {
		if base[i] != target[i] {
			return false
		}
	}
	return true
}

// ApplyDelta rebuilds the target encoded by MakeDelta.
func ApplyDelta(base, delta []byte) ([]byte, error) {
	size, n := binary.Uvarint(delta)
	if n <= 0 {
		return nil, errCorruptDelta
	}
	delta = delta[n:]
	if size > uint64(len(base))+uint64(len(delta)) {
		return nil, fmt.Errorf("%w: target length %d", errCorruptDelta, size)
	}
	out := make([]byte, 0, size)
	for uint64(len(out)) < size {
		copyLen, n := binary.Uvarint(delta)
		if n <= 0 {
			return nil, errCorruptDelta
		}
		delta = delta[n:]
		literalLen, n := binary.Uvarint(delta)
		if n <= 0 {
			return nil, errCorruptDelta
		}
		delta = delta[n:]

		start := uint64(len(out))
		if start+copyLen > uint64(len(base)) || literalLen > uint64(len(delta)) {
			return nil, errCorruptDelta
		}
		out = append(out, base[start:start+copyLen]...)
		out = append(out, delta[:literalLen]...)
		delta = delta[literalLen:]
		if copyLen == 0 && literalLen == 0 {
			return nil, errCorruptDelta
		}
	}
	if uint64(len(out)) != size {
		return nil, errCorruptDelta
	}
	return out, nil
}
