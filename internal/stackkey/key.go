// Package stackkey is the single source of truth for inventory stack identity.
//
// A stack is identified by its base item id plus the full enhancement state
// (titles and socket). Quantity is never part of identity. The packed form is
// what gets persisted and what set-membership checks (pandora box) operate on,
// so nothing outside this package may construct a key by hand.
package stackkey

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Key is the packed 64-bit form of a stack identity.
//
// Bit layout, low to high:
//
//	[ 0,16) item id
//	[16,24) normal title id
//	[24,32) super-rare title id
//	[32,48) socket item id
//	[48,56) socket super-rare title id
//	[56,64) socket normal title id
type Key uint64

// ErrMalformedKey is returned when a persisted or user-supplied key form does
// not decode to a valid stack identity.
var ErrMalformedKey = errors.New("stackkey: malformed key")

// Tuple is the unpacked stack identity.
type Tuple struct {
	ItemID                 uint16
	NormalTitleID          uint8
	SuperRareTitleID       uint8
	SocketItemID           uint16
	SocketSuperRareTitleID uint8
	SocketNormalTitleID    uint8
}

// Enhancement is the non-item-id part of a stack identity. It is what moves
// when only the decoration of an item is transferred (title inheritance,
// exchange, synthesis results).
type Enhancement struct {
	NormalTitleID          uint8
	SuperRareTitleID       uint8
	SocketItemID           uint16
	SocketSuperRareTitleID uint8
	SocketNormalTitleID    uint8
}

// Encode packs a tuple. It never fails: every field already fits its width.
func Encode(t Tuple) Key {
	return Key(uint64(t.ItemID) |
		uint64(t.NormalTitleID)<<16 |
		uint64(t.SuperRareTitleID)<<24 |
		uint64(t.SocketItemID)<<32 |
		uint64(t.SocketSuperRareTitleID)<<48 |
		uint64(t.SocketNormalTitleID)<<56)
}

// Decode unpacks a key. Item id 0 is reserved (no such definition exists), so
// a packed value with a zero item id is rejected rather than resurrected as a
// phantom stack.
func (k Key) Decode() (Tuple, error) {
	t := Tuple{
		ItemID:                 uint16(k),
		NormalTitleID:          uint8(k >> 16),
		SuperRareTitleID:       uint8(k >> 24),
		SocketItemID:           uint16(k >> 32),
		SocketSuperRareTitleID: uint8(k >> 48),
		SocketNormalTitleID:    uint8(k >> 56),
	}
	if t.ItemID == 0 {
		return Tuple{}, fmt.Errorf("%w: item id 0 in %#016x", ErrMalformedKey, uint64(k))
	}
	return t, nil
}

// ItemID extracts the base item id without a full decode.
func (k Key) ItemID() uint16 { return uint16(k) }

// SocketItemID extracts the socket item id without a full decode.
func (k Key) SocketItemID() uint16 { return uint16(k >> 32) }

// Enhancement extracts the non-item-id fields.
func (k Key) Enhancement() Enhancement {
	return Enhancement{
		NormalTitleID:          uint8(k >> 16),
		SuperRareTitleID:       uint8(k >> 24),
		SocketItemID:           uint16(k >> 32),
		SocketSuperRareTitleID: uint8(k >> 48),
		SocketNormalTitleID:    uint8(k >> 56),
	}
}

// Compose builds a key from a base item id and an enhancement.
func Compose(itemID uint16, e Enhancement) Key {
	return Encode(Tuple{
		ItemID:                 itemID,
		NormalTitleID:          e.NormalTitleID,
		SuperRareTitleID:       e.SuperRareTitleID,
		SocketItemID:           e.SocketItemID,
		SocketSuperRareTitleID: e.SocketSuperRareTitleID,
		SocketNormalTitleID:    e.SocketNormalTitleID,
	})
}

// String renders the canonical debuggable form: six decimal fields joined by
// colons, in tuple order. Parse reverses it exactly.
func (k Key) String() string {
	t := Tuple{
		ItemID:                 uint16(k),
		NormalTitleID:          uint8(k >> 16),
		SuperRareTitleID:       uint8(k >> 24),
		SocketItemID:           uint16(k >> 32),
		SocketSuperRareTitleID: uint8(k >> 48),
		SocketNormalTitleID:    uint8(k >> 56),
	}
	return fmt.Sprintf("%d:%d:%d:%d:%d:%d",
		t.ItemID, t.NormalTitleID, t.SuperRareTitleID,
		t.SocketItemID, t.SocketSuperRareTitleID, t.SocketNormalTitleID)
}

// Parse decodes the string form produced by String.
func Parse(s string) (Key, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return 0, fmt.Errorf("%w: %q", ErrMalformedKey, s)
	}
	fields := make([]uint64, 6)
	widths := []int{16, 8, 8, 16, 8, 8}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, widths[i])
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrMalformedKey, s)
		}
		fields[i] = v
	}
	if fields[0] == 0 {
		return 0, fmt.Errorf("%w: item id 0 in %q", ErrMalformedKey, s)
	}
	return Encode(Tuple{
		ItemID:                 uint16(fields[0]),
		NormalTitleID:          uint8(fields[1]),
		SuperRareTitleID:       uint8(fields[2]),
		SocketItemID:           uint16(fields[3]),
		SocketSuperRareTitleID: uint8(fields[4]),
		SocketNormalTitleID:    uint8(fields[5]),
	}), nil
}
