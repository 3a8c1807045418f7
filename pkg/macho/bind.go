package macho

import (
	"bytes"
	"fmt"

	"github.com/pkg/errors"
)

const (
	BIND_TYPE_POINTER = 1

	BIND_SPECIAL_DYLIB_SELF            = 0
	BIND_SPECIAL_DYLIB_MAIN_EXECUTABLE = -1
	BIND_SPECIAL_DYLIB_FLAT_LOOKUP     = -2
	BIND_SPECIAL_DYLIB_WEAK_LOOKUP     = -3

	BIND_SYMBOL_FLAGS_WEAK_IMPORT = 0x1

	BIND_OPCODE_MASK                             = 0xF0
	BIND_IMMEDIATE_MASK                          = 0x0F
	BIND_OPCODE_DONE                             = 0x00
	BIND_OPCODE_SET_DYLIB_ORDINAL_IMM            = 0x10
	BIND_OPCODE_SET_DYLIB_ORDINAL_ULEB           = 0x20
	BIND_OPCODE_SET_DYLIB_SPECIAL_IMM            = 0x30
	BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM    = 0x40
	BIND_OPCODE_SET_TYPE_IMM                     = 0x50
	BIND_OPCODE_SET_ADDEND_SLEB                  = 0x60
	BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB      = 0x70
	BIND_OPCODE_ADD_ADDR_ULEB                    = 0x80
	BIND_OPCODE_DO_BIND                          = 0x90
	BIND_OPCODE_DO_BIND_ADD_ADDR_ULEB            = 0xA0
	BIND_OPCODE_DO_BIND_ADD_ADDR_IMM_SCALED      = 0xB0
	BIND_OPCODE_DO_BIND_ULEB_TIMES_SKIPPING_ULEB = 0xC0
	BIND_OPCODE_THREADED                         = 0xD0
)

// A BindEntry is one symbolic pointer binding performed by the dynamic linker.
type BindEntry struct {
	SegIndex  int
	SegOffset uint64
	Ordinal   int
	Name      string
	Type      uint8
	Flags     uint8
	Addend    int64
}

func (b BindEntry) String() string {
	return fmt.Sprintf("seg=%d off=%#x ordinal=%d %s", b.SegIndex, b.SegOffset, b.Ordinal, b.Name)
}

// EncodeBinds serializes entries as bind opcodes terminated by BIND_OPCODE_DONE. The block
// sets every piece of opcode state it relies on, the addend included, so it can follow any
// existing stream.
func EncodeBinds(entries []BindEntry) []byte {
	var out []byte
	var addend int64
	addendSet := false
	for _, e := range entries {
		switch {
		case e.Ordinal <= 0:
			out = append(out, BIND_OPCODE_SET_DYLIB_SPECIAL_IMM|byte(e.Ordinal)&BIND_IMMEDIATE_MASK)
		case e.Ordinal <= BIND_IMMEDIATE_MASK:
			out = append(out, BIND_OPCODE_SET_DYLIB_ORDINAL_IMM|byte(e.Ordinal))
		default:
			out = append(out, BIND_OPCODE_SET_DYLIB_ORDINAL_ULEB)
			out = AppendUleb128(out, uint64(e.Ordinal))
		}
		out = append(out, BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM|e.Flags&BIND_IMMEDIATE_MASK)
		out = append(out, e.Name...)
		out = append(out, 0)
		typ := e.Type
		if typ == 0 {
			typ = BIND_TYPE_POINTER
		}
		out = append(out, BIND_OPCODE_SET_TYPE_IMM|typ)
		if !addendSet || e.Addend != addend {
			out = append(out, BIND_OPCODE_SET_ADDEND_SLEB)
			out = AppendSleb128(out, e.Addend)
			addend, addendSet = e.Addend, true
		}
		out = append(out, BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB|byte(e.SegIndex)&BIND_IMMEDIATE_MASK)
		out = AppendUleb128(out, e.SegOffset)
		out = append(out, BIND_OPCODE_DO_BIND)
	}
	return append(out, BIND_OPCODE_DONE)
}

// TrimBinds cuts a bind stream at its BIND_OPCODE_DONE, dropping the terminator and any
// alignment padding after it, so more opcodes can be appended.
func TrimBinds(data []byte) ([]byte, error) {
	_, end, err := parseBinds(data, false)
	if err != nil {
		return nil, err
	}
	return data[:end], nil
}

// ParseBinds decodes a bind opcode stream. Lazy streams separate entries with
// BIND_OPCODE_DONE and are read to the end of data.
func ParseBinds(data []byte, lazy bool) ([]BindEntry, error) {
	entries, _, err := parseBinds(data, lazy)
	return entries, err
}

// parseBinds also returns the offset of the BIND_OPCODE_DONE that ends a non-lazy stream,
// or len(data) when there is none.
func parseBinds(data []byte, lazy bool) ([]BindEntry, int, error) {
	var entries []BindEntry
	var cur BindEntry
	var err error

	const ptrSize = 8
	off := 0
	for off < len(data) {
		op := data[off] & BIND_OPCODE_MASK
		imm := data[off] & BIND_IMMEDIATE_MASK
		off++
		switch op {
		case BIND_OPCODE_DONE:
			if !lazy {
				return entries, off - 1, nil
			}
		case BIND_OPCODE_SET_DYLIB_ORDINAL_IMM:
			cur.Ordinal = int(imm)
		case BIND_OPCODE_SET_DYLIB_ORDINAL_ULEB:
			var v uint64
			if v, off, err = ReadUleb128(data, off); err != nil {
				return nil, 0, err
			}
			cur.Ordinal = int(v)
		case BIND_OPCODE_SET_DYLIB_SPECIAL_IMM:
			if imm == 0 {
				cur.Ordinal = 0
			} else {
				cur.Ordinal = int(int8(BIND_OPCODE_MASK | imm))
			}
		case BIND_OPCODE_SET_SYMBOL_TRAILING_FLAGS_IMM:
			end := bytes.IndexByte(data[off:], 0)
			if end < 0 {
				return nil, 0, errors.Errorf("unterminated bind symbol name at offset %#x", off)
			}
			cur.Name = string(data[off : off+end])
			cur.Flags = imm
			off += end + 1
		case BIND_OPCODE_SET_TYPE_IMM:
			cur.Type = imm
		case BIND_OPCODE_SET_ADDEND_SLEB:
			if cur.Addend, off, err = ReadSleb128(data, off); err != nil {
				return nil, 0, err
			}
		case BIND_OPCODE_SET_SEGMENT_AND_OFFSET_ULEB:
			cur.SegIndex = int(imm)
			if cur.SegOffset, off, err = ReadUleb128(data, off); err != nil {
				return nil, 0, err
			}
		case BIND_OPCODE_ADD_ADDR_ULEB:
			var v uint64
			if v, off, err = ReadUleb128(data, off); err != nil {
				return nil, 0, err
			}
			cur.SegOffset += v
		case BIND_OPCODE_DO_BIND:
			entries = append(entries, cur)
			cur.SegOffset += ptrSize
		case BIND_OPCODE_DO_BIND_ADD_ADDR_ULEB:
			entries = append(entries, cur)
			var v uint64
			if v, off, err = ReadUleb128(data, off); err != nil {
				return nil, 0, err
			}
			cur.SegOffset += v + ptrSize
		case BIND_OPCODE_DO_BIND_ADD_ADDR_IMM_SCALED:
			entries = append(entries, cur)
			cur.SegOffset += uint64(imm)*ptrSize + ptrSize
		case BIND_OPCODE_DO_BIND_ULEB_TIMES_SKIPPING_ULEB:
			var count, skip uint64
			if count, off, err = ReadUleb128(data, off); err != nil {
				return nil, 0, err
			}
			if skip, off, err = ReadUleb128(data, off); err != nil {
				return nil, 0, err
			}
			for i := uint64(0); i < count; i++ {
				entries = append(entries, cur)
				cur.SegOffset += skip + ptrSize
			}
		default:
			return nil, 0, errors.Errorf("unsupported bind opcode %#x at offset %#x", op, off-1)
		}
	}
	return entries, len(data), nil
}
