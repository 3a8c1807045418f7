// Package arm64 recognizes and emits the handful of AArch64 instruction sequences the
// shared cache builder uses for symbol stubs and direct calls.
package arm64

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
)

// StubKind identifies a stub instruction sequence.
type StubKind int

const (
	StubUnknown StubKind = iota
	// StubLoad is the canonical stub: adrp x16; ldr x16, [x16, #off]; br x16
	StubLoad
	// StubDirect is a cache optimized stub: adrp x16; add x16, x16, #off; br x16
	StubDirect
	// StubAuthLoad is the canonical arm64e stub: adrp x17; add x17, x17, #off; ldr x16, [x17]; braa x16, x17
	StubAuthLoad
	// StubAuthDirect is a cache optimized arm64e stub: adrp x16; add x16, x16, #off; br x16; brk
	StubAuthDirect
	// StubBranch is a branch island: b target
	StubBranch
)

func (k StubKind) String() string {
	switch k {
	case StubLoad:
		return "load"
	case StubDirect:
		return "direct"
	case StubAuthLoad:
		return "auth-load"
	case StubAuthDirect:
		return "auth-direct"
	case StubBranch:
		return "branch"
	}
	return "unknown"
}

// Indirect reports whether the stub jumps through a symbol pointer rather than to a fixed address.
func (k StubKind) Indirect() bool {
	return k == StubLoad || k == StubAuthLoad
}

// A Stub is a decoded stub. Target is the symbol pointer address for indirect stubs and
// the branch destination otherwise.
type Stub struct {
	Kind   StubKind
	Target uint64
}

const (
	insnBR16   uint32 = 0xd61f0200 // br x16
	insnBRAA   uint32 = 0xd71f0a11 // braa x16, x17
	insnBRK1   uint32 = 0xd4200020 // brk #1
	maskADRP   uint32 = 0x9f000000
	opADRP     uint32 = 0x90000000
	maskADDImm uint32 = 0xff800000
	opADDImm   uint32 = 0x91000000
	maskLDRImm uint32 = 0xffc00000
	opLDRImm   uint32 = 0xf9400000
	maskBranch uint32 = 0x7c000000
	opBranch   uint32 = 0x14000000

	x16 = 16
	x17 = 17
)

func word(code []byte, i int) (uint32, bool) {
	if len(code) < (i+1)*4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(code[i*4:]), true
}

func signExtend(v uint64, bits uint) int64 {
	shift := 64 - bits
	return int64(v<<shift) >> shift
}

// decodeADRP returns the destination register and the page address an adrp at pc computes.
func decodeADRP(ins uint32, pc uint64) (int, uint64, bool) {
	if ins&maskADRP != opADRP {
		return 0, 0, false
	}
	immlo := uint64(ins>>29) & 0x3
	immhi := uint64(ins>>5) & 0x7ffff
	pages := signExtend(immhi<<2|immlo, 21)
	return int(ins & 0x1f), uint64(int64(pc&^0xfff) + pages<<12), true
}

// decodeADD returns rd, rn and the immediate of a 64-bit add (immediate).
func decodeADD(ins uint32) (int, int, uint64, bool) {
	if ins&maskADDImm != opADDImm {
		return 0, 0, 0, false
	}
	imm := uint64(ins>>10) & 0xfff
	if ins&(1<<22) != 0 {
		imm <<= 12
	}
	return int(ins & 0x1f), int(ins>>5) & 0x1f, imm, true
}

// decodeLDR returns rt, rn and the byte offset of a 64-bit ldr (unsigned immediate).
func decodeLDR(ins uint32) (int, int, uint64, bool) {
	if ins&maskLDRImm != opLDRImm {
		return 0, 0, 0, false
	}
	return int(ins & 0x1f), int(ins>>5) & 0x1f, (uint64(ins>>10) & 0xfff) * 8, true
}

// isOp cross checks a raw encoding against the disassembler.
func isOp(ins uint32, op arm64asm.Op) bool {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], ins)
	inst, err := arm64asm.Decode(b[:])
	if err != nil {
		return false
	}
	if inst.Op == op {
		return true
	}
	// add with a zero immediate on sp disassembles as mov
	return op == arm64asm.ADD && inst.Op == arm64asm.MOV
}

// DecodeBranch decodes a b or bl at pc.
func DecodeBranch(ins uint32, pc uint64) (target uint64, link bool, ok bool) {
	if ins&maskBranch != opBranch {
		return 0, false, false
	}
	link = ins&0x80000000 != 0
	if link && !isOp(ins, arm64asm.BL) || !link && !isOp(ins, arm64asm.B) {
		return 0, false, false
	}
	off := signExtend(uint64(ins&0x03ffffff), 26) * 4
	return uint64(int64(pc) + off), link, true
}

// EncodeBranch encodes a b (or bl when link is set) at pc to target.
func EncodeBranch(pc, target uint64, link bool) (uint32, error) {
	delta := int64(target) - int64(pc)
	if delta&3 != 0 || delta < -(1<<27) || delta >= 1<<27 {
		return 0, fmt.Errorf("branch from %#x to %#x is out of range", pc, target)
	}
	ins := opBranch | uint32(delta>>2)&0x03ffffff
	if link {
		ins |= 0x80000000
	}
	return ins, nil
}

// DecodeStub recognizes the stub in code, which starts at pc.
func DecodeStub(code []byte, pc uint64) Stub {
	w0, ok := word(code, 0)
	if !ok {
		return Stub{}
	}
	if target, link, ok := DecodeBranch(w0, pc); ok && !link {
		return Stub{Kind: StubBranch, Target: target}
	}
	rd, page, ok := decodeADRP(w0, pc)
	if !ok || !isOp(w0, arm64asm.ADRP) {
		return Stub{}
	}
	w1, _ := word(code, 1)
	w2, _ := word(code, 2)
	w3, has3 := word(code, 3)

	switch rd {
	case x16:
		if rt, rn, off, ok := decodeLDR(w1); ok && rt == x16 && rn == x16 && w2 == insnBR16 && isOp(w1, arm64asm.LDR) {
			return Stub{Kind: StubLoad, Target: page + off}
		}
		if d, n, imm, ok := decodeADD(w1); ok && d == x16 && n == x16 && w2 == insnBR16 && isOp(w1, arm64asm.ADD) {
			if has3 && w3 == insnBRK1 || has3 && w3&0xffe0001f == 0xd4200000 {
				return Stub{Kind: StubAuthDirect, Target: page + imm}
			}
			return Stub{Kind: StubDirect, Target: page + imm}
		}
	case x17:
		if d, n, imm, ok := decodeADD(w1); ok && d == x17 && n == x17 && isOp(w1, arm64asm.ADD) {
			if rt, rn, off, ok := decodeLDR(w2); ok && rt == x16 && rn == x17 && off == 0 && has3 && w3 == insnBRAA {
				return Stub{Kind: StubAuthLoad, Target: page + imm}
			}
		}
	}
	return Stub{}
}

func put(out []byte, words ...uint32) []byte {
	for _, w := range words {
		out = binary.LittleEndian.AppendUint32(out, w)
	}
	return out
}

func encodeADRP(rd int, pc, target uint64) (uint32, error) {
	pages := (int64(target&^0xfff) - int64(pc&^0xfff)) >> 12
	if pages < -(1<<20) || pages >= 1<<20 {
		return 0, fmt.Errorf("adrp from %#x to %#x is out of range", pc, target)
	}
	imm := uint32(pages) & 0x1fffff
	return opADRP | (imm&0x3)<<29 | (imm>>2)<<5 | uint32(rd), nil
}

// EncodeLoadStub emits a stub of size bytes at pc that jumps through the pointer at ptr.
// A 12 byte stub uses the StubLoad sequence and a 16 byte stub the StubAuthLoad sequence.
func EncodeLoadStub(pc, ptr uint64, size int) ([]byte, error) {
	switch size {
	case 12:
		if ptr&7 != 0 {
			return nil, fmt.Errorf("symbol pointer %#x is not 8 byte aligned", ptr)
		}
		adrp, err := encodeADRP(x16, pc, ptr)
		if err != nil {
			return nil, err
		}
		ldr := opLDRImm | uint32((ptr&0xfff)>>3)<<10 | x16<<5 | x16
		return put(nil, adrp, ldr, insnBR16), nil
	case 16:
		adrp, err := encodeADRP(x17, pc, ptr)
		if err != nil {
			return nil, err
		}
		add := opADDImm | uint32(ptr&0xfff)<<10 | x17<<5 | x17
		ldr := opLDRImm | x17<<5 | x16
		return put(nil, adrp, add, ldr, insnBRAA), nil
	}
	return nil, fmt.Errorf("unsupported stub size %d", size)
}

// TrapStub returns a stub body of size bytes that traps when executed.
func TrapStub(size int) []byte {
	var out []byte
	for i := 0; i < size/4; i++ {
		out = put(out, insnBRK1)
	}
	return out
}
