package dsctest

import "fmt"

const (
	insnRET   uint32 = 0xd65f03c0
	insnBR16  uint32 = 0xd61f0200
	insnBRK1  uint32 = 0xd4200020
	opADRP    uint32 = 0x90000000
	opADDImm  uint32 = 0x91000000
	opBranch  uint32 = 0x14000000
	linkBit   uint32 = 0x80000000
	regX16    uint32 = 16
	branchMax int64  = 1 << 27
)

func adrp(rd uint32, pc, target uint64) (uint32, error) {
	pages := (int64(target&^0xfff) - int64(pc&^0xfff)) >> 12
	if pages < -(1<<20) || pages >= 1<<20 {
		return 0, fmt.Errorf("adrp from %#x to %#x is out of range", pc, target)
	}
	imm := uint32(pages) & 0x1fffff
	return opADRP | (imm&0x3)<<29 | (imm>>2)<<5 | rd, nil
}

func addImm(rd, rn uint32, imm uint64) uint32 {
	return opADDImm | uint32(imm&0xfff)<<10 | rn<<5 | rd
}

func branch(pc, target uint64, link bool) (uint32, error) {
	delta := int64(target) - int64(pc)
	if delta&3 != 0 || delta < -branchMax || delta >= branchMax {
		return 0, fmt.Errorf("branch from %#x to %#x is out of range", pc, target)
	}
	ins := opBranch | uint32(delta>>2)&0x03ffffff
	if link {
		ins |= linkBit
	}
	return ins, nil
}

// directStub is the sequence the cache builder leaves behind when it binds a stub
// straight to its target.
func directStub(pc, target uint64, size int) ([]uint32, error) {
	page, err := adrp(regX16, pc, target)
	if err != nil {
		return nil, err
	}
	words := []uint32{page, addImm(regX16, regX16, target), insnBR16}
	if size == 16 {
		words = append(words, insnBRK1)
	}
	return words, nil
}
