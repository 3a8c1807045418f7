package magic

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
)

type Magic uint32

const (
	Magic32    Magic = 0xfeedface
	Magic64    Magic = 0xfeedfacf
	MagicFatBE Magic = 0xcafebabe
	MagicFatLE Magic = 0xbebafeca
)

var dyldMagic = []byte("dyld_v1")

func readMagic(filePath string, n int) ([]byte, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", filePath, err)
	}
	defer f.Close()

	magic := make([]byte, n)
	if _, err = f.Read(magic); err != nil {
		return nil, fmt.Errorf("failed to read magic: %w", err)
	}
	return magic, nil
}

func IsMachO(filePath string) (bool, error) {
	magic, err := readMagic(filePath, 4)
	if err != nil {
		return false, err
	}

	switch Magic(binary.LittleEndian.Uint32(magic)) {
	case Magic32, Magic64, MagicFatBE, MagicFatLE:
		return true, nil
	default:
		return false, fmt.Errorf("not a macho file")
	}
}

// IsDyldSharedCache reports whether filePath starts with a dyld_shared_cache magic.
func IsDyldSharedCache(filePath string) (bool, error) {
	magic, err := readMagic(filePath, len(dyldMagic))
	if err != nil {
		return false, err
	}
	if !bytes.Equal(magic, dyldMagic) {
		return false, fmt.Errorf("not a dyld_shared_cache file")
	}
	return true, nil
}
