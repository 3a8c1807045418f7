package dyld

import (
	"fmt"

	"github.com/blacktop/dyldex/pkg/macho"
	"github.com/pkg/errors"
)

// An ExportEntry is one terminal node of an export trie.
type ExportEntry struct {
	Name    string
	Flags   CacheExportFlag
	Other   uint64
	Address uint64
	// ReExport is the name in the re-exported library, empty if equal to Name.
	ReExport string
}

func (e ExportEntry) String() string {
	if e.Flags.ReExport() {
		return fmt.Sprintf("%s (re-exported from ordinal %d as %q)", e.Name, e.Other, e.ReExport)
	}
	return fmt.Sprintf("%#x: %s", e.Address, e.Name)
}

type trieNode struct {
	offset uint64
	prefix []byte
}

func readCString(data []byte, off int) (string, int, error) {
	for i := off; i < len(data); i++ {
		if data[i] == 0 {
			return string(data[off:i]), i + 1, nil
		}
	}
	return "", off, errors.Errorf("unterminated string in export trie at offset %#x", off)
}

// ParseTrie walks an export trie and returns every exported symbol. Regular and thread
// local symbol addresses are relative to loadAddress.
func ParseTrie(data []byte, loadAddress uint64) ([]ExportEntry, error) {
	var entries []ExportEntry

	if len(data) == 0 {
		return nil, nil
	}

	visited := make(map[uint64]bool)
	nodes := []trieNode{{offset: 0}}

	for len(nodes) > 0 {
		node := nodes[len(nodes)-1]
		nodes = nodes[:len(nodes)-1]

		if visited[node.offset] {
			return nil, &FormatError{int64(node.offset), "export trie loops back to node", node.offset}
		}
		visited[node.offset] = true

		terminalSize, off, err := macho.ReadUleb128(data, int(node.offset))
		if err != nil {
			return nil, err
		}
		childrenAt := off + int(terminalSize)

		if terminalSize != 0 {
			e := ExportEntry{Name: string(node.prefix)}
			var flags uint64
			if flags, off, err = macho.ReadUleb128(data, off); err != nil {
				return nil, err
			}
			e.Flags = CacheExportFlag(flags)
			switch {
			case e.Flags.ReExport():
				if e.Other, off, err = macho.ReadUleb128(data, off); err != nil {
					return nil, err
				}
				if e.ReExport, _, err = readCString(data, off); err != nil {
					return nil, err
				}
			case e.Flags.StubAndResolver():
				if e.Address, off, err = macho.ReadUleb128(data, off); err != nil {
					return nil, err
				}
				if e.Other, _, err = macho.ReadUleb128(data, off); err != nil {
					return nil, err
				}
			default:
				if e.Address, _, err = macho.ReadUleb128(data, off); err != nil {
					return nil, err
				}
			}
			if !e.Flags.ReExport() && (e.Flags.Regular() || e.Flags.ThreadLocal()) {
				e.Address += loadAddress
			}
			entries = append(entries, e)
		}

		if childrenAt >= len(data) {
			return nil, &FormatError{int64(childrenAt), "export trie node runs past end of data", node.offset}
		}
		childCount := int(data[childrenAt])
		off = childrenAt + 1
		for i := 0; i < childCount; i++ {
			var edge string
			if edge, off, err = readCString(data, off); err != nil {
				return nil, err
			}
			var child uint64
			if child, off, err = macho.ReadUleb128(data, off); err != nil {
				return nil, err
			}
			prefix := make([]byte, 0, len(node.prefix)+len(edge))
			prefix = append(append(prefix, node.prefix...), edge...)
			nodes = append(nodes, trieNode{offset: child, prefix: prefix})
		}
	}

	return entries, nil
}
