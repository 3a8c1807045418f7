package dyld

import (
	"strings"

	"github.com/blacktop/go-macho/types"
)

// CacheHeader is the fixed prefix of dyld_cache_header shared by every cache format version.
type CacheHeader struct {
	Magic               [16]byte   // e.g. "dyld_v1  arm64e"
	MappingOffset       uint32     // file offset to first dyld_cache_mapping_info
	MappingCount        uint32     // number of dyld_cache_mapping_info entries
	ImagesOffset        uint32     // file offset to first dyld_cache_image_info
	ImagesCount         uint32     // number of dyld_cache_image_info entries
	DyldBaseAddress     uint64     // base address of dyld when cache was built
	CodeSignatureOffset uint64     // file offset of code signature blob
	CodeSignatureSize   uint64     // size of code signature blob (zero means to end of file)
	SlideInfoOffset     uint64     // file offset of kernel slid info
	SlideInfoSize       uint64     // size of kernel slid info
	LocalSymbolsOffset  uint64     // file offset of where local symbols are stored
	LocalSymbolsSize    uint64     // size of local symbols information
	UUID                types.UUID // unique value for each shared cache file
	CacheType           uint64     // 0 for development, 1 for production
}

// CacheHeaderSize is the encoded size of CacheHeader.
const CacheHeaderSize = 112

// CacheHeaderExt is the part of dyld_cache_header newer caches add after CacheHeader, up to
// the relocated image table. Fields past the cache's real header size read as zero.
type CacheHeaderExt struct {
	BranchPoolsOffset             uint32         // file offset to table of uint64_t pool addresses
	BranchPoolsCount              uint32         // number of uint64_t entries
	DyldInCacheMH                 uint64         // (unslid) address of mach_header of dyld in cache
	DyldInCacheEntry              uint64         // (unslid) address of entry point (_dyld_start) of dyld in cache
	ImagesTextOffset              uint64         // file offset to first dyld_cache_image_text_info
	ImagesTextCount               uint64         // number of dyld_cache_image_text_info entries
	PatchInfoAddr                 uint64         // (unslid) address of dyld_cache_patch_info
	PatchInfoSize                 uint64         // size of all of the patch information pointed to via the dyld_cache_patch_info
	OtherImageGroupAddrUnused     uint64         // unused
	OtherImageGroupSizeUnused     uint64         // unused
	ProgClosuresAddr              uint64         // (unslid) address of list of program launch closures
	ProgClosuresSize              uint64         // size of list of program launch closures
	ProgClosuresTrieAddr          uint64         // (unslid) address of trie of indexes into program launch closures
	ProgClosuresTrieSize          uint64         // size of trie of indexes into program launch closures
	Platform                      types.Platform // platform number (macOS=1, etc)
	FormatVersion                 uint32         // closure format version and cache build flags
	SharedRegionStart             uint64         // base load address of cache if not slid
	SharedRegionSize              uint64         // overall size of region cache can be mapped into
	MaxSlide                      uint64         // runtime slide of cache can be between zero and this value
	DylibsImageArrayAddr          uint64         // (unslid) address of ImageArray for dylibs in this cache
	DylibsImageArraySize          uint64         // size of ImageArray for dylibs in this cache
	DylibsTrieAddr                uint64         // (unslid) address of trie of indexes of all cached dylibs
	DylibsTrieSize                uint64         // size of trie of cached dylib paths
	OtherImageArrayAddr           uint64         // (unslid) address of ImageArray for dylibs and bundles with dlopen closures
	OtherImageArraySize           uint64         // size of ImageArray for dylibs and bundles with dlopen closures
	OtherTrieAddr                 uint64         // (unslid) address of trie of indexes of all dylibs and bundles with dlopen closures
	OtherTrieSize                 uint64         // size of trie of dylibs and bundles with dlopen closures
	MappingWithSlideOffset        uint32         // file offset to first dyld_cache_mapping_and_slide_info
	MappingWithSlideCount         uint32         // number of dyld_cache_mapping_and_slide_info entries
	DylibsPblStateArrayAddrUnused uint64         // unused
	DylibsPblSetAddr              uint64         // (unslid) address of PrebuiltLoaderSet of all cached dylibs
	ProgramsPblSetPoolAddr        uint64         // (unslid) address of pool of PrebuiltLoaderSet for each program
	ProgramsPblSetPoolSize        uint64         // size of pool of PrebuiltLoaderSet for each program
	ProgramTrieAddr               uint64         // (unslid) address of trie mapping program path to PrebuiltLoaderSet
	ProgramTrieSize               uint32         //
	OsVersion                     types.Version  // OS Version of dylibs in this cache for the main platform
	AltPlatform                   types.Platform // e.g. iOSMac on macOS
	AltOsVersion                  types.Version  // e.g. 14.0 for iOSMac
	SwiftOptsOffset               uint64         // VM offset from cache_header* to Swift optimizations header
	SwiftOptsSize                 uint64         // size of Swift optimizations header
	SubCacheArrayOffset           uint32         // file offset to first dyld_subcache_entry
	SubCacheArrayCount            uint32         // number of subCache entries
	SymbolFileUUID                types.UUID     // unique value for the shared cache file containing unmapped local symbols
	RosettaReadOnlyAddr           uint64         // (unslid) address of the start of where Rosetta can add read-only/executable data
	RosettaReadOnlySize           uint64         // maximum size of the Rosetta read-only/executable region
	RosettaReadWriteAddr          uint64         // (unslid) address of the start of where Rosetta can add read-write data
	RosettaReadWriteSize          uint64         // maximum size of the Rosetta read-write region
	ImagesOffset                  uint32         // file offset to first dyld_cache_image_info
	ImagesCount                   uint32         // number of dyld_cache_image_info entries
}

// CacheHeaderExtEnd is the file offset just past CacheHeaderExt.
const CacheHeaderExtEnd = 0x1c8

type CacheMappingInfo struct {
	Address    uint64
	Size       uint64
	FileOffset uint64
	MaxProt    types.VmProtection
	InitProt   types.VmProtection
}

// CacheMappingAndSlideInfo is a dyld_cache_mapping_and_slide_info entry.
type CacheMappingAndSlideInfo struct {
	Address             uint64
	Size                uint64
	FileOffset          uint64
	SlideInfoFileOffset uint64
	SlideInfoFileSize   uint64
	Flags               CacheMappingFlag
	MaxProt             types.VmProtection
	InitProt            types.VmProtection
}

// CacheMappingAndSlideInfoSize is the encoded size of CacheMappingAndSlideInfo.
const CacheMappingAndSlideInfoSize = 56

type CacheMappingFlag uint64

const (
	DYLD_CACHE_MAPPING_AUTH_DATA       CacheMappingFlag = 1 << 0
	DYLD_CACHE_MAPPING_DIRTY_DATA      CacheMappingFlag = 1 << 1
	DYLD_CACHE_MAPPING_CONST_DATA      CacheMappingFlag = 1 << 2
	DYLD_CACHE_MAPPING_TEXT_STUBS      CacheMappingFlag = 1 << 3
	DYLD_CACHE_DYNAMIC_CONFIG_DATA     CacheMappingFlag = 1 << 4
	DYLD_CACHE_READ_ONLY_DATA          CacheMappingFlag = 1 << 5
	DYLD_CACHE_MAPPING_CONST_TPRO_DATA CacheMappingFlag = 1 << 6
)

// A CacheMapping is one region of the cache file mapped into memory. SlideInfo describes
// how the mapping's pointers are encoded, nil when they are stored as is.
type CacheMapping struct {
	Name string
	CacheMappingInfo
	Flags     CacheMappingFlag
	SlideInfo *SlideInfo
}

// Contains reports whether addr lies within the mapping.
func (m *CacheMapping) Contains(addr uint64) bool {
	return addr >= m.Address && addr < m.Address+m.Size
}

// ContainsOffset reports whether the file offset lies within the mapping.
func (m *CacheMapping) ContainsOffset(off uint64) bool {
	return off >= m.FileOffset && off < m.FileOffset+m.Size
}

type CacheImageInfo struct {
	Address        uint64
	ModTime        uint64
	Inode          uint64
	PathFileOffset uint32
	Pad            uint32
}

// A CacheImage is one image of the cache's image directory.
type CacheImage struct {
	Name  string
	Index int
	CacheImageInfo
}

// ShortName returns the last path element of the image's install name.
func (i *CacheImage) ShortName() string {
	return i.Name[strings.LastIndex(i.Name, "/")+1:]
}

type CacheLocalSymbolsInfo struct {
	NlistOffset   uint32 // offset into this chunk of nlist entries
	NlistCount    uint32 // count of nlist entries
	StringsOffset uint32 // offset into this chunk of string pool
	StringsSize   uint32 // byte count of string pool
	EntriesOffset uint32 // offset into this chunk of array of dyld_cache_local_symbols_entry
	EntriesCount  uint32 // number of elements in dyld_cache_local_symbols_entry array
}

type CacheLocalSymbolsEntry struct {
	DylibOffset     uint32 // offset in cache file of start of dylib
	NlistStartIndex uint32 // start index of locals for this dylib
	NlistCount      uint32 // number of local symbols for this dylib
}

type CacheExportFlag int

const (
	exportSymbolFlagsKindMask        CacheExportFlag = 0x03
	exportSymbolFlagsKindRegular     CacheExportFlag = 0x00
	exportSymbolFlagsKindThreadLocal CacheExportFlag = 0x01
	exportSymbolFlagsKindAbsolute    CacheExportFlag = 0x02
	exportSymbolFlagsWeakDefinition  CacheExportFlag = 0x04
	exportSymbolFlagsReexport        CacheExportFlag = 0x08
	exportSymbolFlagsStubAndResolver CacheExportFlag = 0x10
)

func (f CacheExportFlag) Regular() bool {
	return (f & exportSymbolFlagsKindMask) == exportSymbolFlagsKindRegular
}
func (f CacheExportFlag) ThreadLocal() bool {
	return (f & exportSymbolFlagsKindMask) == exportSymbolFlagsKindThreadLocal
}
func (f CacheExportFlag) Absolute() bool {
	return (f & exportSymbolFlagsKindMask) == exportSymbolFlagsKindAbsolute
}
func (f CacheExportFlag) WeakDefinition() bool {
	return f&exportSymbolFlagsWeakDefinition != 0
}
func (f CacheExportFlag) ReExport() bool {
	return f&exportSymbolFlagsReexport != 0
}
func (f CacheExportFlag) StubAndResolver() bool {
	return f&exportSymbolFlagsStubAndResolver != 0
}

func (f CacheExportFlag) String() string {
	var fStr string
	if f.ReExport() {
		fStr = "ReExport"
	} else if f.Regular() {
		fStr = "Regular"
		if f.StubAndResolver() {
			fStr += "|Has Resolver Function"
		} else if f.WeakDefinition() {
			fStr += "|Weak Definition"
		}
	} else if f.ThreadLocal() {
		fStr = "Thread Local"
	} else if f.Absolute() {
		fStr = "Absolute"
	}
	return fStr
}
