package dsctest

import (
	"strings"

	"github.com/blacktop/go-macho/types/objc"
)

const (
	classPrefix     = "_OBJC_CLASS_$_"
	metaclassPrefix = "_OBJC_METACLASS_$_"
	protocolPrefix  = "__OBJC_PROTOCOL_$_"

	roMeta = 1 << 0

	smallMethodListFlag = 0x80000000
	directSelectorsFlag = 0x40000000
	relativeMethodSize  = 12
)

// ClassLabel is the label of the class named name.
func ClassLabel(name string) string { return classPrefix + name }

// MetaclassLabel is the label of the metaclass of the class named name.
func MetaclassLabel(name string) string { return metaclassPrefix + name }

// ProtocolLabel is the label of the protocol named name.
func ProtocolLabel(name string) string { return protocolPrefix + name }

// ObjCMethod is one entry of a relative method list.
type ObjCMethod struct {
	Name  string
	Types string
	Imp   string // label of the implementation
	// Sel is the label of the selector string a direct selector list names, by default
	// the image's own copy of Name.
	Sel string
}

// ObjCClass describes a class to add with Image.ObjCClass.
type ObjCClass struct {
	Name string
	// Super is the label of the superclass, empty for a root class.
	Super string
	// Cache is the label the method cache fields point at, usually _objc_empty_cache.
	Cache string
	// Protocols is the label of the class's protocol list.
	Protocols string
	Methods   []ObjCMethod
	// DirectSelectors builds the method list the way the cache builder does, with name
	// offsets pointing straight at selector strings.
	DirectSelectors bool
	Exported        bool
}

// ObjCImageInfo adds __objc_imageinfo with the flags the cache builder sets.
func (img *Image) ObjCImageInfo() {
	img.Section("__objc_imageinfo").U32(0).U32(uint32(objc.OptimizedByDyld))
}

func (img *Image) cstring(sect, str string) string {
	key := sect + ":" + str
	if label, ok := img.objc[key]; ok {
		return label
	}
	label := img.Path + ":" + key
	img.Section(sect).CString(label, str)
	img.objc[key] = label
	return label
}

// MethName returns the label of the image's selector string name, adding it on first use.
func (img *Image) MethName(name string) string {
	return img.cstring("__objc_methname", name)
}

// SelRef returns the label of the image's selector reference to name, adding it on first use.
func (img *Image) SelRef(name string) string {
	key := "selref:" + name
	if label, ok := img.objc[key]; ok {
		return label
	}
	label := img.Path + ":" + key
	img.Section("__objc_selrefs").Label(label).Ptr(img.MethName(name))
	img.objc[key] = label
	return label
}

// ObjCProtocol adds a protocol without methods to the image's protocol list and returns its label.
func (img *Image) ObjCProtocol(name string) string {
	label := ProtocolLabel(name)
	// isa, name, protocols, four method lists, properties, size and flags
	img.Section("__objc_data").Label(label).
		Ptr("").
		Ptr(img.cstring("__objc_classname", name)).
		Ptr("").
		Ptr("").Ptr("").Ptr("").Ptr("").
		Ptr("").
		U32(72).U32(0)
	img.Section("__objc_protolist").Ptr(label)
	return label
}

// ObjCProtocolList adds a protocol list named label holding protos.
func (img *Image) ObjCProtocolList(label string, protos ...string) {
	s := img.Section("__objc_const").Label(label).U64(uint64(len(protos)))
	for _, p := range protos {
		s.Ptr(p)
	}
}

// ClassRef adds a class reference to target and returns its label.
func (img *Image) ClassRef(target string) string {
	label := img.Path + ":classref:" + target
	img.Section("__objc_classrefs").Label(label).Ptr(target)
	return label
}

// ObjCClass adds a class, its metaclass and their read-only data, and lists the class in
// __objc_classlist. It returns the class label.
func (img *Image) ObjCClass(cls ObjCClass) string {
	class := ClassLabel(cls.Name)
	meta := MetaclassLabel(cls.Name)
	name := img.cstring("__objc_classname", cls.Name)

	var methods string
	if len(cls.Methods) > 0 {
		methods = img.Path + ":methods:" + cls.Name
		flags := uint32(relativeMethodSize | smallMethodListFlag)
		if cls.DirectSelectors {
			flags |= directSelectorsFlag
		}
		s := img.Section("__objc_methlist").Label(methods).
			U32(flags).
			U32(uint32(len(cls.Methods)))
		for _, m := range cls.Methods {
			sel := m.Sel
			switch {
			case !cls.DirectSelectors:
				sel = img.SelRef(m.Name)
			case sel == "":
				sel = img.MethName(m.Name)
			}
			s.Rel32(sel).
				Rel32(img.cstring("__objc_methtype", m.Types)).
				Rel32(m.Imp)
		}
	}

	ro := func(label string, flags uint32, methods, protocols string) {
		img.Section("__objc_const").Label(label).
			U32(flags).U32(8).U64(8).
			Ptr("").
			Ptr(name).
			Ptr(methods).
			Ptr(protocols).
			Ptr("").
			Ptr("").
			Ptr("")
	}
	classRO := img.Path + ":ro:" + cls.Name
	metaRO := img.Path + ":metaro:" + cls.Name
	ro(metaRO, roMeta, "", "")
	ro(classRO, 0, methods, cls.Protocols)

	metaSuper := class
	if cls.Super != "" {
		metaSuper = strings.Replace(cls.Super, classPrefix, metaclassPrefix, 1)
	}
	data := img.Section("__objc_data")
	data.Label(meta).Ptr("").Ptr(metaSuper).Ptr(cls.Cache).Ptr("").Ptr(metaRO)
	data.Label(class).Ptr(meta).Ptr(cls.Super).Ptr(cls.Cache).Ptr("").Ptr(classRO)

	img.Section("__objc_classlist").Ptr(class)
	if cls.Exported {
		img.Export(class, meta)
	}
	return class
}
