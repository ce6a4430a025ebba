// Package classfile parses the binary class-file format into structured raw
// metadata and a decoded instruction stream. It performs no cross-class
// resolution; linking happens downstream on the model graph.
package classfile

import (
	"encoding/binary"
	"math"
	"unicode/utf16"

	"github.com/SwitchGDX/clearwing-vm/fault"
)

// Constant pool entry tags.
const (
	TagUtf8               = 1
	TagInteger            = 3
	TagFloat              = 4
	TagLong               = 5
	TagDouble             = 6
	TagClass              = 7
	TagString             = 8
	TagFieldref           = 9
	TagMethodref          = 10
	TagInterfaceMethodref = 11
	TagNameAndType        = 12
	TagMethodHandle       = 15
	TagMethodType         = 16
	TagDynamic            = 17
	TagInvokeDynamic      = 18
	TagModule             = 19
	TagPackage            = 20
)

// ---------------------------------------------------------------------------
// ConstPool
// ---------------------------------------------------------------------------

// poolEntry is one slot of the constant pool. Long and Double occupy two
// slots; the second slot has tag 0.
type poolEntry struct {
	tag  byte
	str  string
	i32  int32
	i64  int64
	f32  float32
	f64  float64
	idx1 uint16
	idx2 uint16
}

// ConstPool is the parsed constant pool of one class file. Indices are
// 1-based as in the binary format.
type ConstPool struct {
	owner   string // class name for error context, set after this_class reads
	entries []poolEntry
}

// MemberRef names a field or method through the pool: owner class, member
// name, and descriptor.
type MemberRef struct {
	Class string
	Name  string
	Desc  string
}

// StringConst wraps a string-literal pool constant so ldc consumers can tell
// it apart from Utf8 plumbing.
type StringConst struct {
	Value string
}

// ClassRef wraps a class pool constant loaded by ldc.
type ClassRef struct {
	Name string
}

func (cp *ConstPool) entry(idx uint16) (*poolEntry, error) {
	if idx == 0 || int(idx) >= len(cp.entries) {
		return nil, fault.At(fault.MalformedInput, cp.owner, "", -1, "constant pool index %d out of range", idx)
	}
	return &cp.entries[idx], nil
}

// Utf8 returns the Utf8 string at idx.
func (cp *ConstPool) Utf8(idx uint16) (string, error) {
	e, err := cp.entry(idx)
	if err != nil {
		return "", err
	}
	if e.tag != TagUtf8 {
		return "", fault.At(fault.MalformedInput, cp.owner, "", -1, "constant %d is tag %d, want Utf8", idx, e.tag)
	}
	return e.str, nil
}

// ClassName returns the internal name of the Class constant at idx.
func (cp *ConstPool) ClassName(idx uint16) (string, error) {
	e, err := cp.entry(idx)
	if err != nil {
		return "", err
	}
	if e.tag != TagClass {
		return "", fault.At(fault.MalformedInput, cp.owner, "", -1, "constant %d is tag %d, want Class", idx, e.tag)
	}
	return cp.Utf8(e.idx1)
}

// NameAndType returns the (name, descriptor) pair at idx.
func (cp *ConstPool) NameAndType(idx uint16) (string, string, error) {
	e, err := cp.entry(idx)
	if err != nil {
		return "", "", err
	}
	if e.tag != TagNameAndType {
		return "", "", fault.At(fault.MalformedInput, cp.owner, "", -1, "constant %d is tag %d, want NameAndType", idx, e.tag)
	}
	name, err := cp.Utf8(e.idx1)
	if err != nil {
		return "", "", err
	}
	desc, err := cp.Utf8(e.idx2)
	if err != nil {
		return "", "", err
	}
	return name, desc, nil
}

// Member returns the MemberRef for a Fieldref, Methodref, or
// InterfaceMethodref at idx.
func (cp *ConstPool) Member(idx uint16) (MemberRef, error) {
	e, err := cp.entry(idx)
	if err != nil {
		return MemberRef{}, err
	}
	switch e.tag {
	case TagFieldref, TagMethodref, TagInterfaceMethodref:
	default:
		return MemberRef{}, fault.At(fault.MalformedInput, cp.owner, "", -1, "constant %d is tag %d, want a member ref", idx, e.tag)
	}
	class, err := cp.ClassName(e.idx1)
	if err != nil {
		return MemberRef{}, err
	}
	name, desc, err := cp.NameAndType(e.idx2)
	if err != nil {
		return MemberRef{}, err
	}
	return MemberRef{Class: class, Name: name, Desc: desc}, nil
}

// Constant returns the loadable constant at idx for ldc/ldc_w/ldc2_w and
// ConstantValue attributes: int32, int64, float32, float64, StringConst, or
// ClassRef.
func (cp *ConstPool) Constant(idx uint16) (interface{}, error) {
	e, err := cp.entry(idx)
	if err != nil {
		return nil, err
	}
	switch e.tag {
	case TagInteger:
		return e.i32, nil
	case TagLong:
		return e.i64, nil
	case TagFloat:
		return e.f32, nil
	case TagDouble:
		return e.f64, nil
	case TagString:
		s, err := cp.Utf8(e.idx1)
		if err != nil {
			return nil, err
		}
		return StringConst{Value: s}, nil
	case TagClass:
		name, err := cp.Utf8(e.idx1)
		if err != nil {
			return nil, err
		}
		return ClassRef{Name: name}, nil
	}
	return nil, fault.At(fault.MalformedInput, cp.owner, "", -1, "constant %d (tag %d) is not loadable", idx, e.tag)
}

// readPool parses the constant-pool section of a class file starting at
// r.off, leaving r.off just past it.
func readPool(r *reader) (*ConstPool, error) {
	count, err := r.u2()
	if err != nil {
		return nil, err
	}
	cp := &ConstPool{entries: make([]poolEntry, count)}
	for i := uint16(1); i < count; i++ {
		tag, err := r.u1()
		if err != nil {
			return nil, err
		}
		e := &cp.entries[i]
		e.tag = tag
		switch tag {
		case TagUtf8:
			n, err := r.u2()
			if err != nil {
				return nil, err
			}
			raw, err := r.bytes(int(n))
			if err != nil {
				return nil, err
			}
			e.str = decodeModifiedUTF8(raw)
		case TagInteger:
			v, err := r.u4()
			if err != nil {
				return nil, err
			}
			e.i32 = int32(v)
		case TagFloat:
			v, err := r.u4()
			if err != nil {
				return nil, err
			}
			e.f32 = math.Float32frombits(v)
		case TagLong:
			v, err := r.u8()
			if err != nil {
				return nil, err
			}
			e.i64 = int64(v)
			i++ // occupies two slots
		case TagDouble:
			v, err := r.u8()
			if err != nil {
				return nil, err
			}
			e.f64 = math.Float64frombits(v)
			i++
		case TagClass, TagString, TagMethodType, TagModule, TagPackage:
			v, err := r.u2()
			if err != nil {
				return nil, err
			}
			e.idx1 = v
		case TagFieldref, TagMethodref, TagInterfaceMethodref, TagNameAndType,
			TagDynamic, TagInvokeDynamic:
			a, err := r.u2()
			if err != nil {
				return nil, err
			}
			b, err := r.u2()
			if err != nil {
				return nil, err
			}
			e.idx1, e.idx2 = a, b
		case TagMethodHandle:
			if _, err := r.u1(); err != nil {
				return nil, err
			}
			v, err := r.u2()
			if err != nil {
				return nil, err
			}
			e.idx1 = v
		default:
			return nil, fault.At(fault.MalformedInput, r.name, "", r.off, "unknown constant pool tag %d", tag)
		}
	}
	return cp, nil
}

// decodeModifiedUTF8 converts the class-file modified-UTF8 encoding to a Go
// string. Embedded NULs arrive in the two-byte form and decode to U+0000.
// Supplementary characters arrive as two three-byte surrogates, which are
// recombined into one rune; an unpaired surrogate becomes U+FFFD.
func decodeModifiedUTF8(raw []byte) string {
	// Fast path: pure ASCII, which almost every identifier is.
	ascii := true
	for _, b := range raw {
		if b == 0 || b >= 0x80 {
			ascii = false
			break
		}
	}
	if ascii {
		return string(raw)
	}
	out := make([]rune, 0, len(raw))
	for i := 0; i < len(raw); {
		b := raw[i]
		switch {
		case b&0x80 == 0:
			out = append(out, rune(b))
			i++
		case b&0xe0 == 0xc0 && i+1 < len(raw):
			out = append(out, rune(b&0x1f)<<6|rune(raw[i+1]&0x3f))
			i += 2
		case b&0xf0 == 0xe0 && i+2 < len(raw):
			r := rune(b&0x0f)<<12 | rune(raw[i+1]&0x3f)<<6 | rune(raw[i+2]&0x3f)
			i += 3
			if utf16.IsSurrogate(r) && i+2 < len(raw) && raw[i]&0xf0 == 0xe0 {
				lo := rune(raw[i]&0x0f)<<12 | rune(raw[i+1]&0x3f)<<6 | rune(raw[i+2]&0x3f)
				if pair := utf16.DecodeRune(r, lo); pair != 0xFFFD {
					r = pair
					i += 3
				}
			}
			out = append(out, r)
		default:
			// Damaged sequence; keep the raw byte rather than dropping data.
			out = append(out, rune(b))
			i++
		}
	}
	return string(out)
}

// ReadUint16 reads a big-endian uint16 (exported for tests building
// synthetic class files).
func ReadUint16(b []byte) uint16 {
	return binary.BigEndian.Uint16(b)
}

// ReadUint32 reads a big-endian uint32.
func ReadUint32(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}
