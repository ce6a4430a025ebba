package classfile

import (
	"testing"

	"github.com/SwitchGDX/clearwing-vm/fault"
)

func emptyPool() *ConstPool {
	return &ConstPool{entries: make([]poolEntry, 1)}
}

// ---------------------------------------------------------------------------
// Basic decoding
// ---------------------------------------------------------------------------

func TestDecodeShorthandLoads(t *testing.T) {
	code := []byte{
		byte(OpIload0), byte(OpIload1), byte(OpIadd), byte(OpIreturn),
	}
	insts, err := DecodeCode("A", "add(II)I", emptyPool(), code)
	if err != nil {
		t.Fatal(err)
	}
	if len(insts) != 4 {
		t.Fatalf("decoded %d instructions", len(insts))
	}
	// Shorthand forms normalize to the long form with an explicit index.
	if insts[0].Op != OpIload || insts[0].Index != 0 {
		t.Errorf("inst 0 = %v index %d", insts[0].Op, insts[0].Index)
	}
	if insts[1].Op != OpIload || insts[1].Index != 1 {
		t.Errorf("inst 1 = %v index %d", insts[1].Op, insts[1].Index)
	}
	if insts[2].Offset != 2 || insts[3].Offset != 3 {
		t.Errorf("offsets = %d, %d", insts[2].Offset, insts[3].Offset)
	}
}

func TestDecodeImmediates(t *testing.T) {
	code := []byte{
		byte(OpBipush), 0xfe, // -2
		byte(OpSipush), 0x01, 0x00, // 256
	}
	insts, err := DecodeCode("A", "m()V", emptyPool(), code)
	if err != nil {
		t.Fatal(err)
	}
	if insts[0].Value != -2 {
		t.Errorf("bipush = %d", insts[0].Value)
	}
	if insts[1].Value != 256 {
		t.Errorf("sipush = %d", insts[1].Value)
	}
}

func TestDecodeBranchTargetsAreAbsolute(t *testing.T) {
	code := []byte{
		byte(OpIload0),           // 0
		byte(OpIfeq), 0x00, 0x05, // 1 -> 1+5 = 6
		byte(OpIconst0), // 4
		byte(OpIreturn), // 5
		byte(OpIconst1), // 6
		byte(OpIreturn), // 7
	}
	insts, err := DecodeCode("A", "m(I)I", emptyPool(), code)
	if err != nil {
		t.Fatal(err)
	}
	if insts[1].Op != OpIfeq || insts[1].Target != 6 {
		t.Errorf("branch target = %d, want 6", insts[1].Target)
	}
}

// ---------------------------------------------------------------------------
// Switches
// ---------------------------------------------------------------------------

func TestDecodeTableswitch(t *testing.T) {
	// tableswitch at offset 0: opcode, 3 pad bytes, default, low=1, high=3,
	// then 3 targets.
	code := []byte{byte(OpTableswitch), 0, 0, 0}
	code = append(code, u4(20)...) // default -> 0+20
	code = append(code, u4(1)...)  // low
	code = append(code, u4(3)...)  // high
	code = append(code, u4(12)...)
	code = append(code, u4(14)...)
	code = append(code, u4(16)...)
	// Filler so targets land on real offsets.
	for len(code) < 24 {
		code = append(code, byte(OpNop))
	}
	insts, err := DecodeCode("A", "m(I)V", emptyPool(), code)
	if err != nil {
		t.Fatal(err)
	}
	sw := insts[0]
	if sw.Default != 20 {
		t.Errorf("default = %d", sw.Default)
	}
	if len(sw.Keys) != 3 || sw.Keys[0] != 1 || sw.Keys[2] != 3 {
		t.Errorf("keys = %v", sw.Keys)
	}
	if sw.Targets[0] != 12 || sw.Targets[2] != 16 {
		t.Errorf("targets = %v", sw.Targets)
	}
}

func TestDecodeLookupswitch(t *testing.T) {
	code := []byte{byte(OpLookupswitch), 0, 0, 0}
	code = append(code, u4(28)...) // default
	code = append(code, u4(2)...)  // npairs
	code = append(code, u4(0xFFFFFFF6)...)
	code = append(code, u4(20)...) // -10 -> 20
	code = append(code, u4(99)...)
	code = append(code, u4(24)...) // 99 -> 24
	for len(code) < 32 {
		code = append(code, byte(OpNop))
	}
	insts, err := DecodeCode("A", "m(I)V", emptyPool(), code)
	if err != nil {
		t.Fatal(err)
	}
	sw := insts[0]
	if sw.Keys[0] != -10 || sw.Keys[1] != 99 {
		t.Errorf("keys = %v", sw.Keys)
	}
	if sw.Targets[0] != 20 || sw.Targets[1] != 24 {
		t.Errorf("targets = %v", sw.Targets)
	}
}

// ---------------------------------------------------------------------------
// Wide and unsupported forms
// ---------------------------------------------------------------------------

func TestDecodeWide(t *testing.T) {
	code := []byte{
		byte(OpWide), byte(OpIload), 0x01, 0x00, // iload 256
		byte(OpWide), byte(OpIinc), 0x01, 0x00, 0xff, 0x9c, // iinc 256 by -100
	}
	insts, err := DecodeCode("A", "m()V", emptyPool(), code)
	if err != nil {
		t.Fatal(err)
	}
	if insts[0].Op != OpIload || insts[0].Index != 256 || !insts[0].Wide {
		t.Errorf("wide iload = %+v", insts[0])
	}
	if insts[1].Op != OpIinc || insts[1].Index != 256 || insts[1].Value != -100 {
		t.Errorf("wide iinc = %+v", insts[1])
	}
}

func TestDecodeInvokedynamicUnsupported(t *testing.T) {
	code := []byte{byte(OpInvokedynamic), 0, 1, 0, 0}
	_, err := DecodeCode("A", "m()V", emptyPool(), code)
	if !fault.IsKind(err, fault.Unsupported) {
		t.Errorf("got %v, want Unsupported", err)
	}
}

func TestDecodeTruncatedInstruction(t *testing.T) {
	code := []byte{byte(OpSipush), 0x01} // missing a byte
	_, err := DecodeCode("A", "m()V", emptyPool(), code)
	if !fault.IsKind(err, fault.MalformedInput) {
		t.Errorf("got %v, want MalformedInput", err)
	}
}

func TestDecodeUnknownOpcode(t *testing.T) {
	code := []byte{0xfe}
	_, err := DecodeCode("A", "m()V", emptyPool(), code)
	if !fault.IsKind(err, fault.MalformedInput) {
		t.Errorf("got %v, want MalformedInput", err)
	}
}
