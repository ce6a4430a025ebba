// Package wire serializes the resolved link facts — class-ids, v-slots, and
// field offsets — in canonical CBOR for the build driver and for
// determinism checks.
package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/SwitchGDX/clearwing-vm/model"
)

// SummaryFile is the link summary's file name in the output root.
const SummaryFile = "clearwing.link.cbor"

// cborEncMode uses canonical mode so the same program always produces the
// same bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Summary is the program-level link digest.
type Summary struct {
	ABI     string         `cbor:"abi"`
	Classes []ClassSummary `cbor:"classes"`
}

// ClassSummary captures one class's resolve-time facts.
type ClassSummary struct {
	Name    string          `cbor:"name"`
	ID      int             `cbor:"id"`
	Kind    string          `cbor:"kind"`
	Super   string          `cbor:"super,omitempty"`
	Fields  []FieldSummary  `cbor:"fields,omitempty"`
	VTable  []string        `cbor:"vtable,omitempty"`
	Methods []MethodSummary `cbor:"methods,omitempty"`
}

// FieldSummary is one flattened instance-field slot.
type FieldSummary struct {
	Name string `cbor:"name"`
	Desc string `cbor:"desc"`
	Slot int    `cbor:"slot"`
}

// MethodSummary is one declared method with its dispatch slot and mangled
// symbol.
type MethodSummary struct {
	Name   string `cbor:"name"`
	Desc   string `cbor:"desc"`
	VSlot  int    `cbor:"vslot"`
	Symbol string `cbor:"symbol"`
}

// Build collects the summary from a frozen program in lexicographic class
// order.
func Build(prog *model.Program, abi string) *Summary {
	s := &Summary{ABI: abi}
	for _, c := range prog.Classes() {
		cs := ClassSummary{
			Name: c.Name,
			ID:   c.ID,
			Kind: c.Kind.String(),
		}
		if c.Super != nil {
			cs.Super = c.Super.Name
		}
		for _, f := range c.Layout {
			cs.Fields = append(cs.Fields, FieldSummary{Name: f.Name, Desc: f.Desc, Slot: f.Slot})
		}
		for _, m := range c.VTable {
			cs.VTable = append(cs.VTable, m.Owner.Name+"."+m.Name+m.Desc)
		}
		for _, m := range c.Methods {
			cs.Methods = append(cs.Methods, MethodSummary{
				Name:   m.Name,
				Desc:   m.Desc,
				VSlot:  m.VSlot,
				Symbol: model.MangleMethod(c.Name, m.Name, m.Desc),
			})
		}
		s.Classes = append(s.Classes, cs)
	}
	return s
}

// Marshal serializes a Summary to canonical CBOR bytes.
func Marshal(s *Summary) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

// Unmarshal deserializes a Summary from CBOR bytes.
func Unmarshal(data []byte) (*Summary, error) {
	var s Summary
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("wire: unmarshal summary: %w", err)
	}
	return &s, nil
}
