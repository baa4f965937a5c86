package program

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

// sampleProgram returns load(0), load(0), add, ret — computing 41+41.
// Operand/Elems slices are explicit non-nil empties (rather than omitted)
// so they compare equal to what Decode produces for the same fields.
func sampleProgram() *Program {
	return &Program{
		Header: Header{Magic: ReamMagic, Version: 1, GradeCeiling: IO, MaxStack: 16, MaxGlobals: 4},
		Constants: []Const{
			{Kind: KInt64, I: 41, Elems: []int{}},
		},
		Instructions: []Instruction{
			{Op: OpLoadConst, Operands: []int64{0}, Grade: Pure},
			{Op: OpLoadConst, Operands: []int64{0}, Grade: Pure},
			{Op: OpAdd, Operands: []int64{}, Grade: Pure},
			{Op: OpRet, Operands: []int64{}, Grade: Pure},
		},
		Symbols: []SymbolEntry{{ID: 0, Name: "main", Kind: "entry"}},
		Meta:    Metadata{Name: "sample", Arity: map[string]int{"main": 0}},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p := sampleProgram()
	encoded := p.Encode()

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, p.Header, decoded.Header)
	require.Equal(t, p.Constants, decoded.Constants)
	require.Equal(t, p.Instructions, decoded.Instructions)
	require.Equal(t, p.Symbols, decoded.Symbols)
}

// TestEncodeDecodeRoundTripStructural uses go-cmp instead of testify's
// field-by-field require.Equal calls, so a future field added to
// Program shows up as a named diff line rather than a silent gap in
// TestEncodeDecodeRoundTrip's hand-picked field list.
func TestEncodeDecodeRoundTripStructural(t *testing.T) {
	p := sampleProgram()
	decoded, err := Decode(p.Encode())
	require.NoError(t, err)
	if diff := cmp.Diff(p, decoded); diff != "" {
		t.Fatalf("decoded program differs from original (-want +got):\n%s", diff)
	}
}

func TestHashIsStableAndContentAddressed(t *testing.T) {
	p1 := sampleProgram()
	p2 := sampleProgram()
	require.Equal(t, p1.Hash(), p2.Hash())

	p2.Constants[0].I = 42
	require.NotEqual(t, p1.Hash(), p2.Hash())
}

func TestVerifyAcceptsWellFormedProgram(t *testing.T) {
	p := sampleProgram()
	require.NoError(t, Verify(p, DefaultVerifyOptions()))
}

func TestVerifyRejectsBadJumpTarget(t *testing.T) {
	p := sampleProgram()
	p.Instructions = append(p.Instructions, Instruction{Op: OpJmp, Operands: []int64{1000}})
	err := Verify(p, DefaultVerifyOptions())
	require.Error(t, err)
}

func TestVerifyRejectsCallArityMismatch(t *testing.T) {
	p := sampleProgram()
	p.Meta.Arity = map[string]int{"main": 2}
	p.Instructions = []Instruction{
		{Op: OpCall, Sym: "main", Operands: []int64{0}},
	}
	err := Verify(p, DefaultVerifyOptions())
	require.Error(t, err)
}

func TestVerifyRejectsUndeclaredCallTarget(t *testing.T) {
	p := sampleProgram()
	p.Instructions = []Instruction{
		{Op: OpCall, Sym: "nope", Operands: []int64{0}},
	}
	err := Verify(p, DefaultVerifyOptions())
	require.Error(t, err)
}

func TestVerifyRejectsStackUnderflow(t *testing.T) {
	p := sampleProgram()
	p.Instructions = []Instruction{
		{Op: OpAdd, Operands: []int64{}, Grade: Pure},
	}
	err := Verify(p, DefaultVerifyOptions())
	require.Error(t, err)
}

func TestVerifyRejectsGradeAboveCeiling(t *testing.T) {
	p := sampleProgram()
	p.Header.GradeCeiling = Pure
	p.Instructions = append(p.Instructions, Instruction{Op: OpPrint, Operands: []int64{}, Grade: IO})
	err := Verify(p, DefaultVerifyOptions())
	require.Error(t, err)
}
