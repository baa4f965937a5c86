package program

import (
	"fmt"
	"math"
)

// reader walks a byte slice produced by Program.Encode.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) u32() (uint32, error) {
	if r.pos+4 > len(r.buf) {
		return 0, fmt.Errorf("program: truncated u32")
	}
	v := uint32(r.buf[r.pos]) | uint32(r.buf[r.pos+1])<<8 | uint32(r.buf[r.pos+2])<<16 | uint32(r.buf[r.pos+3])<<24
	r.pos += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if r.pos+8 > len(r.buf) {
		return 0, fmt.Errorf("program: truncated u64")
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(r.buf[r.pos+i]) << (8 * i)
	}
	r.pos += 8
	return v, nil
}

func (r *reader) byte() (byte, error) {
	if r.pos+1 > len(r.buf) {
		return 0, fmt.Errorf("program: truncated byte")
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) str() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	if r.pos+int(n) > len(r.buf) {
		return "", fmt.Errorf("program: truncated string")
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

// Decode parses the byte form produced by Program.Encode. It is the
// exact inverse of canonicalBytes/Encode.
func Decode(data []byte) (*Program, error) {
	r := &reader{buf: data}
	p := &Program{}

	magic, err := r.u32()
	if err != nil {
		return nil, err
	}
	p.Header.Magic = magic
	if p.Header.Magic != ReamMagic {
		return nil, fmt.Errorf("program: bad magic %x", magic)
	}
	vlo, err := r.byte()
	if err != nil {
		return nil, err
	}
	vhi, err := r.byte()
	if err != nil {
		return nil, err
	}
	p.Header.Version = uint16(vlo) | uint16(vhi)<<8
	grade, err := r.byte()
	if err != nil {
		return nil, err
	}
	p.Header.GradeCeiling = EffectGrade(grade)
	maxStack, err := r.u32()
	if err != nil {
		return nil, err
	}
	p.Header.MaxStack = int(maxStack)
	maxGlobals, err := r.u32()
	if err != nil {
		return nil, err
	}
	p.Header.MaxGlobals = int(maxGlobals)

	nConst, err := r.u32()
	if err != nil {
		return nil, err
	}
	p.Constants = make([]Const, nConst)
	for i := range p.Constants {
		kind, err := r.byte()
		if err != nil {
			return nil, err
		}
		iv, err := r.u64()
		if err != nil {
			return nil, err
		}
		fv, err := r.u64()
		if err != nil {
			return nil, err
		}
		s, err := r.str()
		if err != nil {
			return nil, err
		}
		nElems, err := r.u32()
		if err != nil {
			return nil, err
		}
		elems := make([]int, nElems)
		for j := range elems {
			e, err := r.u32()
			if err != nil {
				return nil, err
			}
			elems[j] = int(e)
		}
		p.Constants[i] = Const{
			Kind:  ConstKind(kind),
			I:     int64(iv),
			F:     math.Float64frombits(fv),
			S:     s,
			Elems: elems,
		}
	}

	nInstr, err := r.u32()
	if err != nil {
		return nil, err
	}
	p.Instructions = make([]Instruction, nInstr)
	for i := range p.Instructions {
		op, err := r.byte()
		if err != nil {
			return nil, err
		}
		nOperands, err := r.u32()
		if err != nil {
			return nil, err
		}
		operands := make([]int64, nOperands)
		for j := range operands {
			o, err := r.u64()
			if err != nil {
				return nil, err
			}
			operands[j] = int64(o)
		}
		sym, err := r.str()
		if err != nil {
			return nil, err
		}
		grade, err := r.byte()
		if err != nil {
			return nil, err
		}
		p.Instructions[i] = Instruction{
			Op:       Opcode(op),
			Operands: operands,
			Sym:      sym,
			Grade:    EffectGrade(grade),
		}
	}

	nSym, err := r.u32()
	if err != nil {
		return nil, err
	}
	p.Symbols = make([]SymbolEntry, nSym)
	for i := range p.Symbols {
		id, err := r.u32()
		if err != nil {
			return nil, err
		}
		name, err := r.str()
		if err != nil {
			return nil, err
		}
		kind, err := r.str()
		if err != nil {
			return nil, err
		}
		p.Symbols[i] = SymbolEntry{ID: int(id), Name: name, Kind: kind}
	}

	return p, nil
}
