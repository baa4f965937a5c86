// Package vm implements REAM's stack-based, effect-graded bytecode
// virtual machine.
package vm

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/reamlang/ream/internal/ream/pid"
)

// Kind tags a runtime Value.
type Kind byte

const (
	KNil Kind = iota
	KBool
	KInt64
	KFloat64
	KString
	KList
	KMap
	KPID
	KUint256
)

// Value is REAM's tagged runtime value. It is intentionally a plain
// struct rather than an interface: the VM's inner loop is a tight
// table-driven dispatch and avoiding interface boxing on
// every arithmetic op keeps that loop cheap.
type Value struct {
	Kind Kind
	I    int64
	F    float64
	S    string
	L    []Value
	M    map[string]Value
	Pid  pid.PID
	U256 *uint256.Int
}

func Nil() Value              { return Value{Kind: KNil} }
func Bool(b bool) Value       { i := int64(0); if b { i = 1 }; return Value{Kind: KBool, I: i} }
func Int(i int64) Value       { return Value{Kind: KInt64, I: i} }
func Float(f float64) Value   { return Value{Kind: KFloat64, F: f} }
func Str(s string) Value      { return Value{Kind: KString, S: s} }
func List(l []Value) Value    { return Value{Kind: KList, L: l} }
func Map(m map[string]Value) Value { return Value{Kind: KMap, M: m} }
func PID(p pid.PID) Value     { return Value{Kind: KPID, Pid: p} }
func Uint256(u *uint256.Int) Value { return Value{Kind: KUint256, U256: u} }

func (v Value) IsNil() bool  { return v.Kind == KNil }
func (v Value) Truthy() bool {
	switch v.Kind {
	case KNil:
		return false
	case KBool:
		return v.I != 0
	case KInt64:
		return v.I != 0
	case KFloat64:
		return v.F != 0
	case KString:
		return v.S != ""
	case KList:
		return len(v.L) != 0
	case KMap:
		return len(v.M) != 0
	default:
		return true
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KNil:
		return "nil"
	case KBool:
		return fmt.Sprintf("%t", v.I != 0)
	case KInt64:
		return fmt.Sprintf("%d", v.I)
	case KFloat64:
		return fmt.Sprintf("%g", v.F)
	case KString:
		return v.S
	case KList:
		parts := make([]string, len(v.L))
		for i, e := range v.L {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KMap:
		return fmt.Sprintf("map(%d)", len(v.M))
	case KPID:
		return v.Pid.String()
	case KUint256:
		return v.U256.String()
	default:
		return "?"
	}
}

func (v Value) TypeName() string {
	switch v.Kind {
	case KNil:
		return "nil"
	case KBool:
		return "bool"
	case KInt64:
		return "int"
	case KFloat64:
		return "float"
	case KString:
		return "string"
	case KList:
		return "list"
	case KMap:
		return "map"
	case KPID:
		return "pid"
	case KUint256:
		return "uint256"
	default:
		return "unknown"
	}
}
