package program

import "fmt"

// VerifyError reports why a Program was rejected for admission.
type VerifyError struct {
	Reason string
}

func (e *VerifyError) Error() string { return "verify: " + e.Reason }

// stackDelta is the abstract (pushed - popped) effect of one opcode on
// the operand stack, and popped is how many operands it consumes — used
// to detect underflow independent of delta's sign.
func stackDelta(op Opcode) (popped, pushed int, variadic bool) {
	switch op {
	case OpNop, OpBreak, OpJmp, OpFence:
		return 0, 0, false
	case OpLoadConst, OpLoadLocal, OpLoadGlobal, OpListNew, OpMapNew,
		OpSelf, OpGetTime, OpReceive, OpRandom:
		return 0, 1, false
	case OpStoreLocal, OpStoreGlobal, OpPop, OpJmpIfFalse, OpPrint, OpDebug,
		OpSeed, OpLink, OpSleep:
		return 1, 0, false
	case OpSpawn, OpMonitor, OpNeg, OpNot, OpTypeOf, OpCast,
		OpListLen, OpStrLen, OpMapSize, OpMapKeys, OpMapValues,
		OpAtomicLoad, OpFileOpen, OpFileClose, OpSocketOpen, OpSocketClose,
		OpTimerStart, OpTimerCancel, OpRead, OpHash, OpRandomBytes:
		return 1, 1, false
	case OpDup:
		return 1, 2, false
	case OpSwap:
		return 2, 2, false
	case OpSend:
		return 2, 0, false
	case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpAnd, OpOr, OpXor, OpShl, OpShr,
		OpEq, OpNe, OpLt, OpLe, OpGt, OpGe,
		OpListGet, OpListAppend, OpMapGet, OpMapRemove,
		OpStrConcat, OpStrIndex, OpStrSplit,
		OpAtomicStore, OpAtomicFetchAdd, OpAtomicFetchSub,
		OpFileRead, OpFileWrite, OpFileSeek, OpSocketRead, OpSocketWrite,
		OpSign, OpEncrypt, OpDecrypt:
		return 2, 1, false
	case OpListSet, OpMapPut, OpStrSlice, OpVerify, OpAtomicCAS:
		return 3, 1, false
	case OpCall:
		// arity is carried as an operand; popped is filled in by the caller.
		return 0, 1, true
	case OpRet:
		return 1, 0, false
	default:
		return 0, 0, false
	}
}

// VerifyOptions bounds the abstract stack depth a Program may reach.
type VerifyOptions struct {
	MaxStackDepth int
}

func DefaultVerifyOptions() VerifyOptions { return VerifyOptions{MaxStackDepth: 4096} }

// Verify checks a Program before it may be admitted to the runtime:
//   - every jump target is in range;
//   - Call arity matches the callee's declared arity;
//   - the abstract stack depth never underflows or exceeds the configured max;
//   - every instruction's declared grade is <= the module's grade ceiling.
//
// The stack-depth check follows instruction order only and does not
// follow jump edges, so a Program whose depth changes around a loop or
// across a branch can pass Verify and still fault with StackUnderflow
// or StackOverflow at runtime.
func Verify(p *Program, opt VerifyOptions) error {
	n := len(p.Instructions)
	for i, in := range p.Instructions {
		if !in.Grade.LE(p.Header.GradeCeiling) {
			return &VerifyError{Reason: fmt.Sprintf("instruction %d (%s) grade %s exceeds module ceiling %s", i, in.Op, in.Grade, p.Header.GradeCeiling)}
		}
		switch in.Op {
		case OpJmp, OpJmpIfFalse:
			if len(in.Operands) != 1 {
				return &VerifyError{Reason: fmt.Sprintf("instruction %d (%s) missing jump offset operand", i, in.Op)}
			}
			target := i + 1 + int(in.Operands[0])
			if target < 0 || target > n {
				return &VerifyError{Reason: fmt.Sprintf("instruction %d (%s) jump target %d out of range", i, in.Op, target)}
			}
		case OpCall:
			if len(in.Operands) != 1 {
				return &VerifyError{Reason: fmt.Sprintf("instruction %d (call) missing arity operand", i)}
			}
			arity := int(in.Operands[0])
			declared, ok := p.Meta.Arity[in.Sym]
			if !ok {
				return &VerifyError{Reason: fmt.Sprintf("instruction %d (call %q) calls undeclared entry point", i, in.Sym)}
			}
			if declared != arity {
				return &VerifyError{Reason: fmt.Sprintf("instruction %d (call %q) arity %d does not match declared arity %d", i, in.Sym, arity, declared)}
			}
		}
	}

	return verifyStackDepth(p, opt)
}

// verifyStackDepth performs an abstract, single-pass stack-depth check.
// It is not a control-flow fixpoint: it walks the instruction stream
// linearly in index order, carrying one running depth from each
// instruction to the next. Jump targets are not visited along their
// edges and the depths of different paths are not merged, so only
// straight-line underflow/overflow is caught.
func verifyStackDepth(p *Program, opt VerifyOptions) error {
	depth := 0
	max := opt.MaxStackDepth
	for i, in := range p.Instructions {
		popped, pushed, variadic := stackDelta(in.Op)
		if variadic && in.Op == OpCall {
			if len(in.Operands) == 1 {
				popped = int(in.Operands[0])
			}
		}
		if depth < popped {
			return &VerifyError{Reason: fmt.Sprintf("instruction %d (%s) would underflow stack (depth %d, pops %d)", i, in.Op, depth, popped)}
		}
		depth = depth - popped + pushed
		if depth > max {
			return &VerifyError{Reason: fmt.Sprintf("instruction %d (%s) would exceed max stack depth %d", i, in.Op, max)}
		}
		if depth < 0 {
			return &VerifyError{Reason: fmt.Sprintf("instruction %d (%s) produced negative stack depth", i, in.Op)}
		}
	}
	return nil
}
