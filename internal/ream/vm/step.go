package vm

import (
	"encoding/hex"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/reamlang/ream/internal/ream/program"
)

// basicBlockEnder reports whether an opcode ends a basic block, i.e. is
// a point where the VM must sample the preemption flag: every jump, call, return, and actor/IO suspension
// point.
func basicBlockEnder(op program.Opcode) bool {
	switch op {
	case program.OpJmp, program.OpJmpIfFalse, program.OpCall, program.OpRet,
		program.OpReceive, program.OpSleep, program.OpSpawn, program.OpSend:
		return true
	default:
		return false
	}
}

// StepQuantum runs prog against st for up to budget instructions,
// sampling the preempt callback at every basic-block boundary and
// every back-edge. It returns as soon as the
// program yields, blocks, returns, faults, or exhausts its budget.
func StepQuantum(st *State, prog *program.Program, budget int, host Host, preempt func() bool) StepOutcome {
	ran := 0
	for ran < budget {
		if st.PC < 0 || st.PC >= len(prog.Instructions) {
			return StepOutcome{Kind: Faulted, Ran: ran, Fault: newFault(FaultBadJump, "program counter %d out of range", st.PC)}
		}
		in := prog.Instructions[st.PC]
		startPC := st.PC

		outcome, advance := execOne(st, prog, in, host)
		ran++
		st.InstructionsExecuted++
		if st.Trace != nil {
			st.Trace(startPC, in.Op, len(st.Stack))
		}

		if outcome != nil {
			outcome.Ran = ran
			return *outcome
		}
		if advance {
			st.PC++
		}

		if basicBlockEnder(in.Op) || st.PC <= startPC {
			if preempt != nil && preempt() {
				return StepOutcome{Kind: Yielded, Ran: ran}
			}
		}
	}
	return StepOutcome{Kind: Ran, Ran: ran}
}

// execOne executes a single instruction. It returns a non-nil outcome
// when execution must stop this quantum (Blocked/Returned/Faulted);
// advance reports whether st.PC should move to the next instruction
// (false when the instruction already repositioned PC itself, e.g. a
// taken jump or a call).
func execOne(st *State, prog *program.Program, in program.Instruction, host Host) (*StepOutcome, bool) {
	switch in.Op {
	case program.OpNop, program.OpBreak:
		return nil, true

	case program.OpLoadConst:
		idx := int(in.Operands[0])
		if idx < 0 || idx >= len(prog.Constants) {
			return faultOut(newFault(FaultOutOfBounds, "const index %d out of range", idx)), true
		}
		if f := st.push(constToValue(prog.Constants[idx])); f != nil {
			return faultOut(f), true
		}
		return nil, true

	case program.OpLoadLocal:
		idx := int(in.Operands[0])
		if idx < 0 || idx >= len(st.Locals) {
			return faultOut(newFault(FaultOutOfBounds, "local slot %d out of range", idx)), true
		}
		if f := st.push(st.Locals[idx]); f != nil {
			return faultOut(f), true
		}
		return nil, true

	case program.OpStoreLocal:
		idx := int(in.Operands[0])
		v, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		if idx < 0 || idx >= len(st.Locals) {
			return faultOut(newFault(FaultOutOfBounds, "local slot %d out of range", idx)), true
		}
		st.Locals[idx] = v
		return nil, true

	case program.OpLoadGlobal:
		if f := st.push(st.Globals.Load(in.Sym)); f != nil {
			return faultOut(f), true
		}
		return nil, true

	case program.OpStoreGlobal:
		v, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		st.Globals.Store(in.Sym, v)
		return nil, true

	case program.OpAdd, program.OpSub, program.OpMul, program.OpDiv, program.OpMod:
		return arith(st, in.Op), true

	case program.OpNeg:
		v, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		switch v.Kind {
		case KInt64:
			pushOrFault(st, Int(-v.I))
		case KFloat64:
			pushOrFault(st, Float(-v.F))
		default:
			return faultOut(newFault(FaultTypeError, "cannot negate %s", v.TypeName())), true
		}
		return nil, true

	case program.OpAnd, program.OpOr, program.OpXor, program.OpShl, program.OpShr:
		return bitwise(st, in.Op), true

	case program.OpNot:
		v, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		if f := st.push(Bool(!v.Truthy())); f != nil {
			return faultOut(f), true
		}
		return nil, true

	case program.OpEq, program.OpNe, program.OpLt, program.OpLe, program.OpGt, program.OpGe:
		return compare(st, in.Op), true

	case program.OpDup:
		v, f := st.peek()
		if f != nil {
			return faultOut(f), true
		}
		if f := st.push(v); f != nil {
			return faultOut(f), true
		}
		return nil, true

	case program.OpPop:
		_, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		return nil, true

	case program.OpSwap:
		a, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		b, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		st.push(a)
		st.push(b)
		return nil, true

	case program.OpJmp:
		target := st.PC + 1 + int(in.Operands[0])
		if target < 0 || target > len(prog.Instructions) {
			return faultOut(newFault(FaultBadJump, "jump target %d out of range", target)), false
		}
		st.PC = target
		return nil, false

	case program.OpJmpIfFalse:
		cond, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		if !cond.Truthy() {
			target := st.PC + 1 + int(in.Operands[0])
			if target < 0 || target > len(prog.Instructions) {
				return faultOut(newFault(FaultBadJump, "jump target %d out of range", target)), false
			}
			st.PC = target
			return nil, false
		}
		st.PC++
		return nil, false

	case program.OpCall:
		return doCall(st, prog, in)

	case program.OpRet:
		v, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		if len(st.Frames) == 0 {
			return &StepOutcome{Kind: Returned, Value: v}, false
		}
		frame := st.Frames[len(st.Frames)-1]
		st.Frames = st.Frames[:len(st.Frames)-1]
		st.Locals = frame.Locals
		st.PC = frame.ReturnPC
		if f := st.push(v); f != nil {
			return faultOut(f), true
		}
		return nil, false

	case program.OpListNew:
		st.push(List(nil))
		return nil, true
	case program.OpListLen:
		v, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		if v.Kind != KList {
			return faultOut(newFault(FaultTypeError, "list_len on %s", v.TypeName())), true
		}
		st.push(Int(int64(len(v.L))))
		return nil, true
	case program.OpListGet:
		idx, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		lst, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		if lst.Kind != KList {
			return faultOut(newFault(FaultTypeError, "list_get on %s", lst.TypeName())), true
		}
		i := int(idx.I)
		if i < 0 || i >= len(lst.L) {
			return faultOut(newFault(FaultOutOfBounds, "list index %d out of range (len %d)", i, len(lst.L))), true
		}
		st.push(lst.L[i])
		return nil, true
	case program.OpListSet:
		v, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		idx, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		lst, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		if lst.Kind != KList {
			return faultOut(newFault(FaultTypeError, "list_set on %s", lst.TypeName())), true
		}
		i := int(idx.I)
		if i < 0 || i >= len(lst.L) {
			return faultOut(newFault(FaultOutOfBounds, "list index %d out of range (len %d)", i, len(lst.L))), true
		}
		next := make([]Value, len(lst.L))
		copy(next, lst.L)
		next[i] = v
		st.push(List(next))
		return nil, true
	case program.OpListAppend:
		v, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		lst, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		if lst.Kind != KList {
			return faultOut(newFault(FaultTypeError, "list_append on %s", lst.TypeName())), true
		}
		next := append(append([]Value{}, lst.L...), v)
		st.push(List(next))
		return nil, true

	case program.OpMapNew:
		st.push(Map(map[string]Value{}))
		return nil, true
	case program.OpMapGet:
		key, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		m, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		if m.Kind != KMap {
			return faultOut(newFault(FaultTypeError, "map_get on %s", m.TypeName())), true
		}
		v, ok := m.M[key.String()]
		if !ok {
			v = Nil() // missing key => Nil, not a fault
		}
		st.push(v)
		return nil, true
	case program.OpMapPut:
		v, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		key, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		m, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		if m.Kind != KMap {
			return faultOut(newFault(FaultTypeError, "map_put on %s", m.TypeName())), true
		}
		next := make(map[string]Value, len(m.M)+1)
		for k, v2 := range m.M {
			next[k] = v2
		}
		next[key.String()] = v
		st.push(Map(next))
		return nil, true
	case program.OpMapRemove:
		key, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		m, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		if m.Kind != KMap {
			return faultOut(newFault(FaultTypeError, "map_remove on %s", m.TypeName())), true
		}
		next := make(map[string]Value, len(m.M))
		for k, v2 := range m.M {
			next[k] = v2
		}
		delete(next, key.String())
		st.push(Map(next))
		return nil, true
	case program.OpMapKeys:
		m, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		if m.Kind != KMap {
			return faultOut(newFault(FaultTypeError, "map_keys on %s", m.TypeName())), true
		}
		keys := make([]Value, 0, len(m.M))
		for k := range m.M {
			keys = append(keys, Str(k))
		}
		st.push(List(keys))
		return nil, true
	case program.OpMapValues:
		m, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		if m.Kind != KMap {
			return faultOut(newFault(FaultTypeError, "map_values on %s", m.TypeName())), true
		}
		vals := make([]Value, 0, len(m.M))
		for _, v2 := range m.M {
			vals = append(vals, v2)
		}
		st.push(List(vals))
		return nil, true
	case program.OpMapSize:
		m, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		if m.Kind != KMap {
			return faultOut(newFault(FaultTypeError, "map_size on %s", m.TypeName())), true
		}
		st.push(Int(int64(len(m.M))))
		return nil, true

	case program.OpStrLen:
		s, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		if s.Kind != KString {
			return faultOut(newFault(FaultTypeError, "str_len on %s", s.TypeName())), true
		}
		st.push(Int(int64(len(s.S))))
		return nil, true
	case program.OpStrConcat:
		b, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		a, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		if a.Kind != KString || b.Kind != KString {
			return faultOut(newFault(FaultTypeError, "str_concat on %s/%s", a.TypeName(), b.TypeName())), true
		}
		st.push(Str(a.S + b.S))
		return nil, true
	case program.OpStrSlice:
		end, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		start, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		s, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		if s.Kind != KString {
			return faultOut(newFault(FaultTypeError, "str_slice on %s", s.TypeName())), true
		}
		lo, hi := int(start.I), int(end.I)
		if lo < 0 || hi > len(s.S) || lo > hi {
			return faultOut(newFault(FaultOutOfBounds, "str_slice [%d,%d) out of range (len %d)", lo, hi, len(s.S))), true
		}
		if (lo < len(s.S) && !utf8.RuneStart(s.S[lo])) || (hi < len(s.S) && !utf8.RuneStart(s.S[hi])) {
			return faultOut(newFault(FaultOutOfBounds, "str_slice [%d,%d) is not on a UTF-8 boundary", lo, hi)), true
		}
		st.push(Str(s.S[lo:hi]))
		return nil, true
	case program.OpStrIndex:
		idx, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		s, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		if s.Kind != KString {
			return faultOut(newFault(FaultTypeError, "str_index on %s", s.TypeName())), true
		}
		i := int(idx.I)
		if i < 0 || i >= len(s.S) {
			return faultOut(newFault(FaultOutOfBounds, "str_index %d out of range (len %d)", i, len(s.S))), true
		}
		st.push(Str(string(s.S[i])))
		return nil, true
	case program.OpStrSplit:
		sep, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		s, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		if s.Kind != KString || sep.Kind != KString {
			return faultOut(newFault(FaultTypeError, "str_split on %s/%s", s.TypeName(), sep.TypeName())), true
		}
		parts := splitString(s.S, sep.S)
		out := make([]Value, len(parts))
		for i, p := range parts {
			out[i] = Str(p)
		}
		st.push(List(out))
		return nil, true

	case program.OpSpawn:
		return doSpawn(st, prog, in, host)
	case program.OpSend:
		payload, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		target, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		if target.Kind != KPID {
			return faultOut(newFault(FaultTypeError, "send target is %s, not pid", target.TypeName())), true
		}
		if err := host.Send(target.Pid, payload); err != nil {
			return faultOut(newFault(FaultTypeError, "send: %v", err)), true
		}
		return nil, true
	case program.OpReceive:
		var timeout time.Duration
		if len(in.Operands) > 0 {
			timeout = time.Duration(in.Operands[0]) * time.Millisecond
		}
		msg, ok := host.Receive(timeout)
		if !ok {
			// PC stays on the Receive: once re-dispatched the retry
			// pops the message that woke us and pushes it.
			return &StepOutcome{Kind: Blocked, Reason: BlockWaitingForMessage}, false
		}
		st.push(msg)
		return nil, true
	case program.OpSelf:
		st.push(PID(host.Self()))
		return nil, true
	case program.OpLink:
		target, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		if target.Kind != KPID {
			return faultOut(newFault(FaultTypeError, "link target is %s, not pid", target.TypeName())), true
		}
		if err := host.Link(target.Pid); err != nil {
			return faultOut(newFault(FaultTypeError, "link: %v", err)), true
		}
		return nil, true
	case program.OpMonitor:
		target, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		if target.Kind != KPID {
			return faultOut(newFault(FaultTypeError, "monitor target is %s, not pid", target.TypeName())), true
		}
		ref, err := host.Monitor(target.Pid)
		if err != nil {
			return faultOut(newFault(FaultTypeError, "monitor: %v", err)), true
		}
		st.push(Int(ref))
		return nil, true

	case program.OpAtomicLoad:
		id, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		order := orderOperand(in, 0)
		st.push(Int(host.AtomicCells().Load(id.I, order)))
		return nil, true
	case program.OpAtomicStore:
		v, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		id, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		order := orderOperand(in, 0)
		host.AtomicCells().Store(id.I, v.I, order)
		st.push(Nil())
		return nil, true
	case program.OpAtomicCAS:
		newV, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		oldV, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		id, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		order := orderOperand(in, 0)
		ok := host.AtomicCells().CAS(id.I, oldV.I, newV.I, order)
		st.push(Bool(ok))
		return nil, true
	case program.OpAtomicFetchAdd:
		delta, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		id, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		order := orderOperand(in, 0)
		st.push(Int(host.AtomicCells().FetchAdd(id.I, delta.I, order)))
		return nil, true
	case program.OpAtomicFetchSub:
		delta, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		id, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		order := orderOperand(in, 0)
		st.push(Int(host.AtomicCells().FetchSub(id.I, delta.I, order)))
		return nil, true
	case program.OpFence:
		order := orderOperand(in, 0)
		host.AtomicCells().Fence(order)
		return nil, true

	case program.OpPrint:
		v, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		host.Print(v.String())
		return nil, true

	case program.OpRead:
		n, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		data, err := host.ReadInput(int(n.I))
		if err != nil {
			return faultOut(newFault(FaultTypeError, "read: %v", err)), true
		}
		st.push(Str(string(data)))
		return nil, true

	case program.OpGetTime:
		st.push(Int(host.Now().UnixMilli()))
		return nil, true
	case program.OpSleep:
		d, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		host.Sleep(time.Duration(d.I) * time.Millisecond)
		st.PC++
		return &StepOutcome{Kind: Blocked, Reason: BlockSleeping}, false

	case program.OpFileOpen:
		path, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		flags := 0
		if len(in.Operands) > 0 {
			flags = int(in.Operands[0])
		}
		fd, err := host.FileOpen(path.S, flags)
		if err != nil {
			return faultOut(newFault(FaultTypeError, "file_open: %v", err)), true
		}
		st.push(Int(fd))
		return nil, true
	case program.OpFileRead:
		n, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		fd, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		data, err := host.FileRead(fd.I, int(n.I))
		if err != nil {
			return faultOut(newFault(FaultTypeError, "file_read: %v", err)), true
		}
		st.push(Str(string(data)))
		return nil, true
	case program.OpFileWrite:
		data, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		fd, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		n, err := host.FileWrite(fd.I, []byte(data.S))
		if err != nil {
			return faultOut(newFault(FaultTypeError, "file_write: %v", err)), true
		}
		st.push(Int(int64(n)))
		return nil, true
	case program.OpFileClose:
		fd, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		if err := host.FileClose(fd.I); err != nil {
			return faultOut(newFault(FaultTypeError, "file_close: %v", err)), true
		}
		st.push(Nil())
		return nil, true
	case program.OpFileSeek:
		offset, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		fd, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		pos, err := host.FileSeek(fd.I, offset.I)
		if err != nil {
			return faultOut(newFault(FaultTypeError, "file_seek: %v", err)), true
		}
		st.push(Int(pos))
		return nil, true

	case program.OpSocketOpen:
		addr, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		network := in.Sym
		if network == "" {
			network = "tcp"
		}
		fd, err := host.SocketOpen(network, addr.S)
		if err != nil {
			return faultOut(newFault(FaultTypeError, "socket_open: %v", err)), true
		}
		st.push(Int(fd))
		return nil, true
	case program.OpSocketRead:
		n, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		fd, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		data, err := host.SocketRead(fd.I, int(n.I))
		if err != nil {
			return faultOut(newFault(FaultTypeError, "socket_read: %v", err)), true
		}
		st.push(Str(string(data)))
		return nil, true
	case program.OpSocketWrite:
		data, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		fd, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		n, err := host.SocketWrite(fd.I, []byte(data.S))
		if err != nil {
			return faultOut(newFault(FaultTypeError, "socket_write: %v", err)), true
		}
		st.push(Int(int64(n)))
		return nil, true
	case program.OpSocketClose:
		fd, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		if err := host.SocketClose(fd.I); err != nil {
			return faultOut(newFault(FaultTypeError, "socket_close: %v", err)), true
		}
		st.push(Nil())
		return nil, true

	case program.OpTimerStart:
		d, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		id, err := host.TimerStart(time.Duration(d.I) * time.Millisecond)
		if err != nil {
			return faultOut(newFault(FaultTypeError, "timer_start: %v", err)), true
		}
		st.push(Int(id))
		return nil, true
	case program.OpTimerCancel:
		id, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		if err := host.TimerCancel(id.I); err != nil {
			return faultOut(newFault(FaultTypeError, "timer_cancel: %v", err)), true
		}
		st.push(Nil())
		return nil, true

	case program.OpHash:
		data, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		st.push(Str(host.CryptoEngine().Hash([]byte(data.S))))
		return nil, true
	case program.OpSign:
		msg, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		priv, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		sig, err := host.CryptoEngine().Sign(in.Sym, []byte(priv.S), []byte(msg.S))
		if err != nil {
			return faultOut(newFault(FaultTypeError, "sign: %v", err)), true
		}
		st.push(Str(hex.EncodeToString(sig)))
		return nil, true
	case program.OpVerify:
		sig, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		msg, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		pub, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		sigBytes, err := hex.DecodeString(sig.S)
		if err != nil {
			return faultOut(newFault(FaultTypeError, "verify: bad signature encoding: %v", err)), true
		}
		ok, err := host.CryptoEngine().Verify(in.Sym, []byte(pub.S), []byte(msg.S), sigBytes)
		if err != nil {
			return faultOut(newFault(FaultTypeError, "verify: %v", err)), true
		}
		st.push(Bool(ok))
		return nil, true
	case program.OpEncrypt:
		plaintext, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		key, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		ct, err := host.CryptoEngine().Encrypt([]byte(key.S), []byte(plaintext.S))
		if err != nil {
			return faultOut(newFault(FaultTypeError, "encrypt: %v", err)), true
		}
		st.push(Str(string(ct)))
		return nil, true
	case program.OpDecrypt:
		ciphertext, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		key, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		pt, err := host.CryptoEngine().Decrypt([]byte(key.S), []byte(ciphertext.S))
		if err != nil {
			return faultOut(newFault(FaultTypeError, "decrypt: %v", err)), true
		}
		st.push(Str(string(pt)))
		return nil, true
	case program.OpRandom:
		st.push(Float(host.CryptoEngine().Random()))
		return nil, true
	case program.OpSeed:
		v, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		host.CryptoEngine().Seed(v.S)
		return nil, true
	case program.OpRandomBytes:
		n, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		st.push(Str(string(host.CryptoEngine().RandomBytes(int(n.I)))))
		return nil, true

	case program.OpTypeOf:
		v, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		st.push(Str(v.TypeName()))
		return nil, true
	case program.OpCast:
		v, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		out, err := castValue(v, in.Sym)
		if err != nil {
			return faultOut(newFault(FaultTypeError, "cast: %v", err)), true
		}
		st.push(out)
		return nil, true
	case program.OpDebug:
		v, f := st.pop()
		if f != nil {
			return faultOut(f), true
		}
		host.Print("[debug] " + v.String())
		return nil, true

	default:
		return faultOut(newFault(FaultTypeError, "unimplemented opcode %s", in.Op)), true
	}
}

func faultOut(f *Fault) *StepOutcome { return &StepOutcome{Kind: Faulted, Fault: f} }

func pushOrFault(st *State, v Value) *StepOutcome {
	if f := st.push(v); f != nil {
		return faultOut(f)
	}
	return nil
}

func orderOperand(in program.Instruction, idx int) program.AtomicOrdering {
	if len(in.Operands) > idx {
		return program.AtomicOrdering(in.Operands[idx])
	}
	return program.OrderSeqCst
}

func constToValue(c program.Const) Value {
	switch c.Kind {
	case program.KNil:
		return Nil()
	case program.KBool:
		return Bool(c.I != 0)
	case program.KInt64:
		return Int(c.I)
	case program.KFloat64:
		return Float(c.F)
	case program.KString:
		return Str(intern(c.S))
	default:
		return Nil()
	}
}

func doCall(st *State, prog *program.Program, in program.Instruction) (*StepOutcome, bool) {
	if len(in.Operands) != 1 {
		return faultOut(newFault(FaultBadCall, "call missing arity operand")), true
	}
	arity := int(in.Operands[0])
	var targetPC = -1
	for _, sym := range prog.Symbols {
		if sym.Kind == "entry" && sym.Name == in.Sym {
			targetPC = sym.ID
			break
		}
	}
	if targetPC < 0 {
		return faultOut(newFault(FaultBadCall, "call to undefined entry point %q", in.Sym)), true
	}
	if len(st.Stack) < arity {
		return faultOut(newFault(FaultStackUnderflow, "call %q needs %d args, stack has %d", in.Sym, arity, len(st.Stack))), true
	}
	args := make([]Value, arity)
	copy(args, st.Stack[len(st.Stack)-arity:])
	st.Stack = st.Stack[:len(st.Stack)-arity]

	st.Frames = append(st.Frames, Frame{ReturnPC: st.PC + 1, Locals: st.Locals})
	newLocals := make([]Value, len(st.Locals))
	copy(newLocals, args)
	st.Locals = newLocals
	st.PC = targetPC
	return nil, false
}

func doSpawn(st *State, prog *program.Program, in program.Instruction, host Host) (*StepOutcome, bool) {
	constIdx, f := st.pop()
	if f != nil {
		return faultOut(f), true
	}
	if constIdx.Kind != KString {
		return faultOut(newFault(FaultTypeError, "spawn expects a program-hash string, got %s", constIdx.TypeName())), true
	}
	raw, err := hex.DecodeString(constIdx.S)
	if err != nil || len(raw) != 32 {
		return faultOut(newFault(FaultTypeError, "spawn: bad program hash %q", constIdx.S)), true
	}
	var hash [32]byte
	copy(hash[:], raw)

	priority := program.Normal
	if len(in.Operands) > 0 {
		priority = program.Priority(in.Operands[0])
	}
	newPid, err := host.Spawn(hash, priority)
	if err != nil {
		return faultOut(newFault(FaultTypeError, "spawn: %v", err)), true
	}
	if f := st.push(PID(newPid)); f != nil {
		return faultOut(f), true
	}
	return nil, true
}

func arith(st *State, op program.Opcode) *StepOutcome {
	b, f := st.pop()
	if f != nil {
		return faultOut(f)
	}
	a, f := st.pop()
	if f != nil {
		return faultOut(f)
	}
	if a.Kind != KInt64 && a.Kind != KFloat64 {
		return faultOut(newFault(FaultTypeError, "arithmetic on %s", a.TypeName()))
	}
	if b.Kind != KInt64 && b.Kind != KFloat64 {
		return faultOut(newFault(FaultTypeError, "arithmetic on %s", b.TypeName()))
	}
	// int+float widening: any float operand promotes the whole op to float.
	if a.Kind == KFloat64 || b.Kind == KFloat64 {
		af, bf := toFloat(a), toFloat(b)
		var r float64
		switch op {
		case program.OpAdd:
			r = af + bf
		case program.OpSub:
			r = af - bf
		case program.OpMul:
			r = af * bf
		case program.OpDiv:
			if bf == 0 {
				return faultOut(newFault(FaultDivisionByZero, "float division by zero"))
			}
			r = af / bf
		case program.OpMod:
			if bf == 0 {
				return faultOut(newFault(FaultDivisionByZero, "float modulo by zero"))
			}
			r = float64(int64(af) % int64(bf))
		}
		return pushOrFault(st, Float(r))
	}
	ai, bi := a.I, b.I
	var r int64
	switch op {
	case program.OpAdd:
		r = ai + bi
	case program.OpSub:
		r = ai - bi
	case program.OpMul:
		r = ai * bi
	case program.OpDiv:
		if bi == 0 {
			return faultOut(newFault(FaultDivisionByZero, "integer division by zero"))
		}
		r = ai / bi // Go's / already truncates toward zero for ints
	case program.OpMod:
		if bi == 0 {
			return faultOut(newFault(FaultDivisionByZero, "integer modulo by zero"))
		}
		r = ai % bi
	}
	return pushOrFault(st, Int(r))
}

func toFloat(v Value) float64 {
	if v.Kind == KFloat64 {
		return v.F
	}
	return float64(v.I)
}

func bitwise(st *State, op program.Opcode) *StepOutcome {
	b, f := st.pop()
	if f != nil {
		return faultOut(f)
	}
	a, f := st.pop()
	if f != nil {
		return faultOut(f)
	}
	if a.Kind != KInt64 || b.Kind != KInt64 {
		return faultOut(newFault(FaultTypeError, "bitwise op on %s/%s", a.TypeName(), b.TypeName()))
	}
	var r int64
	switch op {
	case program.OpAnd:
		r = a.I & b.I
	case program.OpOr:
		r = a.I | b.I
	case program.OpXor:
		r = a.I ^ b.I
	case program.OpShl:
		r = a.I << uint(b.I)
	case program.OpShr:
		r = a.I >> uint(b.I)
	}
	return pushOrFault(st, Int(r))
}

func compare(st *State, op program.Opcode) *StepOutcome {
	b, f := st.pop()
	if f != nil {
		return faultOut(f)
	}
	a, f := st.pop()
	if f != nil {
		return faultOut(f)
	}
	if op == program.OpEq || op == program.OpNe {
		eq := valuesEqual(a, b)
		if op == program.OpNe {
			eq = !eq
		}
		return pushOrFault(st, Bool(eq))
	}
	if (a.Kind != KInt64 && a.Kind != KFloat64) || (b.Kind != KInt64 && b.Kind != KFloat64) {
		return faultOut(newFault(FaultTypeError, "comparison on %s/%s", a.TypeName(), b.TypeName()))
	}
	af, bf := toFloat(a), toFloat(b)
	var r bool
	switch op {
	case program.OpLt:
		r = af < bf
	case program.OpLe:
		r = af <= bf
	case program.OpGt:
		r = af > bf
	case program.OpGe:
		r = af >= bf
	}
	return pushOrFault(st, Bool(r))
}

func valuesEqual(a, b Value) bool {
	if a.Kind != b.Kind {
		if (a.Kind == KInt64 || a.Kind == KFloat64) && (b.Kind == KInt64 || b.Kind == KFloat64) {
			return toFloat(a) == toFloat(b)
		}
		return false
	}
	switch a.Kind {
	case KNil:
		return true
	case KBool, KInt64:
		return a.I == b.I
	case KFloat64:
		return a.F == b.F
	case KString:
		return a.S == b.S
	case KPID:
		return a.Pid == b.Pid
	default:
		return false
	}
}

func castValue(v Value, target string) (Value, error) {
	switch target {
	case "int":
		switch v.Kind {
		case KInt64:
			return v, nil
		case KFloat64:
			return Int(int64(v.F)), nil
		case KString:
			i, err := strconv.ParseInt(v.S, 10, 64)
			if err != nil {
				return Value{}, err
			}
			return Int(i), nil
		case KBool:
			return Int(v.I), nil
		}
	case "float":
		switch v.Kind {
		case KFloat64:
			return v, nil
		case KInt64:
			return Float(float64(v.I)), nil
		case KString:
			f, err := strconv.ParseFloat(v.S, 64)
			if err != nil {
				return Value{}, err
			}
			return Float(f), nil
		}
	case "string":
		return Str(v.String()), nil
	case "bool":
		return Bool(v.Truthy()), nil
	}
	return Value{}, newFault(FaultTypeError, "cannot cast %s to %s", v.TypeName(), target)
}

func splitString(s, sep string) []string {
	if sep == "" {
		out := make([]string, 0, len(s))
		for _, r := range s {
			out = append(out, string(r))
		}
		return out
	}
	var out []string
	for {
		i := indexOf(s, sep)
		if i < 0 {
			out = append(out, s)
			return out
		}
		out = append(out, s[:i])
		s = s[i+len(sep):]
	}
}

func indexOf(s, sub string) int {
	n, m := len(s), len(sub)
	if m == 0 {
		return 0
	}
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == sub {
			return i
		}
	}
	return -1
}
