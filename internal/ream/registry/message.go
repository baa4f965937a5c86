// Package registry owns every live Process and exposes it by PID.
package registry

import (
	"time"

	"github.com/reamlang/ream/internal/ream/pid"
	"github.com/reamlang/ream/internal/ream/vm"
)

// ControlKind tags a Control-variant Message payload.
type ControlKind int

const (
	ControlTerminate ControlKind = iota
	ControlSuspend
	ControlResume
	ControlLink
	ControlMonitor
	ControlExit
)

// Control is a runtime-originated message distinct from actor payloads.
type Control struct {
	Kind   ControlKind
	Reason string
	From   pid.PID
}

// Message is REAM's envelope: {from, to, payload, timestamp}.
// Payload is either an ordinary vm.Value or a Control.
type Message struct {
	From      pid.PID
	To        pid.PID
	Payload   vm.Value
	Control   *Control
	Timestamp time.Time
}

func (m Message) IsControl() bool { return m.Control != nil }

// ToValue renders the message as a vm.Value so it can be pushed onto a
// receiving process's operand stack by the Receive opcode.
func (m Message) ToValue() vm.Value {
	fields := map[string]vm.Value{
		"from":      vm.PID(m.From),
		"to":        vm.PID(m.To),
		"payload":   m.Payload,
		"timestamp": vm.Int(m.Timestamp.UnixMilli()),
	}
	return vm.Map(fields)
}
