package frame

import (
	"fmt"
	"strconv"

	"github.com/danmuck/erlnode/internal/protocol/etf"
)

// Opcode is a distribution operation, independent of the number that
// carries it on the wire. Numbering maps between the two.
type Opcode uint8

const (
	OpUnknown Opcode = iota
	OpLink
	OpSend
	OpExit
	OpUnlink
	OpNodeLink
	OpRegSend
	OpGroupLeader
	OpExit2
	OpSendTT
	OpExitTT
	OpRegSendTT
	OpExit2TT
	OpMonitorP
	OpDemonitorP
	OpMonitorPExit
)

var opcodeNames = [...]string{
	OpUnknown:      "UNKNOWN",
	OpLink:         "LINK",
	OpSend:         "SEND",
	OpExit:         "EXIT",
	OpUnlink:       "UNLINK",
	OpNodeLink:     "NODE_LINK",
	OpRegSend:      "REG_SEND",
	OpGroupLeader:  "GROUP_LEADER",
	OpExit2:        "EXIT2",
	OpSendTT:       "SEND_TT",
	OpExitTT:       "EXIT_TT",
	OpRegSendTT:    "REG_SEND_TT",
	OpExit2TT:      "EXIT2_TT",
	OpMonitorP:     "MONITOR_P",
	OpDemonitorP:   "DEMONITOR_P",
	OpMonitorPExit: "MONITOR_P_EXIT",
}

func (o Opcode) String() string {
	if int(o) < len(opcodeNames) {
		return opcodeNames[o]
	}
	return "UNKNOWN"
}

// HasPayload reports whether a message term follows the control tuple.
func (o Opcode) HasPayload() bool {
	switch o {
	case OpSend, OpRegSend, OpSendTT, OpRegSendTT:
		return true
	}
	return false
}

// Numbering assigns wire codes to operations. It is read-only once built.
type Numbering struct {
	name  string
	codes map[Opcode]uint8
	ops   map[uint8]Opcode
}

func newNumbering(name string, codes map[Opcode]uint8) *Numbering {
	n := &Numbering{name: name, codes: codes, ops: make(map[uint8]Opcode, len(codes))}
	for op, code := range codes {
		n.ops[code] = op
	}
	return n
}

var (
	// DefaultNumbering puts SEND at 1. LINK has no code in it.
	DefaultNumbering = newNumbering("default", map[Opcode]uint8{
		OpSend:         1,
		OpExit:         3,
		OpUnlink:       4,
		OpNodeLink:     5,
		OpRegSend:      6,
		OpGroupLeader:  7,
		OpExit2:        8,
		OpSendTT:       12,
		OpExitTT:       13,
		OpRegSendTT:    16,
		OpExit2TT:      18,
		OpMonitorP:     19,
		OpDemonitorP:   20,
		OpMonitorPExit: 21,
	})

	// OTPNumbering is the numbering spoken by Erlang/OTP nodes
	// (LINK 1, SEND 2).
	OTPNumbering = newNumbering("otp", map[Opcode]uint8{
		OpLink:         1,
		OpSend:         2,
		OpExit:         3,
		OpUnlink:       4,
		OpNodeLink:     5,
		OpRegSend:      6,
		OpGroupLeader:  7,
		OpExit2:        8,
		OpSendTT:       12,
		OpExitTT:       13,
		OpRegSendTT:    16,
		OpExit2TT:      18,
		OpMonitorP:     19,
		OpDemonitorP:   20,
		OpMonitorPExit: 21,
	})
)

func (n *Numbering) Name() string {
	return n.name
}

// Opcode returns the operation for a wire code, OpUnknown if unassigned.
func (n *Numbering) Opcode(code uint8) Opcode {
	return n.ops[code]
}

// Code returns the wire code of op.
func (n *Numbering) Code(op Opcode) (uint8, bool) {
	code, ok := n.codes[op]
	return code, ok
}

// Control builds a control tuple for op followed by elems.
func (n *Numbering) Control(op Opcode, elems ...etf.Term) (etf.Tuple, error) {
	code, ok := n.Code(op)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no code in %s numbering", ErrBadControl, op, n.name)
	}
	return append(etf.Tuple{etf.SmallInt(code)}, elems...), nil
}

// SendControl is the control tuple of a SEND to a pid.
func (n *Numbering) SendControl(to etf.Pid) etf.Tuple {
	return etf.Tuple{etf.SmallInt(n.codes[OpSend]), etf.Atom(""), to}
}

// RegSendControl is the control tuple of a REG_SEND to a registered name.
func (n *Numbering) RegSendControl(from etf.Pid, to etf.Atom) etf.Tuple {
	return etf.Tuple{etf.SmallInt(n.codes[OpRegSend]), from, etf.Atom(""), to}
}

func unknownName(code uint8) string {
	return "UNKNOWN_" + strconv.Itoa(int(code))
}
