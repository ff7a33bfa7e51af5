//go:build linux

package capture

import (
	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/pkg/errors"
)

const (
	ethHeaderLen  = 14
	etherTypeIPv4 = 0x0800
	protoUDP      = 17
	snapLen       = 0x40000
)

// filterInstructions accepts unfragmented IPv4 UDP frames with 67 or 68
// as source or destination port. Offsets are from the Ethernet header,
// which AF_PACKET raw sockets hand to the filter.
func filterInstructions() asm.Instructions {
	return asm.Instructions{
		// Legacy packet loads read the socket buffer from R6.
		asm.Mov.Reg(asm.R6, asm.R1),

		asm.LoadAbs(12, asm.Half),
		asm.JNE.Imm(asm.R0, etherTypeIPv4, "drop"),
		asm.LoadAbs(ethHeaderLen+9, asm.Byte),
		asm.JNE.Imm(asm.R0, protoUDP, "drop"),
		asm.LoadAbs(ethHeaderLen+6, asm.Half),
		asm.JSet.Imm(asm.R0, 0x1fff, "drop"),

		// R7 = IP header length.
		asm.LoadAbs(ethHeaderLen, asm.Byte),
		asm.And.Imm(asm.R0, 0x0f),
		asm.LSh.Imm(asm.R0, 2),
		asm.Mov.Reg(asm.R7, asm.R0),

		asm.LoadInd(asm.R0, asm.R7, ethHeaderLen, asm.Half),
		asm.JEq.Imm(asm.R0, serverPort, "keep"),
		asm.JEq.Imm(asm.R0, clientPort, "keep"),
		asm.LoadInd(asm.R0, asm.R7, ethHeaderLen+2, asm.Half),
		asm.JEq.Imm(asm.R0, serverPort, "keep"),
		asm.JEq.Imm(asm.R0, clientPort, "keep"),

		asm.Mov.Imm(asm.R0, 0).WithSymbol("drop"),
		asm.Return(),
		asm.Mov.Imm(asm.R0, snapLen).WithSymbol("keep"),
		asm.Return(),
	}
}

func newSocketFilter() (*ebpf.Program, error) {
	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         "radhcp_filter",
		Type:         ebpf.SocketFilter,
		License:      "GPL",
		Instructions: filterInstructions(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "load socket filter")
	}
	return prog, nil
}
