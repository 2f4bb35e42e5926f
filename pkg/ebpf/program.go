package ebpf

import (
	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"

	"github.com/SkynetNext/sockops-binder/internal/sockops"
)

// ProgramName is the kernel-visible name of the sockops program.
const ProgramName = "mb_sockops"

// Offsets into struct bpf_sock_ops.
const (
	ctxOp         = 0
	ctxFamily     = 20
	ctxRemoteIP4  = 24
	ctxLocalIP4   = 28
	ctxRemotePort = 64 // network order, shifted into the upper half
	ctxLocalPort  = 68 // host order
)

// Stack layout, relative to the frame pointer.
const (
	stackCookie = -8
	stackRecord = -24 // 12 bytes, sockops.OriginRecord
	stackPID    = -28
	stackAddr   = -32
	stackTuple  = -48 // 12 bytes, sockops.TupleKey
	stackEvent  = -96 // eventSize bytes, see events.go

	recordFlags = 6
	recordPID   = 8
	tupleRAddr  = 4
	tupleLPort  = 8
	tupleRPort  = 10
)

const (
	bpfAny     = 0
	bpfNoExist = 1
)

const (
	labelAllow   = "allow"
	labelAppSide = "app_side"
	labelBind    = "bind"
)

// ProgramMaps holds the file descriptors the program refers to. Events is
// optional; when zero the program reports nothing.
type ProgramMaps struct {
	Origins   int
	Processes int
	Pairs     int
	Sockets   int
	Events    int
}

// BuildSockOps assembles the sockops hook. It makes the same decisions as
// sockops.Dispatcher; the policy is fixed at assembly time. Every event that
// finds an origin record is reported on the events ring buffer.
//
// Registers: r6 = ctx, r8 = local_ip4, r9 = remote_ip4.
func BuildSockOps(m ProgramMaps, p sockops.Policy) asm.Instructions {
	ev := eventWriter{fd: m.Events}

	insns := asm.Instructions{
		asm.Mov.Reg(asm.R6, asm.R1),
		asm.LoadMem(asm.R2, asm.R6, ctxOp, asm.Word),
		asm.JNE.Imm(asm.R2, int32(sockops.OpActiveEstablished), labelAllow),
		asm.LoadMem(asm.R2, asm.R6, ctxFamily, asm.Word),
		asm.JNE.Imm(asm.R2, int32(sockops.FamilyIPv4), labelAllow),

		// origin = cookie_original_dst[cookie]
		asm.Mov.Reg(asm.R1, asm.R6),
		asm.FnGetSocketCookie.Call(),
		asm.StoreMem(asm.RFP, stackCookie, asm.R0, asm.DWord),
		asm.LoadMapPtr(asm.R1, m.Origins),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, stackCookie),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, labelAllow),

		// Copy the record so later updates don't alias the map value.
		asm.LoadMem(asm.R1, asm.R0, 0, asm.DWord),
		asm.StoreMem(asm.RFP, stackRecord, asm.R1, asm.DWord),
		asm.LoadMem(asm.R1, asm.R0, 8, asm.Word),
		asm.StoreMem(asm.RFP, stackRecord+8, asm.R1, asm.Word),

		asm.LoadMem(asm.R8, asm.R6, ctxLocalIP4, asm.Word),
		asm.LoadMem(asm.R9, asm.R6, ctxRemoteIP4, asm.Word),
	}
	insns = append(insns, ev.begin()...)
	insns = append(insns,
		asm.LoadMem(asm.R1, asm.RFP, stackRecord+recordFlags, asm.Byte),
		asm.And.Imm(asm.R1, int32(sockops.FlagClassified)),
		asm.JNE.Imm(asm.R1, 0, labelBind),

		asm.LoadMem(asm.R1, asm.RFP, stackRecord+recordPID, asm.Word),
		asm.StoreMem(asm.RFP, stackPID, asm.R1, asm.Word),
		// LoadImm keeps the comparison unsigned for any sentinel value.
		asm.LoadImm(asm.R1, int64(p.UnresolvedAddr), asm.DWord),
		asm.JEq.Reg(asm.R8, asm.R1, labelAppSide),
		asm.JEq.Reg(asm.R8, asm.R9, labelAppSide),

		// proxy to proxy: remember the local address
		asm.StoreMem(asm.RFP, stackAddr, asm.R8, asm.Word),
	)
	insns = append(insns, ev.class(sockops.ProxyToProxy)...)
	insns = append(insns, updateProcess(m.Processes)...)
	insns = append(insns,
		asm.Ja.Label(labelBind),

		// app to local proxy: remember the remote address
		asm.StoreMem(asm.RFP, stackAddr, asm.R9, asm.Word).WithSymbol(labelAppSide),
	)
	insns = append(insns, ev.class(sockops.AppToProxy)...)
	insns = append(insns, updateProcess(m.Processes)...)
	if p.ReconnectGuard {
		insns = append(insns,
			asm.LoadMem(asm.R1, asm.R6, ctxRemotePort, asm.Word),
			asm.HostTo(asm.BE, asm.R1, asm.Word),
			asm.JNE.Imm(asm.R1, int32(p.RedirectPort), labelBind),
		)
		insns = append(insns, ev.reset()...)
		insns = append(insns,
			asm.Mov.Imm(asm.R0, sockops.Reset.Code()),
			asm.Return(),
		)
	}
	insns = append(insns,
		// tuple = {local_ip4, remote_ip4, local_port, ntohs(remote_port)}
		asm.StoreMem(asm.RFP, stackTuple, asm.R8, asm.Word).WithSymbol(labelBind),
		asm.StoreMem(asm.RFP, stackTuple+tupleRAddr, asm.R9, asm.Word),
		asm.LoadMem(asm.R1, asm.R6, ctxLocalPort, asm.Word),
		asm.StoreMem(asm.RFP, stackTuple+tupleLPort, asm.R1, asm.Half),
		asm.LoadMem(asm.R1, asm.R6, ctxRemotePort, asm.Word),
		asm.HostTo(asm.BE, asm.R1, asm.Word),
		asm.StoreMem(asm.RFP, stackTuple+tupleRPort, asm.R1, asm.Half),
	)
	insns = append(insns, ev.ports()...)
	insns = append(insns,
		// pair_original_dst[tuple] = origin, BPF_NOEXIST
		asm.LoadMapPtr(asm.R1, m.Pairs),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, stackTuple),
		asm.Mov.Reg(asm.R3, asm.RFP),
		asm.Add.Imm(asm.R3, stackRecord),
		asm.Mov.Imm(asm.R4, bpfNoExist),
		asm.FnMapUpdateElem.Call(),
	)
	insns = append(insns, ev.result(eventBindRet)...)
	insns = append(insns,
		// sock_pair_map[tuple] = sk, BPF_NOEXIST
		asm.Mov.Reg(asm.R1, asm.R6),
		asm.LoadMapPtr(asm.R2, m.Sockets),
		asm.Mov.Reg(asm.R3, asm.RFP),
		asm.Add.Imm(asm.R3, stackTuple),
		asm.Mov.Imm(asm.R4, bpfNoExist),
		asm.FnSockHashUpdate.Call(),
	)
	insns = append(insns, ev.result(eventRegRet)...)
	insns = append(insns, ev.emit()...)
	insns = append(insns,
		asm.Mov.Imm(asm.R0, sockops.Allow.Code()).WithSymbol(labelAllow),
		asm.Return(),
	)
	return insns
}

func updateProcess(fd int) asm.Instructions {
	return asm.Instructions{
		asm.LoadMapPtr(asm.R1, fd),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, stackPID),
		asm.Mov.Reg(asm.R3, asm.RFP),
		asm.Add.Imm(asm.R3, stackAddr),
		asm.Mov.Imm(asm.R4, bpfAny),
		asm.FnMapUpdateElem.Call(),
	}
}

// eventWriter fills the outcome record at stackEvent. Every method yields
// nothing when no events map was given.
type eventWriter struct {
	fd int
}

func (w eventWriter) enabled() bool { return w.fd > 0 }

func (w eventWriter) at(off int16) int16 { return stackEvent + off }

// begin zeroes the record, then copies cookie, origin record and addresses.
// Expects the record on the stack and r8/r9 loaded.
func (w eventWriter) begin() asm.Instructions {
	if !w.enabled() {
		return nil
	}
	var insns asm.Instructions
	for off := int16(0); off < eventSize; off += 8 {
		insns = append(insns, asm.StoreImm(asm.RFP, w.at(off), 0, asm.DWord))
	}
	return append(insns,
		asm.LoadMem(asm.R1, asm.RFP, stackCookie, asm.DWord),
		asm.StoreMem(asm.RFP, w.at(eventCookie), asm.R1, asm.DWord),
		asm.LoadMem(asm.R1, asm.RFP, stackRecord, asm.DWord),
		asm.StoreMem(asm.RFP, w.at(eventRecord), asm.R1, asm.DWord),
		// the record's pad byte carries the classification
		asm.StoreImm(asm.RFP, w.at(eventClass), 0, asm.Byte),
		asm.LoadMem(asm.R1, asm.RFP, stackRecord+recordPID, asm.Word),
		asm.StoreMem(asm.RFP, w.at(eventPID), asm.R1, asm.Word),
		asm.StoreMem(asm.RFP, w.at(eventLocalAddr), asm.R8, asm.Word),
		asm.StoreMem(asm.RFP, w.at(eventRemoteAddr), asm.R9, asm.Word),
	)
}

func (w eventWriter) class(c sockops.Classification) asm.Instructions {
	if !w.enabled() {
		return nil
	}
	return asm.Instructions{
		asm.StoreImm(asm.RFP, w.at(eventClass), int64(c), asm.Byte),
	}
}

// ports copies both tuple ports in one word.
func (w eventWriter) ports() asm.Instructions {
	if !w.enabled() {
		return nil
	}
	return asm.Instructions{
		asm.LoadMem(asm.R1, asm.RFP, stackTuple+tupleLPort, asm.Word),
		asm.StoreMem(asm.RFP, w.at(eventLocalPort), asm.R1, asm.Word),
	}
}

// result stores the return value of the preceding helper call.
func (w eventWriter) result(off int16) asm.Instructions {
	if !w.enabled() {
		return nil
	}
	return asm.Instructions{
		asm.StoreMem(asm.RFP, w.at(off), asm.R0, asm.Word),
	}
}

// reset reports a tripped reconnect guard. r1 holds the host-order remote
// port; the tuple has not been built yet.
func (w eventWriter) reset() asm.Instructions {
	if !w.enabled() {
		return nil
	}
	insns := asm.Instructions{
		asm.StoreMem(asm.RFP, w.at(eventRemotePort), asm.R1, asm.Half),
		asm.LoadMem(asm.R1, asm.R6, ctxLocalPort, asm.Word),
		asm.StoreMem(asm.RFP, w.at(eventLocalPort), asm.R1, asm.Half),
		asm.StoreImm(asm.RFP, w.at(eventVerdict), int64(sockops.Reset.Code()), asm.Byte),
	}
	return append(insns, w.emit()...)
}

// emit hands the record to bpf_ringbuf_output. A full ring drops it.
func (w eventWriter) emit() asm.Instructions {
	if !w.enabled() {
		return nil
	}
	return asm.Instructions{
		asm.LoadMapPtr(asm.R1, w.fd),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, stackEvent),
		asm.Mov.Imm(asm.R3, eventSize),
		asm.Mov.Imm(asm.R4, 0),
		asm.FnRingbufOutput.Call(),
	}
}

// SockOpsSpec wraps BuildSockOps in a loadable program spec.
func SockOpsSpec(m ProgramMaps, p sockops.Policy) *ebpf.ProgramSpec {
	return &ebpf.ProgramSpec{
		Name:         ProgramName,
		Type:         ebpf.SockOps,
		License:      "GPL",
		Instructions: BuildSockOps(m, p),
	}
}
