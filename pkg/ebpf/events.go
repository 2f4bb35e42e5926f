package ebpf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"syscall"

	"github.com/SkynetNext/sockops-binder/internal/sockops"
)

// Layout of the outcome record the program writes to the events ring
// buffer. Bytes 8-19 mirror sockops.OriginRecord, with the pad byte
// holding the classification.
const (
	eventCookie     = 0  // u64
	eventRecord     = 8  // addr u32, port u16, flags u8
	eventClass      = 15 // u8, sockops.Classification
	eventPID        = 16 // u32
	eventLocalAddr  = 20 // u32
	eventRemoteAddr = 24 // u32
	eventLocalPort  = 28 // u16
	eventRemotePort = 30 // u16, host order
	eventBindRet    = 32 // s32, pair_original_dst update
	eventRegRet     = 36 // s32, sock_pair_map update
	eventVerdict    = 40 // u8
	eventSize       = 48
)

// kernelSocket identifies a socket the kernel hook registered. Only the
// cookie survives the trip to userspace.
type kernelSocket uint64

func (s kernelSocket) Cookie() uint64 { return uint64(s) }

// decodeEvent turns one ring buffer record into the outcome the userspace
// dispatcher would have produced for the same event.
func decodeEvent(raw []byte) (sockops.Outcome, error) {
	if len(raw) < eventSize {
		return sockops.Outcome{}, fmt.Errorf("short event: %d bytes", len(raw))
	}
	ne := binary.NativeEndian

	cookie := ne.Uint64(raw[eventCookie:])
	conn := sockops.Conn{
		Op:         sockops.OpActiveEstablished,
		Family:     sockops.FamilyIPv4,
		Cookie:     cookie,
		LocalAddr:  ne.Uint32(raw[eventLocalAddr:]),
		RemoteAddr: ne.Uint32(raw[eventRemoteAddr:]),
		LocalPort:  ne.Uint16(raw[eventLocalPort:]),
		RemotePort: ne.Uint16(raw[eventRemotePort:]),
		Socket:     kernelSocket(cookie),
	}
	out := sockops.Outcome{
		Conn:  conn,
		Class: sockops.Classification(raw[eventClass]),
		Record: sockops.OriginRecord{
			Addr:  ne.Uint32(raw[eventRecord:]),
			Port:  ne.Uint16(raw[eventRecord+4:]),
			Flags: raw[eventRecord+6],
			PID:   ne.Uint32(raw[eventPID:]),
		},
		Verdict: sockops.Allow,
	}

	if int32(raw[eventVerdict]) == sockops.Reset.Code() {
		out.Result = sockops.ResultReset
		out.Verdict = sockops.Reset
		return out, nil
	}

	var errs []error
	out.Bound, errs = helperResult(int32(ne.Uint32(raw[eventBindRet:])), sockops.TablePairs, errs)
	out.RegisterTried = true
	out.Registered, errs = helperResult(int32(ne.Uint32(raw[eventRegRet:])), sockops.TableSockets, errs)

	switch {
	case len(errs) > 0:
		out.Result = sockops.ResultStoreError
		out.Err = errors.Join(errs...)
	case out.Bound:
		out.Result = sockops.ResultBound
	default:
		out.Result = sockops.ResultConflict
	}
	return out, nil
}

// helperResult maps the return value of a BPF_NOEXIST update: 0 published,
// -EEXIST lost the race, anything else failed.
func helperResult(ret int32, table string, errs []error) (bool, []error) {
	switch {
	case ret == 0:
		return true, errs
	case syscall.Errno(-ret) == syscall.EEXIST:
		return false, errs
	default:
		return false, append(errs, &sockops.TableError{Table: table, Err: syscall.Errno(-ret)})
	}
}
