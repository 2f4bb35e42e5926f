// Package ebpf loads the sockops hook that binds redirected connections to
// their original destination.
//
// # Overview
//
// When an outbound connection becomes established, the kernel runs the
// sockops program attached to the cgroup. The program looks up the origin
// record left by the connect-time hook, learns which address the owning
// process speaks from, and publishes the connection's four-tuple for the
// splicer.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────┐
//	│                     User Space (Go)                      │
//	│   Manager: load maps, assemble program, attach, swap     │
//	│   policy, dump tables, Observe() userspace fallback      │
//	└───────────────────────────┬──────────────────────────────┘
//	                            │
//	┌───────────────────────────┼──────────────────────────────┐
//	│                Kernel Space (eBPF)                       │
//	│                           ▼                              │
//	│   cookie_original_dst (LRU_HASH)  cookie -> origin       │
//	│            │    written by the connect-time hook         │
//	│            ▼                                             │
//	│   mb_sockops (BPF_PROG_TYPE_SOCK_OPS)                    │
//	│     - ACTIVE_ESTABLISHED_CB, AF_INET only                │
//	│     - process_ip[pid] = app or proxy address (ANY)       │
//	│     - pair_original_dst[tuple] = origin (NOEXIST)        │
//	│     - sock_pair_map[tuple] = sk (NOEXIST)                │
//	│            │                                             │
//	│            ▼                                             │
//	│   splicer (sk_msg / sk_skb), not part of this package    │
//	└──────────────────────────────────────────────────────────┘
//
// The program is assembled in Go with cilium/ebpf/asm rather than compiled
// from C, so the load-time policy (reconnect guard, redirect port,
// unresolved-address sentinel) is baked into the instructions. ApplyPolicy
// reassembles it and swaps it on the live cgroup link.
//
// # Requirements
//
//   - Linux Kernel 4.18+ (for SOCKHASH and bpf_get_socket_cookie in sockops)
//   - CAP_BPF + CAP_NET_ADMIN, or CAP_SYS_ADMIN
//   - Cgroup v2 mounted (for sockops attachment)
//   - bpffs mounted at /sys/fs/bpf when maps are pinned
//
// # Usage
//
//	mgr, err := ebpf.NewManager(ebpf.Config{
//	    PinPath: "/sys/fs/bpf/sockops",
//	    Policy:  sockops.DefaultPolicy(),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer mgr.Close()
//
//	if err := mgr.AttachToCgroup(ctx, "/sys/fs/cgroup"); err != nil {
//	    log.Fatal(err)
//	}
//
// # Fallback Strategy
//
// NewManager returns a disabled manager instead of an error when eBPF is
// unavailable, permissions are missing, or the verifier rejects the
// program. Connections then take the external table-based redirection
// path.
package ebpf
