// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// LoopbackMain is the entry point of the loopback-up verb: join the
// network namespace of the given process and bring its loopback
// interface up.
//
// This must be a process of its own. An interface can only be
// configured by a process inside its namespace, and the parent cannot
// join one: setns(CLONE_NEWNET) is refused for multithreaded
// processes, which every Go program is. The helper therefore locks its
// entry thread, joins the namespace on it, and exits as soon as the
// interface is up. It joins only the network namespace; the euid that
// created the child's user namespace already holds full capabilities
// over the network namespace that user namespace owns.
func LoopbackMain(pid int) error {
	// The thread stays in the foreign namespace afterwards; no
	// Unlock, the process exits immediately.
	runtime.LockOSThread()

	nsPath := fmt.Sprintf("/proc/%d/ns/net", pid)
	nsFD, err := unix.Open(nsPath, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", nsPath, err)
	}
	defer unix.Close(nsFD)

	if err := unix.Setns(nsFD, unix.CLONE_NEWNET); err != nil {
		return fmt.Errorf("joining network namespace of pid %d: %w", pid, err)
	}

	// The socket is created after setns, so its ioctls address
	// interfaces of the joined namespace.
	sock, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("creating configuration socket: %w", err)
	}
	defer unix.Close(sock)

	ifr, err := unix.NewIfreq("lo")
	if err != nil {
		return fmt.Errorf("preparing interface request: %w", err)
	}
	if err := unix.IoctlIfreq(sock, unix.SIOCGIFFLAGS, ifr); err != nil {
		return fmt.Errorf("reading lo flags: %w", err)
	}
	ifr.SetUint16(ifr.Uint16() | unix.IFF_UP | unix.IFF_RUNNING)
	if err := unix.IoctlIfreq(sock, unix.SIOCSIFFLAGS, ifr); err != nil {
		return fmt.Errorf("bringing lo up: %w", err)
	}
	return nil
}
