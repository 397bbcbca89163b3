// Package netlink wraps the NETLINK_CONNECTOR / CN_IDX_PROC kernel process
// event multicast group (module D's transport): subscribe, receive, decode,
// unsubscribe.
package netlink

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Connector-family constants not exposed by golang.org/x/sys/unix; mirror
// <linux/connector.h> and <linux/cn_proc.h>.
const (
	cnIdxProc = 0x1
	cnValProc = 0x1

	procCnMcastListen = 1
	procCnMcastIgnore = 2

	procEventExec = 0x00000002
	procEventExit = 0x80000000

	nlmsghdrLen = 16
	cnMsgLen    = 20

	// Layout of struct proc_event (linux/cn_proc.h), relative to its start
	// (cn_msg.data): what(4) + cpu(4) + timestamp_ns(8), then the
	// event_data union begins; process_pid is the union's first field.
	procEventWhatOffset = 0
	procEventDataOffset = 16

	recvBufSize = 4096
)

// EventKind distinguishes the two proc_event types this daemon consumes.
type EventKind int

const (
	EventExec EventKind = iota
	EventExit
)

// Event is a decoded proc_event (PID only; enrichment happens via /proc in
// package procmon).
type Event struct {
	Kind EventKind
	PID  uint32
}

// Conn is a bound, subscribed NETLINK_CONNECTOR socket.
type Conn struct {
	fd int
}

// Open creates, binds, and subscribes a NETLINK_CONNECTOR socket to the
// CN_IDX_PROC multicast group.
func Open() (*Conn, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM, unix.NETLINK_CONNECTOR)
	if err != nil {
		return nil, fmt.Errorf("netlink: socket: %w", err)
	}

	addr := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Pid:    uint32(os.Getpid()),
		Groups: cnIdxProc,
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netlink: bind: %w", err)
	}

	c := &Conn{fd: fd}
	if err := c.sendControl(procCnMcastListen); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netlink: subscribe: %w", err)
	}
	return c, nil
}

// sendControl sends an nlmsghdr+cn_msg+proc_cn_mcast_op control message,
// mirroring the fixed-layout struct send in process_monitor.c.
func (c *Conn) sendControl(op uint32) error {
	buf := make([]byte, nlmsghdrLen+cnMsgLen+4)

	total := uint32(len(buf))
	binary.LittleEndian.PutUint32(buf[0:4], total)   // nlmsg_len
	binary.LittleEndian.PutUint16(buf[4:6], unix.NLMSG_DONE)
	binary.LittleEndian.PutUint16(buf[6:8], 0) // nlmsg_flags
	binary.LittleEndian.PutUint32(buf[8:12], 0) // nlmsg_seq
	binary.LittleEndian.PutUint32(buf[12:16], uint32(os.Getpid()))

	cn := buf[nlmsghdrLen:]
	binary.LittleEndian.PutUint32(cn[0:4], cnIdxProc) // cn_msg.id.idx
	binary.LittleEndian.PutUint32(cn[4:8], cnValProc) // cn_msg.id.val
	binary.LittleEndian.PutUint32(cn[8:12], 0)        // cn_msg.seq
	binary.LittleEndian.PutUint32(cn[12:16], 0)        // cn_msg.ack
	binary.LittleEndian.PutUint16(cn[16:18], 4)        // cn_msg.len = sizeof(proc_cn_mcast_op)
	binary.LittleEndian.PutUint16(cn[18:20], 0)        // cn_msg.flags

	binary.LittleEndian.PutUint32(buf[nlmsghdrLen+cnMsgLen:], op)

	sa := &unix.SockaddrNetlink{Family: unix.AF_NETLINK}
	return unix.Sendto(c.fd, buf, 0, sa)
}

// Recv blocks for the next process event, skipping anything not sent by the
// kernel (nl_pid != 0) and anything other than EXEC/EXIT.
func (c *Conn) Recv() (Event, error) {
	buf := make([]byte, recvBufSize)
	for {
		n, from, err := unix.Recvfrom(c.fd, buf, 0)
		if err != nil {
			return Event{}, fmt.Errorf("netlink: recvfrom: %w", err)
		}
		if n < nlmsghdrLen+cnMsgLen+8 {
			continue
		}
		nl, ok := from.(*unix.SockaddrNetlink)
		if ok && nl.Pid != 0 {
			continue // only trust the kernel (pid 0)
		}

		base := nlmsghdrLen + cnMsgLen
		whatOff := base + procEventWhatOffset
		if whatOff+4 > n {
			continue
		}
		what := binary.LittleEndian.Uint32(buf[whatOff : whatOff+4])
		dataOff := base + procEventDataOffset

		switch what {
		case procEventExec:
			if dataOff+4 > n {
				continue
			}
			pid := binary.LittleEndian.Uint32(buf[dataOff : dataOff+4])
			return Event{Kind: EventExec, PID: pid}, nil
		case procEventExit:
			if dataOff+4 > n {
				continue
			}
			pid := binary.LittleEndian.Uint32(buf[dataOff : dataOff+4])
			return Event{Kind: EventExit, PID: pid}, nil
		default:
			continue
		}
	}
}

// Close unsubscribes and closes the socket.
func (c *Conn) Close() error {
	_ = c.sendControl(procCnMcastIgnore)
	return unix.Close(c.fd)
}
