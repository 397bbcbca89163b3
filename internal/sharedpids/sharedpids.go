// Package sharedpids maintains the shared-memory table of actively tracked
// game PIDs (module E), mirroring the daemon's POSIX shared memory segment
// so Vulkan layers in other processes can read it without an IPC round
// trip.
package sharedpids

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// MaxTrackedProcesses bounds the PID table, matching MAX_TRACKED_PROCESSES.
const MaxTrackedProcesses = 256

// layout: version(4) + count(4) + pids(4*MaxTrackedProcesses)
const (
	versionOffset = 0
	countOffset   = 4
	pidsOffset    = 8
	regionSize    = pidsOffset + 4*MaxTrackedProcesses
)

// DefaultSegmentName is the shared memory object name, matching
// CAPFRAMEX_SHM_NAME. golang.org/x/sys/unix has no shm_open wrapper on
// Linux, so the segment is opened directly under /dev/shm (shm_open's own
// implementation does exactly this under the hood).
const DefaultSegmentName = "capframex_pids"

// Table owns a memory-mapped PID table. Writers use an even/odd sequence
// counter (a seqlock) around the update so concurrent readers never observe
// a count/pids pair from two different updates — the original C
// implementation bumps the version once before writing and never again,
// which a reader racing the write could catch mid-update.
type Table struct {
	fd  int
	mem []byte
}

// Create opens (creating if needed) and maps the shared PID table under
// /dev/shm/<name>.
func Create(name string) (*Table, error) {
	path := filepath.Join("/dev/shm", name)
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR, 0o666)
	if err != nil {
		return nil, fmt.Errorf("sharedpids: open %s: %w", path, err)
	}
	if err := unix.Ftruncate(fd, regionSize); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("sharedpids: ftruncate: %w", err)
	}
	mem, err := unix.Mmap(fd, 0, regionSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("sharedpids: mmap: %w", err)
	}
	for i := range mem {
		mem[i] = 0
	}
	return &Table{fd: fd, mem: mem}, nil
}

func (t *Table) version() uint32 {
	return binary.LittleEndian.Uint32(t.mem[versionOffset : versionOffset+4])
}

func (t *Table) setVersion(v uint32) {
	binary.LittleEndian.PutUint32(t.mem[versionOffset:versionOffset+4], v)
}

// Update replaces the active PID set. Extra PIDs beyond MaxTrackedProcesses
// are silently truncated, matching the original's saturating copy.
func (t *Table) Update(pids []uint32) {
	if len(pids) > MaxTrackedProcesses {
		pids = pids[:MaxTrackedProcesses]
	}

	t.setVersion(t.version() + 1) // now odd: write in progress

	binary.LittleEndian.PutUint32(t.mem[countOffset:countOffset+4], uint32(len(pids)))
	for i, pid := range pids {
		off := pidsOffset + i*4
		binary.LittleEndian.PutUint32(t.mem[off:off+4], pid)
	}
	for i := len(pids); i < MaxTrackedProcesses; i++ {
		off := pidsOffset + i*4
		binary.LittleEndian.PutUint32(t.mem[off:off+4], 0)
	}

	t.setVersion(t.version() + 1) // now even: stable again
}

// Snapshot reads the current PID set, retrying if a writer was mid-update.
func (t *Table) Snapshot() []uint32 {
	for {
		v1 := t.version()
		if v1%2 != 0 {
			continue // writer in progress
		}
		count := binary.LittleEndian.Uint32(t.mem[countOffset : countOffset+4])
		if count > MaxTrackedProcesses {
			count = MaxTrackedProcesses
		}
		pids := make([]uint32, count)
		for i := range pids {
			off := pidsOffset + i*4
			pids[i] = binary.LittleEndian.Uint32(t.mem[off : off+4])
		}
		v2 := t.version()
		if v1 == v2 {
			return pids
		}
	}
}

// Close unmaps and closes the backing descriptor. The segment itself is
// left in /dev/shm for the next daemon start (or a layer that is still
// reading it) to reuse, matching the original's lifetime.
func (t *Table) Close() error {
	if err := unix.Munmap(t.mem); err != nil {
		return fmt.Errorf("sharedpids: munmap: %w", err)
	}
	return unix.Close(t.fd)
}

// Unlink removes the backing /dev/shm object entirely. Only the daemon that
// owns the table's full lifecycle (not a layer, which only reads) should
// call this, typically on clean shutdown.
func Unlink(name string) error {
	return os.Remove(filepath.Join("/dev/shm", name))
}
