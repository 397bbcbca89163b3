// Package procmon turns kernel process events into enriched ProcessInfo
// records (module D), backed by package netlink for the event stream and
// /proc for enrichment.
package procmon

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/capframex/capframexd/internal/classify"
	"github.com/capframex/capframexd/internal/netlink"
)

// Info is a fully enriched process record, equivalent to classify.ProcessInfo
// plus the fields the rest of the daemon needs (start time for uniqueness,
// parent name for display).
type Info struct {
	PID        uint32
	ParentPID  uint32
	ExePath    string
	ExeName    string
	ParentName string
	StartTime  uint64
}

func (i Info) toClassify() classify.ProcessInfo {
	return classify.ProcessInfo{PID: i.PID, ParentPID: i.ParentPID, ExePath: i.ExePath, ExeName: i.ExeName}
}

// ExePath reads /proc/<pid>/exe.
func ExePath(pid uint32) (string, error) {
	return os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
}

// Cmdline reads /proc/<pid>/cmdline, joining NUL-separated arguments with
// spaces (matching the original's display-only cmdline reader).
func Cmdline(pid uint32) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return "", err
	}
	return strings.TrimRight(strings.ReplaceAll(string(data), "\x00", " "), " "), nil
}

// parentPIDAndStart parses /proc/<pid>/stat for ppid (field 4) and starttime
// (field 22), skipping past the "(comm)" field which may itself contain
// spaces and parentheses.
func parentPIDAndStart(pid uint32) (ppid uint32, start uint64, err error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, 0, err
	}
	line := string(data)
	idx := strings.LastIndexByte(line, ')')
	if idx < 0 || idx+2 >= len(line) {
		return 0, 0, fmt.Errorf("procmon: malformed stat for pid %d", pid)
	}
	rest := strings.Fields(line[idx+2:])
	// rest[0] = state, rest[1] = ppid, ... rest[19] = starttime (field 22
	// overall, 19 fields past state which is field 3).
	if len(rest) < 20 {
		return 0, 0, fmt.Errorf("procmon: short stat for pid %d", pid)
	}
	ppid64, err := strconv.ParseUint(rest[1], 10, 32)
	if err != nil {
		return 0, 0, err
	}
	start, err = strconv.ParseUint(rest[19], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return uint32(ppid64), start, nil
}

// Comm reads /proc/<pid>/comm.
func Comm(pid uint32) (string, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return "", err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	if s.Scan() {
		return s.Text(), nil
	}
	return "", s.Err()
}

// GetInfo resolves full process information for pid. It is the canonical
// AncestryLookup implementation and the per-event enrichment step.
func GetInfo(pid uint32) (Info, error) {
	exePath, err := ExePath(pid)
	if err != nil {
		return Info{}, err
	}
	exeName := exePath
	if idx := strings.LastIndexByte(exePath, '/'); idx >= 0 {
		exeName = exePath[idx+1:]
	}

	info := Info{PID: pid, ExePath: exePath, ExeName: exeName}

	ppid, start, err := parentPIDAndStart(pid)
	if err == nil {
		info.ParentPID = ppid
		info.StartTime = start
		if ppid > 0 {
			if name, err := Comm(ppid); err == nil {
				info.ParentName = name
			}
		}
	}
	return info, nil
}

// IsRunning reports whether /proc/<pid> still exists.
func IsRunning(pid uint32) bool {
	_, err := os.Stat(fmt.Sprintf("/proc/%d", pid))
	return err == nil
}

// AncestryLookup adapts GetInfo to classify.AncestryLookup.
func AncestryLookup(pid uint32) (classify.ProcessInfo, bool) {
	info, err := GetInfo(pid)
	if err != nil {
		return classify.ProcessInfo{}, false
	}
	return info.toClassify(), true
}

// Event is delivered to a Monitor's callback for each observed transition.
type Event struct {
	Info    Info
	Started bool // true on exec, false on exit (Info.PID only is valid on exit)
}

// Callback receives process lifecycle events. It must not block.
type Callback func(Event)

// Monitor owns the netlink subscription and dispatches enriched events.
type Monitor struct {
	log *zap.Logger

	mu      sync.Mutex
	conn    *netlink.Conn
	running bool
	done    chan struct{}
}

// New creates an unstarted Monitor.
func New(log *zap.Logger) *Monitor {
	return &Monitor{log: log}
}

// ScanAll walks /proc once, invoking cb(Event{Started: true, ...}) for every
// resolvable process. Used at startup to seed state before live events
// arrive.
func ScanAll(cb Callback) error {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return fmt.Errorf("procmon: scan /proc: %w", err)
	}
	for _, e := range entries {
		pid64, err := strconv.ParseUint(e.Name(), 10, 32)
		if err != nil || pid64 == 0 {
			continue
		}
		info, err := GetInfo(uint32(pid64))
		if err != nil {
			continue // process exited mid-scan, or unreadable (permissions)
		}
		cb(Event{Info: info, Started: true})
	}
	return nil
}

// Start opens the netlink connection and begins dispatching events to cb on
// a background goroutine. Start returns once the subscription succeeds.
func (m *Monitor) Start(cb Callback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("procmon: already running")
	}

	conn, err := netlink.Open()
	if err != nil {
		return fmt.Errorf("procmon: open netlink: %w", err)
	}

	m.conn = conn
	m.running = true
	m.done = make(chan struct{})

	go m.loop(conn, cb, m.done)
	m.log.Info("process monitor started")
	return nil
}

func (m *Monitor) loop(conn *netlink.Conn, cb Callback, done chan struct{}) {
	defer close(done)
	for {
		ev, err := conn.Recv()
		if err != nil {
			m.mu.Lock()
			stopped := !m.running
			m.mu.Unlock()
			if stopped {
				return
			}
			m.log.Warn("netlink recv error", zap.Error(err))
			return
		}

		switch ev.Kind {
		case netlink.EventExec:
			info, err := GetInfo(ev.PID)
			if err != nil {
				continue // process already exited between exec and enrichment
			}
			cb(Event{Info: info, Started: true})
		case netlink.EventExit:
			cb(Event{Info: Info{PID: ev.PID}, Started: false})
		}
	}
}

// Stop unsubscribes, closes the socket, and waits for the dispatch goroutine
// to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	conn := m.conn
	done := m.done
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if done != nil {
		<-done
	}
	m.log.Info("process monitor stopped")
}
