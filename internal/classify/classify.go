// Package classify decides whether a process is a game (module C): a
// blacklist/whitelist/launcher/game-directory/ancestry-walk pipeline
// mirroring the original launcher_detect.c pattern tables exactly.
package classify

import (
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// ProcessInfo is the minimal view the classifier needs from a process.
// It mirrors the daemon-wide ProcessInfo but only the fields the
// classifier consults.
type ProcessInfo struct {
	PID       uint32
	ParentPID uint32
	ExePath   string
	ExeName   string
}

// AncestryLookup resolves a PID to its ProcessInfo, as required by the
// ancestry walk. An implementation that cannot resolve a PID should return
// ok=false; the walk then stops and reports "not a launcher descendant".
type AncestryLookup func(pid uint32) (ProcessInfo, bool)

// LauncherType identifies a known launcher.
type LauncherType int

const (
	LauncherUnknown LauncherType = iota
	LauncherSteam
	LauncherLutris
	LauncherHeroic
	LauncherBottles
	LauncherGamescope
	LauncherWine
	LauncherProton
)

func (t LauncherType) String() string {
	switch t {
	case LauncherSteam:
		return "Steam"
	case LauncherLutris:
		return "Lutris"
	case LauncherHeroic:
		return "Heroic"
	case LauncherBottles:
		return "Bottles"
	case LauncherGamescope:
		return "Gamescope"
	case LauncherWine:
		return "Wine"
	case LauncherProton:
		return "Proton"
	default:
		return "Unknown"
	}
}

type launcherPattern struct {
	typ     LauncherType
	pattern string
}

// knownLaunchers mirrors KNOWN_LAUNCHERS in launcher_detect.c exactly.
var knownLaunchers = []launcherPattern{
	{LauncherSteam, "steam"},
	{LauncherSteam, "steamwebhelper"},
	{LauncherLutris, "lutris"},
	{LauncherHeroic, "heroic"},
	{LauncherHeroic, "legendary"},
	{LauncherBottles, "bottles"},
	{LauncherGamescope, "gamescope"},
	{LauncherWine, "wine*"},
	{LauncherWine, "wineserver"},
	{LauncherProton, "proton"},
}

// defaultBlacklist mirrors DEFAULT_BLACKLIST in launcher_detect.c.
var defaultBlacklist = []string{
	"steam", "steamwebhelper", "lutris", "heroic", "bottles",
	"wine", "wineserver", "winedevice.exe", "services.exe",
	"plugplay.exe", "explorer.exe", "rpcss.exe", "tabtip.exe",
	"conhost.exe", "start.exe", "cmd.exe", "bash", "sh",
	"python", "python3", "pressure-vessel", "pv-bwrap",
}

// gameDirectories mirrors GAME_DIRECTORIES. A leading "~/" marker denotes a
// path relative to $HOME, matching the original's home-relative entries.
var gameDirectories = []string{
	"~/.steam/steam/steamapps/common/",
	"~/.local/share/Steam/steamapps/common/",
	"~/.local/share/lutris/",
	"~/.local/share/bottles/",
	"/Games/",
}

const maxAncestryDepth = 20

// Classifier holds the runtime-mutable whitelist/blacklist on top of the
// fixed launcher table (launcher_whitelist_add /
// launcher_blacklist_add / launcher_add_custom from the original source).
type Classifier struct {
	mu          sync.RWMutex
	whitelist   []string
	blacklist   []string
	home        string
	lookup      AncestryLookup
	customTypes []launcherPattern
}

// New creates a Classifier seeded with the default blacklist. home is the
// user's $HOME, used to resolve the home-relative game directories. lookup
// resolves ancestors during the ancestry walk.
func New(home string, lookup AncestryLookup) *Classifier {
	c := &Classifier{
		home:      home,
		lookup:    lookup,
		blacklist: append([]string(nil), defaultBlacklist...),
	}
	return c
}

// AddWhitelist extends the whitelist at runtime.
func (c *Classifier) AddWhitelist(pattern string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.whitelist = append(c.whitelist, pattern)
}

// AddBlacklist extends the blacklist at runtime.
func (c *Classifier) AddBlacklist(pattern string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blacklist = append(c.blacklist, pattern)
}

// AddCustomLauncher registers an additional launcher pattern, detected the
// same way as the built-in table.
func (c *Classifier) AddCustomLauncher(typ LauncherType, pattern string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.customTypes = append(c.customTypes, launcherPattern{typ: typ, pattern: pattern})
}

func globMatch(pattern, name string) bool {
	ok, err := filepath.Match(strings.ToLower(pattern), strings.ToLower(name))
	return err == nil && ok
}

// DetectType returns the launcher type for a process, or LauncherUnknown.
func (c *Classifier) DetectType(exeName string) LauncherType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range knownLaunchers {
		if globMatch(p.pattern, exeName) {
			return p.typ
		}
	}
	for _, p := range c.customTypes {
		if globMatch(p.pattern, exeName) {
			return p.typ
		}
	}
	return LauncherUnknown
}

// IsBlacklisted reports whether exeName matches the blacklist.
func (c *Classifier) IsBlacklisted(exeName string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.blacklist {
		if globMatch(p, exeName) {
			return true
		}
	}
	return false
}

// IsWhitelisted reports whether exeName matches the whitelist.
func (c *Classifier) IsWhitelisted(exeName string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.whitelist {
		if globMatch(p, exeName) {
			return true
		}
	}
	return false
}

func (c *Classifier) isInGameDirectory(exePath string) bool {
	for _, dir := range gameDirectories {
		full := dir
		if strings.HasPrefix(dir, "~/") {
			if c.home == "" {
				continue
			}
			full = filepath.Join(c.home, strings.TrimPrefix(dir, "~/")) + string(filepath.Separator)
		}
		if strings.Contains(exePath, full) {
			return true
		}
	}
	return false
}

// IsLauncherChild walks parent_pid up to maxAncestryDepth or PID 1,
// reporting the first ancestor that matches a known launcher pattern. A
// lookup failure on any ancestor ends the walk (not a launcher descendant).
func (c *Classifier) IsLauncherChild(pid uint32) (LauncherType, bool) {
	current := pid
	for depth := 0; current > 1 && depth < maxAncestryDepth; depth++ {
		info, ok := c.lookup(current)
		if !ok {
			return LauncherUnknown, false
		}
		if t := c.DetectType(info.ExeName); t != LauncherUnknown {
			return t, true
		}
		current = info.ParentPID
	}
	return LauncherUnknown, false
}

// IsGameProcess runs the full six-step classification pipeline.
func (c *Classifier) IsGameProcess(info ProcessInfo) bool {
	if c.IsBlacklisted(info.ExeName) {
		return false
	}
	if c.IsWhitelisted(info.ExeName) {
		return true
	}
	if c.DetectType(info.ExeName) != LauncherUnknown {
		return false
	}
	if c.isInGameDirectory(info.ExePath) {
		return true
	}
	if _, ok := c.IsLauncherChild(info.PID); ok {
		ext := strings.ToLower(filepath.Ext(info.ExeName))
		return ext == ".exe"
	}
	return false
}

// formatAncestryChain renders a human-readable "opaque" launcher chain
// string for GameDetectedPayload.Launcher — a best-effort description with
// no formatting contract from the original source.
func formatAncestryChain(pid uint32, lookup AncestryLookup) string {
	var chain []string
	current := pid
	for depth := 0; current > 1 && depth < maxAncestryDepth; depth++ {
		info, ok := lookup(current)
		if !ok {
			break
		}
		chain = append([]string{info.ExeName}, chain...)
		current = info.ParentPID
	}
	if len(chain) == 0 {
		return strconv.FormatUint(uint64(pid), 10)
	}
	return strings.Join(chain, " > ")
}

// FormatAncestryChain exposes formatAncestryChain for the orchestrator.
func (c *Classifier) FormatAncestryChain(pid uint32) string {
	return formatAncestryChain(pid, c.lookup)
}
