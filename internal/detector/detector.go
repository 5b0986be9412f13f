// Package detector turns raw page and display signals into proctoring
// violations.
//
// Signals arrive from independent sources: visibility and focus changes,
// keyboard shortcuts, screen-share loss and a polled display topology
// probe. Every source is suppressed while a grace window is open, which
// brackets user-facing permission dialogs that themselves steal focus.
package detector

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"proctor/internal/clock"
	"proctor/internal/logging"
	"proctor/internal/violation"
)

// Config controls detection.
type Config struct {
	// GracePeriod is the trailing suppression window after EndGrace.
	GracePeriod time.Duration

	// PollInterval is the topology polling interval.
	PollInterval time.Duration

	// WidthTolerance is how many pixels AvailWidth may exceed Width
	// before multiple monitors are assumed.
	WidthTolerance int

	// ProhibitedShortcuts are key combos such as "ctrl+c".
	ProhibitedShortcuts []string

	// TabWarning and MonitorWarning are the warning auto-dismiss delays.
	TabWarning     time.Duration
	MonitorWarning time.Duration
}

// DefaultConfig returns the default detection settings.
func DefaultConfig() Config {
	return Config{
		GracePeriod:         3 * time.Second,
		PollInterval:        5 * time.Second,
		ProhibitedShortcuts: []string{"ctrl+c", "ctrl+v", "ctrl+shift+i", "f12"},
		TabWarning:          5 * time.Second,
		MonitorWarning:      8 * time.Second,
	}
}

// Topology describes the display the candidate is using.
type Topology struct {
	Width      int
	AvailWidth int
	Extended   bool
}

// TopologyProbe reads the current display topology.
type TopologyProbe func() (Topology, error)

// Warning is a transient on-screen notice.
type Warning struct {
	Type         violation.Type
	Message      string
	DismissAfter time.Duration
}

// Reporter receives raised violations for best-effort delivery.
type Reporter interface {
	ReportViolation(ev violation.Event)
}

// Detector raises violation events. It is safe for concurrent use; hooks
// run on the signalling goroutine, outside the detector's lock.
type Detector struct {
	mu        sync.Mutex
	cfg       Config
	clock     clock.Clock
	log       *logging.Logger
	events    *violation.Log
	shortcuts map[string]bool

	trigger   func(violation.Event) bool
	reporter  Reporter
	onWarning func(Warning)
	observers []func(violation.Event)
	probe     TopologyProbe

	graceDepth int
	graceUntil time.Time

	multiMonitor bool
	running      bool
	poll         *clock.Timer
	stopCtx      func() bool
}

// New creates a detector appending to events.
func New(cfg Config, clk clock.Clock, events *violation.Log, log *logging.Logger) *Detector {
	if clk == nil {
		clk = clock.Real()
	}
	if events == nil {
		events = violation.NewLog()
	}
	if log == nil {
		log = logging.Discard()
	}
	d := &Detector{
		cfg:       cfg,
		clock:     clk,
		log:       log.WithComponent("detector"),
		events:    events,
		shortcuts: make(map[string]bool, len(cfg.ProhibitedShortcuts)),
	}
	for _, combo := range cfg.ProhibitedShortcuts {
		d.shortcuts[NormalizeShortcut(combo)] = true
	}
	return d
}

// SetTrigger sets the capture trigger, normally capture.Buffer.Trigger.
func (d *Detector) SetTrigger(fn func(violation.Event) bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.trigger = fn
}

// SetReporter sets the best-effort backend reporter.
func (d *Detector) SetReporter(r Reporter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reporter = r
}

// SetWarningHandler sets the presentation hook for warnings.
func (d *Detector) SetWarningHandler(fn func(Warning)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onWarning = fn
}

// SetTopologyProbe sets the display topology source.
func (d *Detector) SetTopologyProbe(p TopologyProbe) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.probe = p
}

// OnViolation registers an observer run after each raised violation.
func (d *Detector) OnViolation(fn func(violation.Event)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, fn)
}

// Events returns the violation log.
func (d *Detector) Events() *violation.Log {
	return d.events
}

// BeginGrace opens a suppression window. Calls nest.
func (d *Detector) BeginGrace() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.graceDepth++
}

// EndGrace closes one BeginGrace. Suppression continues for GracePeriod
// after the last one closes.
func (d *Detector) EndGrace() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.graceDepth > 0 {
		d.graceDepth--
	}
	until := d.clock.Now().Add(d.cfg.GracePeriod)
	if until.After(d.graceUntil) {
		d.graceUntil = until
	}
}

// InGrace reports whether signals are currently suppressed.
func (d *Detector) InGrace() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.suppressedLocked()
}

func (d *Detector) suppressedLocked() bool {
	return d.graceDepth > 0 || d.clock.Now().Before(d.graceUntil)
}

// VisibilityHidden handles the test page becoming hidden.
func (d *Detector) VisibilityHidden() bool {
	return d.raise(violation.TypeTabSwitch, "Switched away from the test tab")
}

// FocusLost handles the test window losing focus.
func (d *Detector) FocusLost() bool {
	return d.raise(violation.TypeWindowBlur, "Test window lost focus")
}

// ScreenShareStopped handles the screen share ending.
func (d *Detector) ScreenShareStopped() bool {
	return d.raise(violation.TypeScreenShareStopped, "Screen sharing was stopped")
}

// Shortcut handles a key combo. Only prohibited combos raise.
func (d *Detector) Shortcut(combo string) bool {
	norm := NormalizeShortcut(combo)
	if !d.shortcuts[norm] {
		return false
	}
	return d.raise(violation.TypeProhibitedShortcut, "Used prohibited shortcut "+norm)
}

// CheckTopology probes the display once. A violation is raised when the
// multiple-monitor condition begins, not on every check while it lasts.
func (d *Detector) CheckTopology() bool {
	d.mu.Lock()
	probe := d.probe
	d.mu.Unlock()
	if probe == nil {
		return false
	}

	topo, err := probe()
	if err != nil {
		d.log.Warn("topology probe failed", "error", err)
		return false
	}
	multi := topo.Extended || topo.AvailWidth > topo.Width+d.cfg.WidthTolerance

	d.mu.Lock()
	if !multi {
		d.multiMonitor = false
		d.mu.Unlock()
		return false
	}
	if d.multiMonitor || d.suppressedLocked() {
		d.mu.Unlock()
		return false
	}
	d.multiMonitor = true
	ev := d.eventLocked(violation.TypeMultipleMonitors, "Multiple monitors detected")
	d.mu.Unlock()

	d.emit(ev)
	return true
}

// Start checks the topology once and then polls it every PollInterval
// until Stop is called or ctx is done.
func (d *Detector) Start(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.stopCtx = context.AfterFunc(ctx, d.Stop)
	d.mu.Unlock()

	d.CheckTopology()
	d.schedule()
}

func (d *Detector) schedule() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running || d.cfg.PollInterval <= 0 {
		return
	}
	d.poll = d.clock.AfterFunc(d.cfg.PollInterval, func() {
		d.mu.Lock()
		running := d.running
		d.mu.Unlock()
		if !running {
			return
		}
		d.CheckTopology()
		d.schedule()
	})
}

// Stop ends topology polling.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
	d.poll.Stop()
	if d.stopCtx != nil {
		d.stopCtx()
		d.stopCtx = nil
	}
}

func (d *Detector) raise(t violation.Type, description string) bool {
	d.mu.Lock()
	if d.suppressedLocked() {
		d.mu.Unlock()
		d.log.Debug("signal suppressed during grace", "type", string(t))
		return false
	}
	ev := d.eventLocked(t, description)
	d.mu.Unlock()

	d.emit(ev)
	return true
}

func (d *Detector) eventLocked(t violation.Type, description string) violation.Event {
	return violation.Event{Type: t, Description: description, Timestamp: d.clock.Now()}
}

func (d *Detector) emit(ev violation.Event) {
	d.events.Append(ev)

	d.mu.Lock()
	trigger := d.trigger
	reporter := d.reporter
	onWarning := d.onWarning
	observers := append([]func(violation.Event){}, d.observers...)
	cfg := d.cfg
	d.mu.Unlock()

	captured := false
	if trigger != nil {
		captured = trigger(ev)
	}
	d.log.Info("violation raised", "type", string(ev.Type), "captured", captured)

	if reporter != nil {
		reporter.ReportViolation(ev)
	}
	for _, fn := range observers {
		fn(ev)
	}

	if onWarning == nil {
		return
	}
	switch ev.Type {
	case violation.TypeTabSwitch:
		onWarning(Warning{
			Type:         ev.Type,
			Message:      "You left the test tab. This has been recorded.",
			DismissAfter: cfg.TabWarning,
		})
	case violation.TypeMultipleMonitors:
		onWarning(Warning{
			Type:         ev.Type,
			Message:      "Multiple monitors detected. Disconnect additional displays.",
			DismissAfter: cfg.MonitorWarning,
		})
	}
}

var modifierOrder = map[string]int{"ctrl": 0, "alt": 1, "shift": 2, "meta": 3}

// NormalizeShortcut lowercases a combo and orders its modifiers, so
// "Shift+Ctrl+I" and "ctrl+shift+i" compare equal.
func NormalizeShortcut(combo string) string {
	parts := strings.Split(strings.ToLower(combo), "+")
	var mods, keys []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		switch p {
		case "":
			continue
		case "control":
			p = "ctrl"
		case "cmd", "command", "super":
			p = "meta"
		case "option":
			p = "alt"
		}
		if _, ok := modifierOrder[p]; ok {
			mods = append(mods, p)
		} else {
			keys = append(keys, p)
		}
	}
	sort.Slice(mods, func(i, j int) bool { return modifierOrder[mods[i]] < modifierOrder[mods[j]] })
	return strings.Join(append(mods, keys...), "+")
}
