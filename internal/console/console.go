// Package console is the operator terminal: a status bar, a scrollback of
// log lines and a command prompt.
package console

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"

	"bastom.dev/internal/sim/world"
)

// Backend is the part of the world the console reads and drives.
type Backend interface {
	Metrics() world.WorldMetrics
	Players() []world.PlayerInfo
	RequestSave()
}

const (
	scrollback    = 500
	redrawEvery   = 500 * time.Millisecond
	tpsWindowSize = 10
)

type tpsSample struct {
	tick uint64
	at   time.Time
}

// Options are the console's hooks into the process.
type Options struct {
	// Stop is called by "stop" and by Ctrl-C.
	Stop func()
	// Restart is called by "restart". Nil disables the command.
	Restart func()
	// Help is printed verbatim by "help".
	Help string
	// Extensions are the pluggable components this process was built with.
	Extensions []string
}

type Console struct {
	screen  tcell.Screen
	backend Backend
	opts    Options

	mu      sync.Mutex
	lines   []string
	input   []rune
	samples []tpsSample
	now     func() time.Time
}

func New(screen tcell.Screen, b Backend, opts Options) *Console {
	if opts.Stop == nil {
		opts.Stop = func() {}
	}
	opts.Help = strings.TrimRight(opts.Help, "\n")
	return &Console{
		screen:  screen,
		backend: b,
		opts:    opts,
		now:     time.Now,
	}
}

// Write appends log output to the scrollback. It makes the console usable
// as a zerolog writer.
func (c *Console) Write(p []byte) (int, error) {
	c.mu.Lock()
	for _, l := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		c.appendLocked(l)
	}
	c.mu.Unlock()
	return len(p), nil
}

func (c *Console) appendLocked(line string) {
	c.lines = append(c.lines, line)
	if len(c.lines) > scrollback {
		c.lines = c.lines[len(c.lines)-scrollback:]
	}
}

// Run owns the screen until ctx is done.
func (c *Console) Run(ctx context.Context) error {
	if err := c.screen.Init(); err != nil {
		return err
	}
	defer c.screen.Fini()

	events := make(chan tcell.Event, 16)
	quit := make(chan struct{})
	defer close(quit)
	go c.screen.ChannelEvents(events, quit)

	ticker := time.NewTicker(redrawEvery)
	defer ticker.Stop()

	c.sample()
	c.draw()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev := ev.(type) {
			case *tcell.EventKey:
				c.handleKey(ev)
			case *tcell.EventResize:
				c.screen.Sync()
			}
		case <-ticker.C:
			c.sample()
		}
		c.draw()
	}
}

func (c *Console) handleKey(ev *tcell.EventKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev.Key() {
	case tcell.KeyEnter:
		line := strings.TrimSpace(string(c.input))
		c.input = c.input[:0]
		if line == "" {
			return
		}
		c.appendLocked("> " + line)
		c.mu.Unlock()
		out := c.Execute(line)
		c.mu.Lock()
		for _, l := range strings.Split(out, "\n") {
			if l != "" {
				c.appendLocked(l)
			}
		}
	case tcell.KeyBackspace, tcell.KeyBackspace2:
		if n := len(c.input); n > 0 {
			c.input = c.input[:n-1]
		}
	case tcell.KeyEscape:
		c.input = c.input[:0]
	case tcell.KeyCtrlC:
		go c.opts.Stop()
	case tcell.KeyRune:
		c.input = append(c.input, ev.Rune())
	}
}

// Execute runs one operator command and returns its output.
func (c *Console) Execute(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	switch strings.ToLower(fields[0]) {
	case "help":
		return c.opts.Help
	case "list":
		players := c.backend.Players()
		if len(players) == 0 {
			return "No players online."
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%d player(s) online:", len(players))
		for _, p := range players {
			fmt.Fprintf(&b, "\n  %s (entity %d, session %s)", p.Name, p.Entity, p.Session)
		}
		return b.String()
	case "save":
		c.backend.RequestSave()
		return "Save requested; chunks and a snapshot are written after the current tick."
	case "tps":
		m := c.backend.Metrics()
		return fmt.Sprintf("TPS: %.1f  step: %.2fms  overruns: %d  dropped ticks: %d", c.tps(), m.StepMS, m.Overruns, m.DroppedTicks)
	case "stop":
		go c.opts.Stop()
		return "Stopping server..."
	case "restart":
		if c.opts.Restart == nil {
			return "Restart is not available."
		}
		go c.opts.Restart()
		return "Restarting server..."
	case "extensions", "ext", "exts":
		return "Loaded Extensions: " + strings.Join(c.opts.Extensions, ", ")
	default:
		return fmt.Sprintf("Unknown command %q. Type \"help\" for help.", fields[0])
	}
}

func (c *Console) sample() {
	s := tpsSample{tick: c.backend.Metrics().Tick, at: c.now()}
	c.mu.Lock()
	c.samples = append(c.samples, s)
	if len(c.samples) > tpsWindowSize {
		c.samples = c.samples[len(c.samples)-tpsWindowSize:]
	}
	c.mu.Unlock()
}

// tps is the tick rate measured over the sample window.
func (c *Console) tps() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.samples) < 2 {
		return 0
	}
	first, last := c.samples[0], c.samples[len(c.samples)-1]
	elapsed := last.at.Sub(first.at).Seconds()
	if elapsed <= 0 || last.tick < first.tick {
		return 0
	}
	return float64(last.tick-first.tick) / elapsed
}

func (c *Console) statusLine() string {
	m := c.backend.Metrics()
	return fmt.Sprintf(" tick %d | %s | players %d | entities %d | chunks %d | queue %d | step %.2fms ",
		m.Tick, m.Phase, m.Sessions, m.Entities, m.LoadedChunks, m.QueueDepth, m.StepMS)
}

func (c *Console) draw() {
	status := c.statusLine()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.screen.Clear()
	w, h := c.screen.Size()
	if w <= 0 || h <= 0 {
		return
	}

	bar := tcell.StyleDefault.Reverse(true)
	for x := 0; x < w; x++ {
		c.screen.SetContent(x, 0, ' ', nil, bar)
	}
	putString(c.screen, 0, 0, status, bar)

	rows := max(0, h-2)
	start := max(0, len(c.lines)-rows)
	for i, l := range c.lines[start:] {
		putString(c.screen, 0, 1+i, l, tcell.StyleDefault)
	}

	prompt := "> " + string(c.input)
	putString(c.screen, 0, h-1, prompt, tcell.StyleDefault.Foreground(tcell.ColorGreen))
	c.screen.ShowCursor(min(len([]rune(prompt)), w-1), h-1)
	c.screen.Show()
}

func putString(s tcell.Screen, x, y int, str string, style tcell.Style) {
	w, _ := s.Size()
	for _, r := range str {
		if x >= w {
			return
		}
		s.SetContent(x, y, r, nil, style)
		x++
	}
}
