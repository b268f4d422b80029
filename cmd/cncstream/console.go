package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunagostinho/cncstream/internal/controller"
	"github.com/shaunagostinho/cncstream/internal/machine"
	"github.com/shaunagostinho/cncstream/internal/program"
	"github.com/shaunagostinho/cncstream/internal/sender"
	"github.com/shaunagostinho/cncstream/internal/transport"
)

var errQuit = errors.New("quit")

// console is the interactive operator prompt. Known command words are
// handled here; any other input goes to the controller as MDI.
type console struct {
	snd *sender.Sender
	out io.Writer
	log zerolog.Logger
}

func newConsole(snd *sender.Sender, out io.Writer, log zerolog.Logger) *console {
	return &console{snd: snd, out: out, log: log.With().Str("component", "console").Logger()}
}

// Run reads commands from in until quit, EOF or ctx is done.
func (c *console) Run(ctx context.Context, in io.Reader) {
	events, unsubscribe := c.snd.Subscribe()
	defer unsubscribe()
	go c.printEvents(ctx, events)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			c.log.Error().Err(err).Msg("reading input")
		}
	}()

	fmt.Fprintln(c.out, "Enter commands (type 'help' for available commands, 'quit' to exit):")
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			err := c.exec(ctx, line)
			if errors.Is(err, errQuit) {
				return
			}
			if err != nil {
				fmt.Fprintf(c.out, "error: %v\n", err)
			}
		}
	}
}

func (c *console) exec(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	parts := strings.Fields(line)
	args := parts[1:]

	switch strings.ToLower(parts[0]) {
	case "quit", "exit", "q":
		return errQuit
	case "help", "?":
		printHelp(c.out)
		return nil
	case "run":
		if len(args) != 1 {
			return errors.New("usage: run <file>")
		}
		prog, err := program.Load(args[0])
		if err != nil {
			return err
		}
		if err := c.snd.Run(prog); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "streaming %s (%d lines)\n", args[0], program.Transmittable(prog))
		return nil
	case "pause":
		return c.snd.Pause()
	case "resume":
		return c.snd.Resume()
	case "stop":
		c.snd.Stop()
		return nil
	case "reset":
		return c.snd.SoftReset(ctx)
	case "hardreset":
		return c.snd.HardReset(ctx)
	case "unlock":
		return c.snd.Unlock()
	case "home":
		return c.snd.Home()
	case "purge":
		return c.snd.Purge(ctx)
	case "jog":
		feed := 0.0
		words := args
		if n := len(words); n > 0 && strings.EqualFold(words[n-1][:1], "f") {
			v, err := strconv.ParseFloat(words[n-1][1:], 64)
			if err != nil {
				return fmt.Errorf("bad feed %q", words[n-1])
			}
			feed, words = v, words[:n-1]
		}
		m, err := controller.ParseMove(words)
		if err != nil {
			return err
		}
		return c.snd.Jog(m, feed)
	case "goto":
		m, err := controller.ParseMove(args)
		if err != nil {
			return err
		}
		return c.snd.Goto(m)
	case "tlo":
		if len(args) != 1 {
			return errors.New("usage: tlo <offset>")
		}
		v, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("bad offset %q", args[0])
		}
		return c.snd.SetToolLengthOffset(v)
	case "ovr":
		return c.override(args)
	case "probe":
		if len(args) == 0 {
			return errors.New("usage: probe <G38.x line> | probe clear")
		}
		if strings.EqualFold(args[0], "clear") {
			c.snd.ClearProbes()
			return nil
		}
		return c.snd.Probe(strings.Join(args, " "))
	case "state":
		return c.snd.ViewState()
	case "params":
		return c.snd.ViewParameters()
	case "build":
		return c.snd.ViewBuild()
	case "settings":
		return c.snd.ViewSettings()
	case "status":
		c.printStatus()
		return nil
	case "ports":
		ports, err := transport.ListPorts()
		if err != nil {
			return err
		}
		for _, p := range ports {
			fmt.Fprintln(c.out, p)
		}
		return nil
	}
	return c.snd.SendImmediate(line)
}

// override handles "ovr feed|rapid|spindle <pct>" and "ovr reset".
func (c *console) override(args []string) error {
	if len(args) == 1 && strings.EqualFold(args[0], "reset") {
		return c.snd.SetOverrides(100, 100, 100)
	}
	if len(args) != 2 {
		return errors.New("usage: ovr feed|rapid|spindle <percent> | ovr reset")
	}
	pct, err := strconv.Atoi(strings.TrimSuffix(args[1], "%"))
	if err != nil || pct <= 0 {
		return fmt.Errorf("bad percent %q", args[1])
	}
	switch strings.ToLower(args[0]) {
	case "feed":
		return c.snd.SetOverrides(pct, 0, 0)
	case "rapid":
		return c.snd.SetOverrides(0, pct, 0)
	case "spindle":
		return c.snd.SetOverrides(0, 0, pct)
	}
	return fmt.Errorf("unknown override %q", args[0])
}

func (c *console) printStatus() {
	s := c.snd.Snapshot()
	bytes, lines := c.snd.Outstanding()
	state := s.State.String()
	if s.State == machine.Alarm && s.AlarmCode != 0 {
		state = fmt.Sprintf("%s:%d", state, s.AlarmCode)
	}
	fmt.Fprintf(c.out, "%s  firmware=%s  wpos=%.3f,%.3f,%.3f  mpos=%.3f,%.3f,%.3f\n",
		state, c.snd.Protocol(), s.Pos.W.X, s.Pos.W.Y, s.Pos.W.Z, s.Pos.M.X, s.Pos.M.Y, s.Pos.M.Z)
	fmt.Fprintf(c.out, "feed=%.0f spindle=%.0f  ov=%d/%d/%d  queue=%d lines %d bytes (%d free)  paused=%v running=%v\n",
		s.Feed, s.Spindle, s.Overrides.Feed.Current, s.Overrides.Rapid.Current, s.Overrides.Spindle.Current,
		lines, bytes, c.snd.BufferFree(), c.snd.Paused(), c.snd.Running())
	for i, p := range s.Probes {
		fmt.Fprintf(c.out, "probe %d: %.3f,%.3f,%.3f\n", i, p.X, p.Y, p.Z)
	}
}

// printEvents echoes operator-relevant events. Traffic goes to the debug log.
func (c *console) printEvents(ctx context.Context, events <-chan sender.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch e := ev.(type) {
			case sender.LogLine:
				c.log.Debug().Str("dir", e.Dir.String()).Msg(e.Text)
			case sender.Message:
				fmt.Fprintf(c.out, "[MSG] %s\n", e.Text)
			case sender.StateChanged:
				if e.New == machine.Alarm {
					fmt.Fprintf(c.out, "ALARM %d: type 'unlock' to continue\n", e.AlarmCode)
				}
			case sender.JobFinished:
				switch {
				case !e.Aborted:
					fmt.Fprintln(c.out, "job finished")
				case e.Err != nil:
					fmt.Fprintf(c.out, "job aborted: %v\n", e.Err)
				default:
					fmt.Fprintln(c.out, "job aborted")
				}
			}
		}
	}
}

func printHelp(out io.Writer) {
	fmt.Fprint(out, `
Available commands:
  run <file>                 - Stream a G-code file
  pause | resume | stop      - Feed hold, cycle start, abort the job
  reset | hardreset          - Soft reset (0x18) or reopen the port
  unlock                     - Clear an alarm
  home                       - Run the homing cycle
  jog X1 Y-1 [F500]          - Relative jog
  goto X0 Y0                 - Rapid to a work position
  tlo <offset>               - Set tool length offset
  ovr feed|rapid|spindle <%> - Set an override (ovr reset for 100%)
  probe <G38.x ...>          - Probe; 'probe clear' drops results
  purge                      - Empty buffers, restore modal state
  state | params | build | settings - Query the controller
  status                     - Show machine status
  ports                      - List serial ports
  quit                       - Exit
Anything else is sent to the controller as-is.

`)
}

// runOnce streams path as soon as the controller is idle and waits for
// the job to finish.
func runOnce(ctx context.Context, snd *sender.Sender, path string, log zerolog.Logger) error {
	prog, err := program.Load(path)
	if err != nil {
		return err
	}
	if err := waitIdle(ctx, snd, 30*time.Second); err != nil {
		return err
	}
	if err := snd.Run(prog); err != nil {
		return err
	}
	log.Info().Str("file", path).Int("lines", program.Transmittable(prog)).Msg("streaming")
	return snd.Wait(ctx)
}

// waitIdle blocks until the sender is connected and the machine reports Idle.
func waitIdle(ctx context.Context, snd *sender.Sender, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		if snd.Connected() && snd.Snapshot().State == machine.Idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for idle controller: %w", ctx.Err())
		case <-tick.C:
		}
	}
}
