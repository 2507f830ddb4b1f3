// Package replay feeds a recorded location log through the processor and state
// machine and reports every transition, for checking detection tuning offline.
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/log"

	"salesfloor/proximity/internal/model"
	"salesfloor/proximity/internal/proximity"
)

// Options control a replay run
type Options struct {
	VendorID    string
	Config      model.VendorProximityConfig
	Settings    proximity.Settings
	AutoConfirm bool          // answer confirmation prompts immediately
	Tail        time.Duration // timers are advanced this far past the last sample
	Logger      *log.Logger
}

// Result is what a replay produced
type Result struct {
	Samples  int
	Dropped  map[proximity.DropReason]int
	Events   []model.ProximityEvent
	Sessions []model.ProximitySession
}

type staticZones []model.Zone

func (z staticZones) ListActiveZones(context.Context, string) ([]model.Zone, error) {
	return z, nil
}

// Run replays the JSON-lines samples in r against zones. Blank lines and lines starting with # are skipped.
// Recording starts succeed immediately with generated IDs.
func Run(ctx context.Context, r io.Reader, zones []model.Zone, opts Options) (*Result, error) {
	if opts.VendorID == "" {
		opts.VendorID = "replay"
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	cfg := opts.Config.Normalize()
	cfg.VendorID = opts.VendorID

	newID := func(prefix string) func() string {
		seq := 0
		return func() string {
			seq++
			return fmt.Sprintf("%s-%d", prefix, seq)
		}
	}
	machine := proximity.NewMachine(opts.VendorID, cfg.AgencyID, opts.Settings, newID("session"))
	processor := proximity.NewProcessor(staticZones(zones), opts.Settings.MinConfidence, opts.Logger)
	recordingID := newID("recording")

	res := &Result{Dropped: make(map[proximity.DropReason]int)}
	var apply func(out proximity.Outcome, now time.Time)
	apply = func(out proximity.Outcome, now time.Time) {
		res.Events = append(res.Events, out.Events...)
		res.Sessions = append(res.Sessions, out.Closed...)
		for _, cmd := range out.Commands {
			event := model.ProximityEvent{
				Type:        model.EventRecordingCommand,
				VendorID:    cmd.VendorID,
				SessionID:   cmd.SessionID,
				ZoneID:      cmd.ZoneID,
				State:       machine.State(),
				Command:     cmd.Type,
				RecordingID: cmd.RecordingID,
				Timestamp:   now,
			}
			if cmd.Type == model.CommandStartRecording {
				event.RecordingID = recordingID()
				machine.RecordingStarted(cmd.SessionID, event.RecordingID, now)
			}
			res.Events = append(res.Events, event)
		}
		if !opts.AutoConfirm {
			return
		}
		for _, e := range out.Events {
			if e.Type != model.EventConfirmationRequested {
				continue
			}
			if confirmed, err := machine.Confirm(e.SessionID, now); err == nil {
				apply(confirmed, now)
			}
		}
	}

	var last time.Time
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var msg model.LocationMessage
		if err := json.Unmarshal([]byte(text), &msg); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		point := msg.Point()
		res.Samples++
		v := processor.Process(ctx, cfg.AgencyID, point)
		if !v.Accepted() {
			res.Dropped[v.Dropped]++
			if !point.CapturedAt.IsZero() {
				apply(machine.Advance(point.CapturedAt), point.CapturedAt)
			}
			continue
		}
		apply(machine.Observe(v, cfg), point.CapturedAt)
		last = point.CapturedAt
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read samples: %w", err)
	}

	if !last.IsZero() && opts.Tail > 0 {
		end := last.Add(opts.Tail)
		apply(machine.Advance(end), end)
	}
	return res, nil
}

// Print writes one row per event followed by a session summary
func Print(w io.Writer, res *Result) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tEVENT\tTRANSITION\tSESSION\tZONE\tDETAIL")
	for _, e := range res.Events {
		transition := string(e.State)
		if e.PreviousState != "" {
			transition = fmt.Sprintf("%s -> %s", e.PreviousState, e.State)
		}
		detail := e.Reason
		if e.Command != "" {
			detail = strings.TrimSpace(fmt.Sprintf("%s %s", e.Command, e.RecordingID))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.UTC().Format(time.RFC3339), e.Type, transition, e.SessionID, e.ZoneID, detail)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\n%d samples, %d dropped, %d sessions closed\n", res.Samples, res.droppedTotal(), len(res.Sessions))
	for _, s := range res.Sessions {
		fmt.Fprintf(w, "  %s %s %s dwell=%ds recording=%s\n", s.ID, s.ZoneID, s.State, s.DwellSeconds, orNone(s.RecordingID))
	}
	return nil
}

func (r *Result) droppedTotal() int {
	n := 0
	for _, c := range r.Dropped {
		n += c
	}
	return n
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

// LoadZones decodes a JSON array of zones. Zones must set "active" to be matched.
func LoadZones(r io.Reader) ([]model.Zone, error) {
	var zones []model.Zone
	if err := json.NewDecoder(r).Decode(&zones); err != nil {
		return nil, fmt.Errorf("decode zones: %w", err)
	}
	return zones, nil
}
