package printer

import (
	"strconv"
	"strings"
)

// EventKind identifies a typed printer event.
type EventKind int

const (
	// EventPaused confirms the firmware has actually paused the print,
	// not merely acknowledged the pause command.
	EventPaused EventKind = iota + 1
	// EventResumed confirms the print is running again.
	EventResumed
	// EventPositionReached carries a position report after motion settled.
	EventPositionReached
	// EventZChange reports a new Z height from the job stream.
	EventZChange
	// EventLayerChange reports an explicit layer number from the job stream.
	EventLayerChange
)

func (k EventKind) String() string {
	switch k {
	case EventPaused:
		return "paused"
	case EventResumed:
		return "resumed"
	case EventPositionReached:
		return "position"
	case EventZChange:
		return "zchange"
	case EventLayerChange:
		return "layerchange"
	default:
		return "unknown"
	}
}

// Event is one typed event decoded from the printer's output stream.
type Event struct {
	Kind    EventKind
	X, Y, Z float64
	Layer   int
}

// ParseLine decodes a single firmware output line into an Event. The
// recognised dialogue is:
//
//	// action:paused              firmware action notification
//	// action:resumed
//	X:.. Y:.. Z:.. E:.. ...       M114 position report
//	;Z:<height>                   slicer Z comment echoed by the firmware
//	;LAYER:<n>                    slicer layer comment echoed by the firmware
//
// Lines that do not match (ok, temperature reports, echoes of our own
// commands) return false.
func ParseLine(line string) (Event, bool) {
	line = strings.TrimSpace(line)

	if action, ok := strings.CutPrefix(line, "//"); ok {
		action = strings.TrimSpace(action)
		switch {
		case action == "action:paused" || action == "action:pause":
			return Event{Kind: EventPaused}, true
		case action == "action:resumed" || action == "action:resume":
			return Event{Kind: EventResumed}, true
		}
		return Event{}, false
	}

	// firmware echo of slicer comments
	line = strings.TrimPrefix(line, "echo:")

	if v, ok := strings.CutPrefix(line, ";LAYER:"); ok {
		layer, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return Event{}, false
		}
		return Event{Kind: EventLayerChange, Layer: layer}, true
	}

	if v, ok := strings.CutPrefix(line, ";Z:"); ok {
		z, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return Event{}, false
		}
		return Event{Kind: EventZChange, Z: z}, true
	}

	if strings.HasPrefix(line, "X:") {
		return parsePositionReport(line)
	}

	return Event{}, false
}

// parsePositionReport parses an M114-style report such as
// "X:100.00 Y:100.00 Z:7.00 E:12.40 Count X:8000 Y:8000 Z:2800".
// Only the logical coordinates before "Count" are used.
func parsePositionReport(line string) (Event, bool) {
	if i := strings.Index(line, "Count"); i >= 0 {
		line = line[:i]
	}

	ev := Event{Kind: EventPositionReached}
	var haveX, haveY, haveZ bool
	for _, field := range strings.Fields(line) {
		key, val, ok := strings.Cut(field, ":")
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			continue
		}
		switch key {
		case "X":
			ev.X, haveX = f, true
		case "Y":
			ev.Y, haveY = f, true
		case "Z":
			ev.Z, haveZ = f, true
		}
	}
	if !haveX || !haveY || !haveZ {
		return Event{}, false
	}
	return ev, true
}
