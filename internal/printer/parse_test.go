package printer

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseLine(t *testing.T) {
	cases := []struct {
		name string
		line string
		want Event
		ok   bool
	}{
		{"action paused", "// action:paused", Event{Kind: EventPaused}, true},
		{"action pause variant", "// action:pause", Event{Kind: EventPaused}, true},
		{"action resumed", "// action:resumed", Event{Kind: EventResumed}, true},
		{"action resume variant", "// action:resume", Event{Kind: EventResumed}, true},
		{"unknown action", "// action:prompt_begin", Event{}, false},
		{"layer comment", ";LAYER:42", Event{Kind: EventLayerChange, Layer: 42}, true},
		{"layer comment echoed", "echo:;LAYER:7", Event{Kind: EventLayerChange, Layer: 7}, true},
		{"z comment", ";Z:1.40", Event{Kind: EventZChange, Z: 1.4}, true},
		{"z comment echoed", "echo:;Z:0.60", Event{Kind: EventZChange, Z: 0.6}, true},
		{"z comment garbage", ";Z:abc", Event{}, false},
		{
			"position report",
			"X:100.00 Y:105.00 Z:7.00 E:12.40 Count X:8000 Y:8400 Z:2800",
			Event{Kind: EventPositionReached, X: 100, Y: 105, Z: 7},
			true,
		},
		{
			"position report without count",
			"X:10.50 Y:20.25 Z:0.30",
			Event{Kind: EventPositionReached, X: 10.5, Y: 20.25, Z: 0.3},
			true,
		},
		{"position report missing axis", "X:10.00 Y:20.00", Event{}, false},
		{"ok line", "ok", Event{}, false},
		{"temperature report", "T:210.0 /210.0 B:60.0 /60.0", Event{}, false},
		{"empty line", "", Event{}, false},
		{"whitespace padded action", "  // action:paused  ", Event{Kind: EventPaused}, true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, ok := ParseLine(c.line)
			if ok != c.ok {
				t.Fatalf("ParseLine(%q) ok = %v, want %v", c.line, ok, c.ok)
			}
			if diff := cmp.Diff(c.want, got); diff != "" {
				t.Errorf("ParseLine(%q) mismatch (-want +got):\n%s", c.line, diff)
			}
		})
	}
}

func TestParsePositionReportCountColumnIgnored(t *testing.T) {
	// stepper counts after "Count" must not overwrite logical coordinates
	ev, ok := ParseLine("X:1.00 Y:2.00 Z:3.00 Count X:999 Y:999 Z:999")
	if !ok {
		t.Fatal("report not parsed")
	}
	if ev.X != 1 || ev.Y != 2 || ev.Z != 3 {
		t.Errorf("parsed (%g, %g, %g), want (1, 2, 3)", ev.X, ev.Y, ev.Z)
	}
}

func TestEventKindString(t *testing.T) {
	kinds := map[EventKind]string{
		EventPaused:          "paused",
		EventResumed:         "resumed",
		EventPositionReached: "position",
		EventZChange:         "zchange",
		EventLayerChange:     "layerchange",
		EventKind(0):         "unknown",
	}
	for kind, want := range kinds {
		if got := kind.String(); got != want {
			t.Errorf("EventKind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}
