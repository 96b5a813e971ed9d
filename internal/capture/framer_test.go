package capture

import (
	"reflect"
	"strings"
	"testing"
)

func frame(input string) ([]string, *Framer) {
	f := NewFramer()
	var out []string
	for i := 0; i < len(input); i++ {
		if line, ok := f.Feed(input[i]); ok {
			out = append(out, line)
		}
	}
	return out, f
}

func TestFramerEnvelope(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
		state State
	}{
		{"simple", "BEGIN\nA\nEND\n", []string{"A"}, StateDone},
		{"noise around envelope", "garbage\r\nBEGIN\r\nA\r\nB\r\nEND\r\nafter\n", []string{"A", "B"}, StateDone},
		{"no begin", "A\nB\nEND\n", nil, StateBeforeBegin},
		{"no end", "BEGIN\nA\nB", []string{"A"}, StateInSession},
		{"empty lines skipped", "BEGIN\n\n\r\r\nA\n\n\nEND\n", []string{"A"}, StateDone},
		{"begin inside session is data", "BEGIN\nBEGIN\nEND\n", []string{"BEGIN"}, StateDone},
		{"markers must match exactly", "BEGIN \nBEGIN\n END\nEND\n", []string{" END"}, StateDone},
		{"no re-entry after end", "BEGIN\nA\nEND\nBEGIN\nB\nEND\n", []string{"A"}, StateDone},
		{"begin before end on same stream", "xBEGIN\nBEGIN\n01.06.2024 10:00:00;21.5\nEND\n", []string{"01.06.2024 10:00:00;21.5"}, StateDone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, f := frame(tt.input)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("lines = %q, want %q", got, tt.want)
			}
			if f.State() != tt.state {
				t.Fatalf("state = %s, want %s", f.State(), tt.state)
			}
		})
	}
}

func TestFramerLengthCap(t *testing.T) {
	long := strings.Repeat("x", 300)
	got, _ := frame("BEGIN\n" + long + "\nEND\n")
	if len(got) != 1 {
		t.Fatalf("expected one line, got %d", len(got))
	}
	if len(got[0]) != MaxLineLength || got[0] != long[:MaxLineLength] {
		t.Fatalf("line length = %d, want %d", len(got[0]), MaxLineLength)
	}
}

func TestFramerTruncatedEndMarker(t *testing.T) {
	// END после 254 символов мусора не распознаётся: строка обрезана, а не разделена.
	got, f := frame("BEGIN\n" + strings.Repeat("y", 260) + "END\nEND\n")
	if len(got) != 1 || f.State() != StateDone {
		t.Fatalf("got %d lines, state %s", len(got), f.State())
	}
}
