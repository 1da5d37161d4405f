package engine

import (
	"strings"
	"sync"
	"time"
)

// Marker is a milestone token on a supervised process's combined output. The
// bracketed tokens are the wire contract between the monitor and anything it
// supervises, including remote targets.
type Marker string

const (
	MarkerStart    Marker = "[START]"
	MarkerProgress Marker = "[PROGRESS]"
	MarkerValidate Marker = "[VALIDATE]"
	MarkerSuccess  Marker = "[SUCCESS]"
	MarkerError    Marker = "[ERROR]"
	MarkerWarning  Marker = "[WARNING]"
	MarkerMonitor  Marker = "[MONITOR]"
)

// knownMarkers lists every token the scanner recognizes, longest first so a
// prefix token can never shadow a longer one.
var knownMarkers = []Marker{
	MarkerProgress,
	MarkerValidate,
	MarkerWarning,
	MarkerMonitor,
	MarkerSuccess,
	MarkerStart,
	MarkerError,
}

// MarkerEvent is one recognized token with its surrounding line.
type MarkerEvent struct {
	Marker Marker    `json:"marker"`
	Line   string    `json:"line"`
	Seen   time.Time `json:"seen"`
}

// MarkerScanner is the single tokenizer for the marker protocol. It consumes
// output lines as they stream in and accumulates recognized milestones.
// Safe for concurrent use: the copy goroutine feeds it while the polling
// loop reads it.
type MarkerScanner struct {
	mu     sync.Mutex
	events []MarkerEvent
	seen   map[Marker]bool
}

// NewMarkerScanner creates an empty scanner.
func NewMarkerScanner() *MarkerScanner {
	return &MarkerScanner{
		seen: make(map[Marker]bool),
	}
}

// ScanLine inspects one output line for marker tokens. A line can carry more
// than one token; each is recorded once per occurrence.
func (s *MarkerScanner) ScanLine(line string) []MarkerEvent {
	found := make([]MarkerEvent, 0, 1)
	rest := line
	for len(rest) > 0 {
		idx := strings.IndexByte(rest, '[')
		if idx < 0 {
			break
		}
		rest = rest[idx:]
		matched := false
		for _, m := range knownMarkers {
			if strings.HasPrefix(rest, string(m)) {
				found = append(found, MarkerEvent{
					Marker: m,
					Line:   strings.TrimSpace(line),
					Seen:   time.Now(),
				})
				rest = rest[len(m):]
				matched = true
				break
			}
		}
		if !matched {
			rest = rest[1:]
		}
	}

	if len(found) > 0 {
		s.mu.Lock()
		for _, ev := range found {
			s.events = append(s.events, ev)
			s.seen[ev.Marker] = true
		}
		s.mu.Unlock()
	}
	return found
}

// Saw reports whether the given marker has appeared.
func (s *MarkerScanner) Saw(m Marker) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[m]
}

// Events returns a copy of all recorded marker events in order.
func (s *MarkerScanner) Events() []MarkerEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MarkerEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Markers returns the distinct markers observed, in first-seen order.
func (s *MarkerScanner) Markers() []Marker {
	s.mu.Lock()
	defer s.mu.Unlock()
	order := make([]Marker, 0, len(s.seen))
	listed := make(map[Marker]bool, len(s.seen))
	for _, ev := range s.events {
		if !listed[ev.Marker] {
			listed[ev.Marker] = true
			order = append(order, ev.Marker)
		}
	}
	return order
}
