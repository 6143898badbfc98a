// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package trace records the execution of tasks on every rank, and renders it as a timeline.
package trace

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Event is the execution of one task.
type Event struct {
	Rank       int
	Name       string
	Start, End time.Duration // Since the creation of the Recorder.
}

// Class of the event: its name up to the first "(", e.g. "panel" for "panel(3)".
func (e Event) Class() string {
	name, _, _ := strings.Cut(e.Name, "(")
	return name
}

// Recorder collects events. It is safe for concurrent use, and it can be shared by all ranks of
// an in-process world.
type Recorder struct {
	id    uuid.UUID
	start time.Time

	mu     sync.Mutex
	events []Event
}

// NewRecorder creates a Recorder: event times are measured from now.
func NewRecorder() *Recorder {
	return &Recorder{id: uuid.New(), start: time.Now()}
}

// ID identifies the recorder, and it is included in the plot titles.
func (r *Recorder) ID() uuid.UUID { return r.id }

// Record an event. It's a no-op on a nil Recorder.
func (r *Recorder) Record(rank int, name string, start, end time.Time) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Rank: rank, Name: name, Start: start.Sub(r.start), End: end.Sub(r.start)})
}

// Len returns the number of events recorded.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Events returns a copy of the events, sorted by rank and start time.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	events := slices.Clone(r.events)
	r.mu.Unlock()
	slices.SortStableFunc(events, func(a, b Event) int {
		if c := cmp.Compare(a.Rank, b.Rank); c != 0 {
			return c
		}
		return cmp.Compare(a.Start, b.Start)
	})
	return events
}

// ClassSummary aggregates the events of a class.
type ClassSummary struct {
	Class string
	Count int
	Total time.Duration
}

// Summary aggregates the events per class, sorted by decreasing total time.
func (r *Recorder) Summary() []ClassSummary {
	byClass := make(map[string]*ClassSummary)
	for _, e := range r.Events() {
		s := byClass[e.Class()]
		if s == nil {
			s = &ClassSummary{Class: e.Class()}
			byClass[e.Class()] = s
		}
		s.Count++
		s.Total += e.End - e.Start
	}
	summary := make([]ClassSummary, 0, len(byClass))
	for _, s := range byClass {
		summary = append(summary, *s)
	}
	slices.SortFunc(summary, func(a, b ClassSummary) int {
		if c := cmp.Compare(b.Total, a.Total); c != 0 {
			return c
		}
		return cmp.Compare(a.Class, b.Class)
	})
	return summary
}

// lanes assigns each event of one rank to the first lane that is free at its start, so concurrent
// events don't overlap in the plot. It returns the lane of each event and the number of lanes.
func lanes(events []Event) ([]int, int) {
	assigned := make([]int, len(events))
	var laneEnds []time.Duration
	for idx, e := range events {
		lane := slices.IndexFunc(laneEnds, func(end time.Duration) bool { return end <= e.Start })
		if lane < 0 {
			lane = len(laneEnds)
			laneEnds = append(laneEnds, 0)
		}
		laneEnds[lane] = e.End
		assigned[idx] = lane
	}
	return assigned, len(laneEnds)
}

// Plot renders the timeline: time (in milliseconds) in the X axis and one band per rank in the Y axis,
// with one color per class of task.
func (r *Recorder) Plot(title string) (*plot.Plot, error) {
	events := r.Events()
	if len(events) == 0 {
		return nil, errors.New("no events recorded")
	}
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s (trace %s)", title, r.id.String()[:8])
	p.X.Label.Text = "time (ms)"
	p.Y.Label.Text = "rank"

	classColor := make(map[string]int)
	for start := 0; start < len(events); {
		rank := events[start].Rank
		end := start
		for end < len(events) && events[end].Rank == rank {
			end++
		}
		rankEvents := events[start:end]
		assigned, numLanes := lanes(rankEvents)
		for idx, e := range rankEvents {
			y := float64(rank) + float64(assigned[idx])/float64(numLanes+1)
			line, err := plotter.NewLine(plotter.XYs{
				{X: e.Start.Seconds() * 1000, Y: y},
				{X: e.End.Seconds() * 1000, Y: y},
			})
			if err != nil {
				return nil, errors.Wrapf(err, "plotting event %q of rank %d", e.Name, e.Rank)
			}
			class := e.Class()
			colorIdx, found := classColor[class]
			if !found {
				colorIdx = len(classColor)
				classColor[class] = colorIdx
			}
			line.LineStyle.Color = plotutil.Color(colorIdx)
			line.LineStyle.Width = vg.Points(4)
			p.Add(line)
			if !found {
				p.Legend.Add(class, line)
			}
		}
		start = end
	}
	p.Y.Min = -0.5
	p.Y.Max = float64(events[len(events)-1].Rank) + 1
	return p, nil
}

// Save renders the timeline to a file, in the format given by its extension (e.g. ".png", ".svg").
func (r *Recorder) Save(path, title string) error {
	p, err := r.Plot(title)
	if err != nil {
		return err
	}
	if err := p.Save(12*vg.Inch, 6*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "saving trace to %q", path)
	}
	return nil
}
