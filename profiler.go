package surfelrec

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type scopeTiming struct {
	start time.Time
	last  time.Duration
	total time.Duration
	calls int
}

// Profiler times named pipeline stages. It keeps the duration of the most
// recent run of each stage and a running mean, plus free-form counters. A nil
// *Profiler is valid and records nothing. It is owned by the fusion goroutine.
type Profiler struct {
	scopes map[string]*scopeTiming
	counts map[string]int
	order  []string
}

func NewProfiler() *Profiler {
	return &Profiler{
		scopes: make(map[string]*scopeTiming),
		counts: make(map[string]int),
	}
}

func (p *Profiler) BeginScope(name string) {
	if p == nil {
		return
	}
	s, ok := p.scopes[name]
	if !ok {
		s = &scopeTiming{}
		p.scopes[name] = s
		p.order = append(p.order, name)
	}
	s.start = time.Now()
}

func (p *Profiler) EndScope(name string) {
	if p == nil {
		return
	}
	s, ok := p.scopes[name]
	if !ok || s.start.IsZero() {
		return
	}
	s.last = time.Since(s.start)
	s.total += s.last
	s.calls++
	s.start = time.Time{}
}

func (p *Profiler) SetCount(name string, count int) {
	if p == nil {
		return
	}
	p.counts[name] = count
}

// Stages lists the stage names in first-use order.
func (p *Profiler) Stages() []string {
	return append([]string(nil), p.order...)
}

// Last is the duration of the latest completed run of a stage.
func (p *Profiler) Last(name string) time.Duration {
	if s, ok := p.scopes[name]; ok {
		return s.last
	}
	return 0
}

// Mean is the average duration over every completed run of a stage.
func (p *Profiler) Mean(name string) time.Duration {
	s, ok := p.scopes[name]
	if !ok || s.calls == 0 {
		return 0
	}
	return s.total / time.Duration(s.calls)
}

func (p *Profiler) Count(name string) int {
	return p.counts[name]
}

// Reset forgets all timings and counters but keeps the stage order.
func (p *Profiler) Reset() {
	for _, s := range p.scopes {
		*s = scopeTiming{}
	}
	clear(p.counts)
}

func (p *Profiler) String() string {
	var sb strings.Builder

	sb.WriteString("Timings (CPU):\n")
	for _, name := range p.order {
		s := p.scopes[name]
		fmt.Fprintf(&sb, "  %-15s: %.2f ms (mean %.2f ms over %d)\n", name,
			ms(s.last), ms(p.Mean(name)), s.calls)
	}

	sb.WriteString("\nStats:\n")
	keys := make([]string, 0, len(p.counts))
	for k := range p.counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "  %-15s: %d\n", k, p.counts[k])
	}
	return sb.String()
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}
