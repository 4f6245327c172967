// Package timeslice records how long named phases take. Records go to the
// collector started with Start, if any, and are otherwise dropped.
package timeslice

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	Magic   uint32 = 0x4a544c46 // "JTLF"
	Version uint32 = 1
)

var (
	ErrAlreadyStarted = errors.New("timeslice: collector already started")
	ErrBadTrace       = errors.New("timeslice: malformed trace")
)

type Kind uint32

var (
	kindsMu sync.RWMutex
	kinds   = []string{""}
)

// RegisterKind returns a new phase identifier. Call it from package
// variable initializers.
func RegisterKind(name string) Kind {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	kinds = append(kinds, name)
	return Kind(len(kinds) - 1)
}

func (k Kind) String() string {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	if int(k) < len(kinds) && k != 0 {
		return kinds[k]
	}
	return fmt.Sprintf("kind(%d)", uint32(k))
}

type record struct {
	Kind     Kind  `msgpack:"k"`
	Duration int64 `msgpack:"d"`
}

type header struct {
	Magic   uint32   `msgpack:"magic"`
	Version uint32   `msgpack:"version"`
	Kinds   []string `msgpack:"kinds"`
	Records int      `msgpack:"records"`
}

// Collector accumulates records between Start and Stop. It is safe for
// concurrent use.
type Collector struct {
	mu      sync.Mutex
	records []record
}

var current atomic.Pointer[Collector]

// Start installs a new collector. Only one collector can be active.
func Start() (*Collector, error) {
	c := &Collector{}
	if !current.CompareAndSwap(nil, c) {
		return nil, ErrAlreadyStarted
	}
	return c, nil
}

// Stop detaches c. Records made afterwards are dropped.
func (c *Collector) Stop() {
	current.CompareAndSwap(c, nil)
}

func (c *Collector) add(kind Kind, d time.Duration) {
	c.mu.Lock()
	c.records = append(c.records, record{Kind: kind, Duration: d.Nanoseconds()})
	c.mu.Unlock()
}

// Record reports one duration for kind.
func Record(kind Kind, d time.Duration) {
	if c := current.Load(); c != nil {
		c.add(kind, d)
	}
}

// Since records the time elapsed since start.
func Since(kind Kind, start time.Time) {
	Record(kind, time.Since(start))
}

// Recorder measures consecutive phases of one goroutine's work.
type Recorder struct {
	last time.Time
}

func NewRecorder() *Recorder {
	return &Recorder{last: time.Now()}
}

// Record reports the time since the previous call (or NewRecorder) as kind.
func (r *Recorder) Record(kind Kind) {
	now := time.Now()
	Record(kind, now.Sub(r.last))
	r.last = now
}

// Stat summarizes the records of one kind.
type Stat struct {
	Name  string
	Count int
	Total time.Duration
	Min   time.Duration
	Max   time.Duration
}

func (s Stat) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// Summary aggregates the collected records per kind, in registration order.
func (c *Collector) Summary() []Stat {
	c.mu.Lock()
	defer c.mu.Unlock()
	return summarize(c.records, Kind.String)
}

func summarize(records []record, name func(Kind) string) []Stat {
	byKind := make(map[Kind]*Stat)
	var order []Kind
	for _, rec := range records {
		d := time.Duration(rec.Duration)
		st, ok := byKind[rec.Kind]
		if !ok {
			st = &Stat{Name: name(rec.Kind), Min: d, Max: d}
			byKind[rec.Kind] = st
			order = append(order, rec.Kind)
		}
		st.Count++
		st.Total += d
		st.Min = min(st.Min, d)
		st.Max = max(st.Max, d)
	}
	slices.Sort(order)
	out := make([]Stat, 0, len(order))
	for _, kind := range order {
		out = append(out, *byKind[kind])
	}
	return out
}

// WriteTrace encodes the collected records to w.
func (c *Collector) WriteTrace(w io.Writer) error {
	c.mu.Lock()
	records := slices.Clone(c.records)
	c.mu.Unlock()

	kindsMu.RLock()
	names := slices.Clone(kinds)
	kindsMu.RUnlock()

	enc := msgpack.NewEncoder(w)
	if err := enc.Encode(header{Magic: Magic, Version: Version, Kinds: names, Records: len(records)}); err != nil {
		return fmt.Errorf("timeslice: write header: %w", err)
	}
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("timeslice: write record: %w", err)
		}
	}
	return nil
}

// ReadTrace decodes a trace written by WriteTrace, calling fn for every
// record in order.
func ReadTrace(r io.Reader, fn func(name string, d time.Duration) error) error {
	dec := msgpack.NewDecoder(r)
	var hdr header
	if err := dec.Decode(&hdr); err != nil {
		return fmt.Errorf("%w: header: %w", ErrBadTrace, err)
	}
	if hdr.Magic != Magic {
		return fmt.Errorf("%w: magic %#x", ErrBadTrace, hdr.Magic)
	}
	if hdr.Version != Version {
		return fmt.Errorf("%w: version %d", ErrBadTrace, hdr.Version)
	}
	for range hdr.Records {
		var rec record
		if err := dec.Decode(&rec); err != nil {
			return fmt.Errorf("%w: record: %w", ErrBadTrace, err)
		}
		if rec.Kind == 0 || int(rec.Kind) >= len(hdr.Kinds) {
			return fmt.Errorf("%w: unknown kind %d", ErrBadTrace, rec.Kind)
		}
		if err := fn(hdr.Kinds[rec.Kind], time.Duration(rec.Duration)); err != nil {
			return err
		}
	}
	return nil
}

// SummarizeTrace reads a trace and aggregates it like Collector.Summary.
func SummarizeTrace(r io.Reader) ([]Stat, error) {
	var records []record
	index := make(map[string]Kind)
	var names []string
	err := ReadTrace(r, func(name string, d time.Duration) error {
		kind, ok := index[name]
		if !ok {
			names = append(names, name)
			kind = Kind(len(names))
			index[name] = kind
		}
		records = append(records, record{Kind: kind, Duration: d.Nanoseconds()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return summarize(records, func(k Kind) string { return names[k-1] }), nil
}
