// Package progress defines the event sink the pipeline reports through.
//
// The core never renders UI directly: it emits discrete events and the
// sink decides how (or whether) to display them. The console renderer
// lives in this package; tests and dry runs use Nop or a recording fake.
package progress

// Summary is the per-group (and, accumulated, per-run) outcome counts.
type Summary struct {
	New       int
	Updated   int
	Failed    int
	CacheHits int
	Empty     int
}

// Add accumulates another summary into s.
func (s *Summary) Add(o Summary) {
	s.New += o.New
	s.Updated += o.Updated
	s.Failed += o.Failed
	s.CacheHits += o.CacheHits
	s.Empty += o.Empty
}

// Total returns the number of cards the summary covers.
func (s Summary) Total() int {
	return s.New + s.Updated + s.Failed + s.CacheHits + s.Empty
}

// Sink consumes pipeline progress events. Implementations must tolerate
// concurrent UnitAdvanced and Message calls from scheduler workers.
type Sink interface {
	// GroupStarted announces a build group (one source file) and how
	// many units it contains.
	GroupStarted(name string, units int)

	// UnitAdvanced reports one finished unit within the current group.
	UnitAdvanced(label string)

	// GroupDone closes the current group with its outcome counts.
	GroupDone(name string, summary Summary)

	// Message emits out-of-band text (compiler errors, warnings).
	Message(text string)
}

// Nop is a Sink that discards everything.
type Nop struct{}

func (Nop) GroupStarted(string, int)    {}
func (Nop) UnitAdvanced(string)         {}
func (Nop) GroupDone(string, Summary)   {}
func (Nop) Message(string)              {}
