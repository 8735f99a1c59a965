package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/muesli/termenv"
)

// Console renders progress as one line per build group, with a compact
// outcome legend: +new / ↑updated / ☓failed / ↷cache hits / ∅empty.
// Colors degrade automatically on dumb terminals via termenv.
type Console struct {
	mu      sync.Mutex
	out     io.Writer
	profile termenv.Profile

	group string
	units int
	done  int
}

// NewConsole creates a console sink writing to out.
func NewConsole(out io.Writer) *Console {
	return &Console{
		out:     out,
		profile: termenv.NewOutput(out).Profile,
	}
}

// Legend returns the one-line explanation of the outcome markers.
func (c *Console) Legend() string {
	sep := c.colored("/", "8")
	return fmt.Sprintf("Legend: %s%s%s%s%s%s%s%s%s",
		c.colored("+New", "2"), sep,
		c.colored("↑Updated", "2"), sep,
		c.colored("☓Errors", "1"), sep,
		c.colored("↷Cache Hits", "7"), sep,
		c.colored("∅Empty Cards", "12"))
}

func (c *Console) GroupStarted(name string, units int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.group = name
	c.units = units
	c.done = 0
}

func (c *Console) UnitAdvanced(label string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.done++
	fmt.Fprintf(c.out, "\r%s [%d/%d] %s", c.group, c.done, c.units, label)
}

func (c *Console) GroupDone(name string, s Summary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "\r%s %s\n", name, c.formatSummary(s))
}

func (c *Console) Message(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, "\n%s\n", text)
}

// formatSummary renders the compact outcome counts. A zero count is
// rendered muted so nonzero ones stand out.
func (c *Console) formatSummary(s Summary) string {
	sep := c.colored("/", "8")
	parts := []string{
		c.marker("+", s.New, "2"),
		c.marker("↑", s.Updated, "2"),
		c.marker("☓", s.Failed, "1"),
		c.marker("↷", s.CacheHits, "7"),
	}
	line := strings.Join(parts, sep)
	if s.Empty > 0 {
		line += sep + c.marker("∅", s.Empty, "12")
	}
	return line
}

func (c *Console) marker(symbol string, count int, color string) string {
	if count == 0 {
		color = "8"
	}
	return c.colored(fmt.Sprintf("%s%d", symbol, count), color)
}

func (c *Console) colored(s, color string) string {
	return termenv.String(s).Foreground(c.profile.Color(color)).String()
}
