package dialect

import (
	"math"
	"strings"
)

// IO accumulates the bind parameters of one command. Every renderer that
// contributes to the command shares the same IO, so placeholder numbers never
// collide. Values are added in the order they appear in the command text.
type IO struct {
	placeholder func(int) string
	args        []any
}

// NewIO returns an empty accumulator using the dialect's placeholders.
func NewIO(d *Dialect) *IO {
	io := &IO{placeholder: QuestionPlaceholder}
	if d != nil && d.Placeholder != nil {
		io.placeholder = d.Placeholder
	}
	return io
}

// Add binds v and returns the placeholder referencing it.
func (io *IO) Add(v any) string {
	io.args = append(io.args, v)
	return io.placeholder(len(io.args))
}

// AddAll binds each value and returns the comma separated placeholders.
func (io *IO) AddAll(vs []any) string {
	marks := make([]string, len(vs))
	for i, v := range vs {
		marks[i] = io.Add(v)
	}
	return strings.Join(marks, ", ")
}

// Args returns the bound values in placeholder order.
func (io *IO) Args() []any {
	return io.args
}

// Len returns the number of bound values.
func (io *IO) Len() int {
	return len(io.args)
}

// Values returns the bound values keyed by their zero based position.
func (io *IO) Values() map[int]any {
	out := make(map[int]any, len(io.args))
	for i, v := range io.args {
		out[i] = v
	}
	return out
}

// rewind drops values bound after mark. Used when a rendered fragment is
// discarded.
func (io *IO) rewind(mark int) {
	switch {
	case mark == 0:
		io.args = nil
	case mark < len(io.args):
		io.args = io.args[:mark]
	}
}

// Clause is a rendered predicate. An empty Text with Null unset means "no
// restriction"; Null means the predicate can never hold.
type Clause struct {
	Text string
	Null bool
}

// Empty reports whether the clause places no restriction.
func (c Clause) Empty() bool {
	return c.Text == "" && !c.Null
}

// Command is one statement ready to send to a driver.
type Command struct {
	Text string
	Args []any
	// Returning is set when the statement yields rows.
	Returning bool
	// Keys is the number of rows an insert creates. Drivers that only report
	// the first generated key use it to derive the rest.
	Keys int
	// Table is the table the command reads or writes.
	Table string
}

// Outcome is the result of compiling a request: either statically empty, or a
// list of commands executed in order.
type Outcome struct {
	Empty    bool
	Commands []Command
}

// EmptyOutcome is returned when the request can be answered without a
// database round trip.
func EmptyOutcome() Outcome {
	return Outcome{Empty: true}
}

// Single wraps one command.
func Single(cmd Command) Outcome {
	return Outcome{Commands: []Command{cmd}}
}

// BatchSize returns the number of rows per multi-row statement: the
// configured maximum divided by a tenth of the row width, rounded half to
// even and never below one.
func BatchSize(max, columns int) int {
	div := int(math.RoundToEven(float64(columns) / 10))
	if div < 1 {
		div = 1
	}
	size := max / div
	if size < 1 {
		size = 1
	}
	return size
}
