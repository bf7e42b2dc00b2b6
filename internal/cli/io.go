package cli

import (
	"fmt"
	"io"
)

// IO bundles the command's output streams so commands never touch
// os.Stdout or os.Stderr directly. Tests pass bytes.Buffers.
type IO struct {
	out    io.Writer
	errOut io.Writer
}

// NewIO returns an IO writing to the given streams.
func NewIO(out, errOut io.Writer) *IO {
	return &IO{out: out, errOut: errOut}
}

// Println writes a line to standard output.
func (o *IO) Println(a ...any) {
	_, _ = fmt.Fprintln(o.out, a...)
}

// Printf writes formatted text to standard output.
func (o *IO) Printf(format string, a ...any) {
	_, _ = fmt.Fprintf(o.out, format, a...)
}

// ErrPrintln writes a line to standard error.
func (o *IO) ErrPrintln(a ...any) {
	_, _ = fmt.Fprintln(o.errOut, a...)
}
