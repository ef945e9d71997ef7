package alert

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mrosas-dev/wxtrader/internal/ports"
)

// Console writes alerts to an io.Writer, stdout by default. Grounded on the
// teacher's notify.Console transport.
type Console struct {
	out io.Writer
}

func NewConsole() *Console { return &Console{out: os.Stdout} }

// NewConsoleWriter targets an arbitrary writer, for tests.
func NewConsoleWriter(w io.Writer) *Console { return &Console{out: w} }

func (c *Console) Send(_ context.Context, a ports.Alert) error {
	prefix := "routine"
	if a.Kind == ports.AlertImmediate {
		prefix = "IMMEDIATE"
	}
	_, err := fmt.Fprintf(c.out, "[%s] %s: %s\n", time.Now().Format("15:04:05"), prefix, a.Text)
	return err
}
