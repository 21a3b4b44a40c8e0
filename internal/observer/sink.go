// Package observer carries the tunnel's human-facing output: timestamped log
// lines and a coarse status string.
//
// The relay core never depends on a presentation layer. It logs through slog
// and reports status through a Sink; headless deployments use Nop.
package observer

// Sink receives log lines and status updates. Implementations must be safe
// for concurrent use.
type Sink interface {
	Log(line string)
	Status(text string)
}

type Nop struct{}

func (Nop) Log(string)    {}
func (Nop) Status(string) {}
