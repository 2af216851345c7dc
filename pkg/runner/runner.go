// Package runner drives the process lifecycle: banner, start hooks, then a
// bounded drain when the context ends.
package runner

import (
	"bytes"
	"context"
	"io"
	"os"

	"github.com/dimiro1/banner"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

type Hooks struct {
	OnStart func()
	OnStop  func()
}

// Drainer refuses new calls and ends the live ones.
type Drainer interface {
	Drain() error
}

// Version is stamped at build time with -ldflags.
var Version = "dev"

// Banner is where PrintBanner writes. Tests point it at a buffer.
var Banner io.Writer = os.Stdout

func PrintBanner() {
	tpl := "{{ .Title \"BONDCAST\" \"\" 0 }}\nVersion: " + Version + "\n"
	banner.Init(Banner, true, false, bytes.NewBufferString(tpl))
}
