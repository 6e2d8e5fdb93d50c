package supervisor

import (
	"github.com/loykin/sidekick/internal/ports"
	"github.com/loykin/sidekick/internal/process"
	"github.com/loykin/sidekick/internal/state"
)

type commandAction int

const (
	actionStart commandAction = iota
	actionStop
	actionShutdown
	actionRestart
	actionRestartForUpdate
	actionCheckUpdate

	// Worker results.
	actionLocked
	actionRecovered
	actionResolved
	actionLaunched
	actionTerminated

	// Timers and listeners.
	actionHealthTick
	actionHealthResult
	actionProcessTick
	actionPrefChanged
)

type command struct {
	action commandAction
	reply  chan error

	epoch  uint64
	gen    uint64
	all    bool
	ok     bool
	pid    int
	err    error
	key    string
	done   func(ok bool)
	ports  ports.ServerPorts
	launch process.LaunchResult
	orphan state.Outcome
}

func (c command) respond(err error) {
	if c.reply != nil {
		c.reply <- err
	}
}
