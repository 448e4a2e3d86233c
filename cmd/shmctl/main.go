// Command shmctl creates, inspects, removes and exercises shared memory
// segments.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/srediag/shmsync/cmd/shmctl/commands"
)

const (
	cmdName   = "shmctl"
	shortDesc = "Manage shmsync shared memory segments."
	longDesc  = `shmctl manages named shared memory segments that carry a shmsync header.

It can create a segment and hold it, print the header of an existing one
without attaching, remove names left behind by crashed processes, run
contention checks against the futex mutex and condvar, and serve health and
prometheus endpoints for a set of segments.
`
)

func main() {
	cmd := commands.NewRootCmd(cmdName, shortDesc, longDesc)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, strings.TrimLeft(err.Error(), "\n"))
		os.Exit(1)
	}
}
