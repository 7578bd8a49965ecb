// Command m3ctl is the bring-up CLI for M³: it does not boot real
// hardware but drives end-to-end scenarios against the in-process kernel,
// send-queue, session broker and TileMux packages so a reader can see the
// capability-and-communication core behave without attaching a debugger.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(&sendRecvCmd{}, "scenarios")
	subcommands.Register(&revokeCascadeCmd{}, "scenarios")
	subcommands.Register(&sessionOpenCmd{}, "scenarios")
	subcommands.Register(&pagerFlowCmd{}, "scenarios")
	subcommands.Register(&backpressureCmd{}, "scenarios")
	subcommands.Register(&quotaDeriveCmd{}, "scenarios")
	subcommands.Register(&allCmd{}, "scenarios")

	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	ctx := context.Background()
	os.Exit(int(subcommands.Execute(ctx)))
}
