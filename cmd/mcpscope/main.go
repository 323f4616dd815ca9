// mcpscope - capturing gateway for Model Context Protocol traffic.
package main

import (
	"github.com/mcpscope/mcpscope/pkg/cli"
)

// Build-time variables set via ldflags
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cli.Version = Version
	cli.Commit = Commit
	cli.BuildDate = BuildDate
	cli.Execute()
}
