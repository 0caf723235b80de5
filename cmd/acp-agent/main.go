// Command acp-agent runs the ACP JSON-RPC agent over stdio or HTTP,
// wiring together the session plane, the six ACP method handlers, and
// whichever transport the operator selects. Grounded on cmd/server/main.go's
// flag-driven single-binary shape, restructured onto spf13/cobra per
// houzhh15-mote's command-tree style since this binary grows a real
// subcommand surface (serve, version) rather than the teacher's
// switch-on-os.Args dispatch.
package main

import (
	"fmt"
	"os"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0".
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
