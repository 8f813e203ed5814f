// Package main is the entrypoint for gatekeeperctl, the HTTP
// administration client for a running Gatekeeper engine.
package main

import "github.com/nodewatch/gatekeeper/internal/ctl"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	ctl.Execute(version)
}
