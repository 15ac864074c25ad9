package main

import (
	"os"

	"github.com/golang/glog"

	"collabtext/cmd/collabsync/commands"
)

// Version information - set during build
var (
	version = "dev"
	commit  = "none"
)

func main() {
	commands.SetVersionInfo(version, commit)
	err := commands.Execute()
	glog.Flush()
	if err != nil {
		os.Exit(1)
	}
}
