package main

import (
	"github.com/dshills/escarabajo/cmd/escarabajo/cmd"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	cmd.Execute(version, buildTime)
}
