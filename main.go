package main

import (
	"github.com/packetloom/streamcap/cmd"
)

func main() {
	cmd.Execute()
}
