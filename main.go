package main

import (
	"github.com/subnetlink/node/cmd"
)

func main() {
	cmd.Execute()
}
