package main

import (
	"github.com/theseus-os/crateman/cmd"
)

func main() {
	cmd.Execute()
}
