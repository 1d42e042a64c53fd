package main

import (
	"os"

	"github.com/apex/log"
	clihandler "github.com/apex/log/handlers/cli"

	"github.com/blacktop/ld64/cmd/ld64/cmd"
)

func main() {
	log.SetHandler(clihandler.Default)
	cmd.Execute()
}
