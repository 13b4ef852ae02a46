package main

import (
	"context"
	"os"

	"git.srvlab.io/whiskey/goquota/cmd/goquota/cmd"
)

func main() {
	os.Exit(cmd.Execute(context.Background()))
}
