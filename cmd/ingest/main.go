package main

import (
	"context"
	"os"
	"projectsync/internal/cli"
)

func main() {
	if err := cli.Execute(context.Background()); err != nil {
		os.Exit(1)
	}
}
