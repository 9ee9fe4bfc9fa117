package main

import (
	"fmt"
	"os"

	"github.com/bpicori/red-cell/internal/cli"
	"github.com/bpicori/red-cell/internal/platform"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == platform.InternalInitVerb {
		plat, err := platform.New()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		os.Exit(plat.RunInternalInit())
	}

	os.Exit(cli.RunCmd(os.Args[1:]))
}
