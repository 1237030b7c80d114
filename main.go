package main

import (
	"fmt"
	"os"

	"github.com/ASH1998/LumiBox/cmd"
)

func main() {
	if err := cmd.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
