package main

import (
	"os"

	"github.com/flowflex/stagecondition/cmd/stagecondition/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
