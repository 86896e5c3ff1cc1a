package main

import (
	"os"

	"github.com/manu5703/concurrent-analytics-system/cmd/jobctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
