package main

import (
	"fmt"
	"os"

	"relaymq/cmd/relaymq-cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
