package main

import (
	"fmt"
	"os"

	censuscli "github.com/amirimatin/go-census/pkg/cli"
)

func main() {
	if err := censuscli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
