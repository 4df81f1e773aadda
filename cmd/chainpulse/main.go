package main

import (
	"context"
	"fmt"
	"os"

	"github.com/chainpulse/chainpulse/internal/handlers/cli"
)

func main() {
	if err := cli.Run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "chainpulse:", err)
		os.Exit(1)
	}
}
