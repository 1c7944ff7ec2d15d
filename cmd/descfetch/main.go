package main

import (
	"context"
	"os"

	"descfetch/internal/app"
)

func main() {
	if err := app.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
