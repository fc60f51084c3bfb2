package main

import (
	"context"
	"os"
)

func main() {
	a := newApp()
	if err := a.rootCmd().ExecuteContext(context.Background()); err != nil {
		a.logger.Errorf("%s", err)
		os.Exit(1)
	}
}
