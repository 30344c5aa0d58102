package main

import (
	"os"

	"classroom-quiz-master/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
