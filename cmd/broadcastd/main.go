package main

import (
	"fmt"
	"os"

	"github.com/turtacn/broadcastd/internal/cli"
	"github.com/turtacn/broadcastd/pkg/logger"
)

func main() {
	defer crashExit()
	os.Exit(cli.Execute())
}

// crashExit logs a panic that escaped the event loop and exits non-zero.
func crashExit() {
	r := recover()
	if r == nil {
		return
	}
	if logger.Log != nil {
		logger.Log.Error("Panic recovered", "panic", r)
	} else {
		fmt.Fprintf(os.Stderr, "Panic recovered: %v\n", r)
	}
	os.Exit(2)
}

// Personal.AI order the ending
