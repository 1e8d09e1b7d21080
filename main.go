package main

import (
	"github.com/stranger-cam/stranger/cmd"
	"github.com/stranger-cam/stranger/internal/logging"
)

func main() {
	// Initialize logging
	logging.Init()
	cmd.Execute()
}
