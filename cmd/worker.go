package cmd

import (
	"os"
	"strconv"

	"mediaq/internal/worker"

	"github.com/spf13/cobra"
)

// workerIDEnv is set by the server for every worker it starts.
const workerIDEnv = "MEDIAQ_WORKER_ID"

func workerCmd() *cobra.Command {
	var command = &cobra.Command{
		Use:    "worker",
		Short:  "Run a media worker (started by the server)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(os.Getenv("LOG_LEVEL"))
			id := os.Getenv(workerIDEnv)
			if id == "" {
				id = strconv.Itoa(os.Getpid())
			}
			return worker.Run(id)
		},
	}
	return command
}
