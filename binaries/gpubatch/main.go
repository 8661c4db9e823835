package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	cerrors "github.com/gpubatch/gpubatch/common/errors"
	"github.com/gpubatch/gpubatch/common/log/hooks"
	"github.com/gpubatch/gpubatch/scheduler/client/cli"
)

// CLI binary that batches GPU video-generation jobs and runs them on a backend
//	Supported commands: (see "-h" for all options)
//		run --jobs [jobs.yaml] [--allow_mixed] [--dry_run]
//		status [job id...]
//		config
//	Global flags:
//		--config [YAML config file]
//		--log_level [<error|info|debug> level and above should be logged]

func main() {
	log.AddHook(hooks.NewContextHook())

	if err := cli.NewCLI(os.Stdout).Exec(); err != nil {
		log.Error("Error running gpubatch: ", err)
		os.Exit(int(cerrors.ExitCodeOf(err)))
	}
}
