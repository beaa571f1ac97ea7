package main

import (
	"fmt"
	"os"
	"strings"

	"gitlab.com/gitlab-org/labkit/errortracking"
	"go.uber.org/automaxprocs/maxprocs"

	"gitlab.com/gitlab-org/database-guard/database"
	"gitlab.com/gitlab-org/database-guard/log"
)

func main() {
	undo, err := maxprocs.Set(maxprocs.Logger(log.GetLogger().Debugf))
	defer undo()
	if err != nil {
		log.GetLogger().WithError(err).Warn("failed to set GOMAXPROCS")
	}

	if err := database.RootCmd.Execute(); err != nil {
		errortracking.Capture(err, errortracking.WithField("command", strings.Join(os.Args[1:], " ")))
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
