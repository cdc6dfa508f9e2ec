package main

import (
	"fmt"
	"os"
	"syscall"

	"github.com/sevlyar/go-daemon"
)

const daemonName = "ntsald"

var daemonCtx = &daemon.Context{
	PidFileName: fmt.Sprintf("/var/run/%s.pid", daemonName),
	PidFilePerm: 0644,
	WorkDir:     "./",
	Umask:       027,
	Args:        append([]string{daemonName}, os.Args[1:]...),
}

func killDaemon() error {
	proc, err := daemonCtx.Search()
	if err != nil {
		return fmt.Errorf("finding daemon: %w", err)
	}
	if err := syscall.Kill(proc.Pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("stopping daemon: %w", err)
	}
	return nil
}
