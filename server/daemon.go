package server

import (
	"fmt"
	"log"
	"os"

	"github.com/sevlyar/go-daemon"
)

// daemonize detaches the process into the background using go-daemon,
// the same library the teacher's go.mod already names. On the parent
// side of the fork it does not return: the parent exits once the child
// is underway. On the child side it returns a stop function that
// releases the daemon context's resources (pidfile, log file) and should
// be deferred by the caller.
func daemonize(logger *log.Logger) (stop func(), err error) {
	cntxt := &daemon.Context{
		PidFileName: "/var/run/nbd-server.pid",
		PidFilePerm: 0644,
		LogFileName: "/var/log/nbd-server.log",
		LogFilePerm: 0640,
		WorkDir:     "/",
		Umask:       027,
	}

	child, err := cntxt.Reborn()
	if err != nil {
		return nil, fmt.Errorf("server: cannot daemonize: %w", err)
	}
	if child != nil {
		// Parent process: the child is now running independently.
		os.Exit(0)
	}

	logger.Printf("[INFO] running as daemon, pid %d", os.Getpid())
	return func() {
		_ = cntxt.Release()
	}, nil
}
