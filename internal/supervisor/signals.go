package supervisor

import (
	"context"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
)

// HandleSignals installs the process-wide signal policy from spec.md §4.I:
// SIGHUP reloads configuration in place, SIGTERM shuts down immediately
// (force-closing every client socket), and SIGINT performs a graceful
// binary upgrade (re-exec the running binary with the listening socket
// inherited as a file descriptor, then stop accepting and drain this
// process; the replacement is started but not waited on). It blocks until
// ctx is canceled or a terminal signal has been handled.
func (s *Supervisor) HandleSignals(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				log.Info().Msg("SIGHUP received, reloading configuration")
				if err := s.Config.Reload(); err != nil {
					log.Warn().Err(err).Msg("config reload failed")
				}
			case syscall.SIGTERM:
				log.Info().Msg("SIGTERM received, shutting down immediately")
				s.RequestImmediateShutdown()
				return
			case syscall.SIGINT:
				log.Info().Msg("SIGINT received, starting graceful binary upgrade")
				if err := s.upgradeSelf(); err != nil {
					log.Warn().Err(err).Msg("binary upgrade failed, falling back to plain shutdown")
				}
				s.RequestShutdown()
				return
			}
		}
	}
}

// upgradeSelf re-executes the running binary with the listening socket's
// fd inherited through ExtraFiles, so the replacement process can start
// accepting immediately while this process drains its existing clients
// (spec.md §4.I REDESIGN FLAG: SIGINT triggers handover, not a hard stop).
func (s *Supervisor) upgradeSelf() error {
	if s.listener == nil {
		return nil
	}
	fd, err := listenerFD(s.listener)
	if err != nil {
		return err
	}

	file := os.NewFile(fd, "pgdoorman-listener")
	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{file}
	cmd.Env = append(os.Environ(), listenFDEnv+"=3")

	return cmd.Start()
}
