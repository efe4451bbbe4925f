package command

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/runningwild/grind/pkg/logx"
)

// RunStdin monitors standard input for command lines. The read is a poll(2)
// loop with a one second timeout so that cancellation is observed promptly
// even while no input arrives. EOF ends the monitor without stopping the
// workload.
func (h *Handler) RunStdin(ctx context.Context) error {
	fd := int(os.Stdin.Fd())
	oc := logx.NewOutput(nil)
	var pending []byte
	buf := make([]byte, 4096)

	for ctx.Err() == nil {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, 1000)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "poll stdin")
		}
		if n == 0 {
			continue
		}
		r, err := unix.Read(fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "read stdin")
		}
		if r == 0 {
			return nil
		}
		pending = append(pending, buf[:r]...)
		for {
			i := bytes.IndexByte(pending, '\n')
			if i < 0 {
				break
			}
			line := string(pending[:i])
			pending = pending[i+1:]
			h.Handle(line, oc)
		}
	}
	return nil
}

// RunSocket serves the command protocol on a unix stream socket. Each
// connection gets its own output controller so responses return to the peer
// that issued the command.
func (h *Handler) RunSocket(ctx context.Context, path string) error {
	ln, err := net.Listen("unix", path)
	if err != nil {
		return errors.Wrapf(err, "listen on %q", path)
	}
	defer os.Remove(path)
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	logrus.Infof("command socket listening on %q", path)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		go h.serveConn(conn)
	}
}

func (h *Handler) serveConn(conn net.Conn) {
	defer conn.Close()
	oc := logx.NewOutput(func(msg string) {
		if _, err := conn.Write([]byte(msg + "\n")); err != nil {
			logrus.Warnf("command response dropped: %v", err)
		}
	})
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		h.Handle(sc.Text(), oc)
	}
}
