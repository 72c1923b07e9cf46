package main

import (
	"net"
	"os"

	"github.com/keithlinneman/windowgate/internal/xerrors"
)

// sdNotify sends state to systemd when started as a Type=notify unit.
// Without NOTIFY_SOCKET it is an error the caller may ignore.
func sdNotify(state string) error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return xerrors.New("NOTIFY_SOCKET not set")
	}
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: addr, Net: "unixgram"})
	if err != nil {
		return xerrors.Wrapf(err, "systemd notify %s: dial", state)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(state)); err != nil {
		return xerrors.Wrapf(err, "systemd notify %s: write", state)
	}
	return nil
}
