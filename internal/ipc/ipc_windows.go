//go:build windows

package ipc

import (
	"net"

	winio "github.com/Microsoft/go-winio"
)

const pipeName = `\\.\pipe\meshclip`

func socketPath() string { return pipeName }

func listenIPC(_ string) (net.Listener, error) {
	return winio.ListenPipe(pipeName, nil)
}

func dialIPC(_ string) (net.Conn, error) {
	return winio.DialPipe(pipeName, nil)
}
