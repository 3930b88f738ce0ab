package connector

import (
	"errors"
	"os"
)

// iina-cli forwards --mpv-* options to the embedded mpv.
const iinaSocketFlag = "--mpv-input-ipc-server="

var iinaCLIPaths = []string{
	"/opt/homebrew/bin/iina-cli",
	"/usr/local/bin/iina-cli",
}

// ErrIINANotFound means no iina-cli binary is installed.
var ErrIINANotFound = errors.New("iina-cli not found")

// IINA returns spawn options that drive IINA's embedded mpv through
// iina-cli. --keep-running stops IINA from quitting when the CLI detaches.
func IINA() (Options, error) {
	cli, err := findIINA()
	if err != nil {
		return Options{}, err
	}
	return IINAAt(cli), nil
}

// IINAAt returns the IINA spawn options for the iina-cli binary at cli.
func IINAAt(cli string) Options {
	return Options{
		Player:     cli,
		Args:       []string{"--keep-running", "--mpv-idle=yes", "--mpv-keep-open=yes"},
		SocketFlag: iinaSocketFlag,
	}
}

func findIINA() (string, error) {
	for _, path := range iinaCLIPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", ErrIINANotFound
}
