package main

import (
	"errors"
	"io"
	"log/slog"
	"net"
)

// SetupLogging makes a text handler writing to w at level the default slog logger.
func SetupLogging(w io.Writer, level slog.Level) {
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

// CloseOrLog closes l, logging any error other than it already being closed.
func CloseOrLog(l net.Listener) {
	if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		slog.Error("error closing listener", "err", err, "addr", l.Addr())
	}
}
