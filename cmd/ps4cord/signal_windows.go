//go:build windows

package main

import (
	"context"
	"os"
	"os/signal"
)

// signalContext returns a context cancelled on Ctrl+C. The runtime also
// maps CTRL_BREAK_EVENT and console close to os.Interrupt.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt)
}
