// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of geodb/irwi.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package runtimeEnv provides process-lifecycle helpers for long-running
// hosts of an IRWI tree: graceful shutdown on SIGINT/SIGTERM and optional
// systemd readiness notification.
package runtimeEnv

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/geodb/irwi/pkg/log"
)

// Closer is satisfied by anything that must be flushed/closed before the
// process exits, typically a *irwi.Tree.
type Closer interface {
	Close() error
}

// NotifyShutdown blocks until SIGINT or SIGTERM is received, then closes
// every given Closer in order and returns. §5 requires that on clean
// shutdown headers are persisted last so that either the prior or new state
// is fully visible on reopen; Close implementations are responsible for
// that ordering internally, this helper only sequences the calls.
func NotifyShutdown(closers ...Closer) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	SystemdNotifiy(false, "shutting down")
	for _, c := range closers {
		if err := c.Close(); err != nil {
			log.Errorf("runtimeEnv: error closing %T during shutdown: %v", c, err)
		}
	}
}

// SystemdNotifiy informs systemd of readiness/status changes, if the
// process was started under it:
// https://www.freedesktop.org/software/systemd/man/sd_notify.html
func SystemdNotifiy(ready bool, status string) {
	if os.Getenv("NOTIFY_SOCKET") == "" {
		return
	}

	args := []string{fmt.Sprintf("--pid=%d", os.Getpid())}
	if ready {
		args = append(args, "--ready")
	}
	if status != "" {
		args = append(args, fmt.Sprintf("--status=%s", status))
	}

	cmd := exec.Command("systemd-notify", args...)
	cmd.Run() // errors ignored on purpose, there is not much to do anyways.
}
