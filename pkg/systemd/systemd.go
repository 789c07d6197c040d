// Package systemd wraps the sd_notify protocol. Every call is a no-op when
// the process was not started by systemd (NOTIFY_SOCKET unset).
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends state updates. The zero value talks to the real socket.
type Notifier struct {
	send func(state string) (bool, error)
}

// NotifierFunc routes notifications through fn instead of the socket.
func NotifierFunc(fn func(state string) (bool, error)) Notifier { return Notifier{send: fn} }

func (n Notifier) notify(state string) (bool, error) {
	if n.send != nil {
		return n.send(state)
	}
	return daemon.SdNotify(false, state)
}

func (n Notifier) Ready() (bool, error) { return n.notify(daemon.SdNotifyReady) }

func (n Notifier) Stopping() (bool, error) { return n.notify(daemon.SdNotifyStopping) }

func (n Notifier) Reloading() (bool, error) { return n.notify(daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func (n Notifier) Status(msg string) (bool, error) { return n.notify("STATUS=" + msg) }

// WatchdogInterval is half of WATCHDOG_USEC, or 0 when the watchdog is off.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

// Watchdog pings every interval while healthy returns true, until ctx is done.
// It returns immediately when interval <= 0.
func (n Notifier) Watchdog(ctx context.Context, interval time.Duration, healthy func() bool) error {
	if interval <= 0 {
		return nil
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && !healthy() {
				continue
			}
			if _, err := n.notify(daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
