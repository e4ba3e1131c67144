//go:build linux

/*-
 * Copyright 2024, Ghostunnel
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// systemdNotifyStatus sends a free-form status line to systemd.
func systemdNotifyStatus(status string) {
	_, _ = daemon.SdNotify(false, "STATUS="+status)
}

// systemdNotifyReady sends a message to systemd to inform that we're ready.
func systemdNotifyReady() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
}

// systemdNotifyReloading sends a message to systemd to inform that we're reloading.
func systemdNotifyReloading() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReloading)
}

// systemdNotifyStopping sends a message to systemd to inform that we're stopping.
func systemdNotifyStopping() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
}

// systemdHandleWatchdog pings the systemd watchdog while isHealthy holds,
// until ctx is done. It returns right away when no watchdog is configured.
func systemdHandleWatchdog(ctx context.Context, isHealthy func(context.Context) bool) error {
	dur, err := daemon.SdWatchdogEnabled(false)
	if err != nil || dur == 0 {
		return err
	}
	ticker := time.NewTicker(dur / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if isHealthy(ctx) {
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
