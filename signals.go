/*-
 * Copyright 2015 Square Inc.
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
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/ghostunnel/cmcauth/certloader"
	"github.com/ghostunnel/cmcauth/server"
)

var shutdownSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}

var reloadSignals = []os.Signal{syscall.SIGUSR1}

// signalHandler listens for incoming SIGTERM or SIGUSR1 signals. If we get
// SIGTERM, stop accepting requests and gracefully shut down the servers.
// If we get SIGUSR1, or the watcher reports a change, reload certificates,
// CRLs and policy. It returns once the servers are shut down, which
// happens too when ctx is canceled because another task failed.
func (c *Context) signalHandler(ctx context.Context, cancel context.CancelFunc, status *server.Status, cert certloader.Certificate, reload <-chan bool, servers ...*http.Server) error {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, append(shutdownSignals, reloadSignals...)...)
	defer signal.Stop(signals)

	for {
		select {
		case sig := <-signals:
			if isShutdownSignal(sig) {
				logger.Printf("received %s, shutting down", sig.String())
				c.shutdown(cancel, status, servers)
				return nil
			}
			logger.Printf("received %s, reloading", sig.String())
			c.reloadAll(status, cert)
		case <-reload:
			c.reloadAll(status, cert)
		case <-ctx.Done():
			c.shutdown(cancel, status, servers)
			return nil
		}
	}
}

func isShutdownSignal(sig os.Signal) bool {
	for _, s := range shutdownSignals {
		if s == sig {
			return true
		}
	}
	return false
}

func (c *Context) reloadAll(status *server.Status, cert certloader.Certificate) {
	status.Reloading()
	systemdNotifyReloading()

	err := c.reload()
	if certErr := cert.Reload(); certErr != nil {
		logger.Printf("error reloading server certificate: %s", certErr)
		err = certErr
	}
	if err != nil {
		systemdNotifyStatus("reload failed: " + err.Error())
	} else {
		logger.Printf("reloading complete, serving with %s", cert.GetIdentifier())
		systemdNotifyStatus("serving with " + cert.GetIdentifier())
	}

	status.Listening()
	systemdNotifyReady()
}

// shutdown drains in-flight requests for up to --shutdown-timeout and then
// closes whatever is left.
func (c *Context) shutdown(cancel context.CancelFunc, status *server.Status, servers []*http.Server) {
	status.Stopping()
	systemdNotifyStopping()
	cancel()

	ctx, done := context.WithTimeout(context.Background(), *serveShutdownTimeout)
	defer done()

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(srv *http.Server) {
			defer wg.Done()
			err := srv.Shutdown(ctx)
			if errors.Is(err, context.DeadlineExceeded) {
				logger.Printf("graceful shutdown timeout: forcing close")
				_ = srv.Close()
			}
		}(srv)
	}
	wg.Wait()
}
