/*-
 * Copyright 2018 Square Inc.
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
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/ghostunnel/cmcauth/audit"
	"github.com/ghostunnel/cmcauth/auth"
	"github.com/ghostunnel/cmcauth/certloader"
	"github.com/ghostunnel/cmcauth/server"
	"github.com/ghostunnel/cmcauth/socket"
	metrics "github.com/rcrowley/go-metrics"
	"golang.org/x/sync/errgroup"
)

const proxyHeaderTimeout = 10 * time.Second

// acl builds the access control list from the --allow flags, or nil when
// none are set.
func acl() *auth.ACL {
	a := &auth.ACL{
		AllowAll:    *serveAllowAll,
		AllowedCNs:  *serveAllowedCNs,
		AllowedOUs:  *serveAllowedOUs,
		AllowedDNSs: *serveAllowedDNSs,
		AllowedIPs:  *serveAllowedIPs,
		AllowedURIs: *serveAllowedURIs,
	}
	if a.Empty() {
		return nil
	}
	return a
}

func buildCertificate() (certloader.Certificate, error) {
	if *serveKeystorePath != "" {
		return certloader.CertificateFromKeystore(*serveKeystorePath, *serveKeystorePass)
	}
	return certloader.CertificateFromPEMFiles(*serveCertPath, *serveKeyPath)
}

// certificateCheck fails once the server certificate has expired.
func certificateCheck(cert certloader.Certificate) func(context.Context) error {
	return func(context.Context) error {
		_, leaf, _ := cert.Signer()
		if leaf != nil && time.Now().After(leaf.NotAfter) {
			return fmt.Errorf("server certificate expired at %s", leaf.NotAfter.Format(time.RFC3339))
		}
		return nil
	}
}

// openListener opens a TLS listener. PROXY protocol headers, when enabled,
// are read before the TLS handshake.
func openListener(address string, config *tls.Config, proxyProtocol bool) (net.Listener, error) {
	listener, err := socket.ParseAndOpen(address)
	if err != nil {
		return nil, err
	}
	if proxyProtocol {
		listener = socket.WithProxyProtocol(listener, proxyHeaderTimeout)
	}
	return certloader.NewListener(listener, config), nil
}

// submissionHandler routes the configured authenticator to its endpoint.
func submissionHandler(ctx *Context) (*server.Server, error) {
	config := server.Config{
		Tokens:          ctx.tokens,
		ACL:             acl(),
		MaxRequestBytes: *serveMaxRequestBytes,
		MaxConcurrent:   *serveMaxConcurrent,
		Logger:          logger,
	}
	if *authenticatorKind == authDirectory {
		config.Login = ctx.authenticator
	} else {
		config.CMC = ctx.authenticator
	}
	return server.New(config)
}

func serve() error {
	registry := metrics.DefaultRegistry
	sink := audit.NewLog(zapLogger.Named("audit"), 0, metrics.GetOrRegisterCounter("audit.dropped", registry))

	ctx, err := buildContext(sink, registry)
	if err != nil {
		_ = sink.Close()
		return err
	}
	// The audit log is flushed last.
	ctx.closers = append([]io.Closer{sink}, ctx.closers...)
	defer ctx.Close()

	cert, err := buildCertificate()
	if err != nil {
		return fmt.Errorf("unable to load server certificate: %w", err)
	}
	tlsConfig := certloader.ServerConfig(cert, ctx.store, nil)

	handler, err := submissionHandler(ctx)
	if err != nil {
		return err
	}
	status := server.NewStatus(version, certificateCheck(cert))
	metricsHandler := startMetrics(registry)

	if !*serveDisableLandlock {
		_ = setupLandlock(logger)
	}

	listener, err := openListener(*serveListenAddress, tlsConfig, *serveProxyProtocol)
	if err != nil {
		return fmt.Errorf("unable to open listener: %w", err)
	}
	servers := []*http.Server{{
		Handler:           handler,
		ErrorLog:          logger,
		ReadHeaderTimeout: 30 * time.Second,
	}}
	listeners := []net.Listener{listener}

	if *serveStatusAddress != "" {
		statusListener, err := openListener(*serveStatusAddress, tlsConfig, false)
		if err != nil {
			listener.Close()
			return fmt.Errorf("unable to open status listener: %w", err)
		}
		logger.Printf("status port enabled; serving status on https://%s/_status", *serveStatusAddress)
		servers = append(servers, &http.Server{
			Handler:           statusMux(status, metricsHandler, *serveEnableProf),
			ErrorLog:          logger,
			ReadHeaderTimeout: 30 * time.Second,
		})
		listeners = append(listeners, statusListener)
	}

	g, gctx := errgroup.WithContext(context.Background())
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	for i := range servers {
		srv, l := servers[i], listeners[i]
		g.Go(func() error {
			if err := srv.Serve(l); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	reload := make(chan bool, 1)
	files := nonEmpty(append(ctx.watchedFiles(), *serveKeystorePath, *serveCertPath, *serveKeyPath))
	g.Go(func() error {
		return ctx.signalHandler(runCtx, cancel, status, cert, reload, servers...)
	})
	g.Go(func() error {
		if err := watchAuto(runCtx, files, reload); err != nil {
			logger.Printf("unable to watch files, reload on change disabled: %s", err)
		}
		return nil
	})
	if *serveTimedReload > 0 {
		g.Go(func() error {
			watchTimed(runCtx, files, *serveTimedReload, reload)
			return nil
		})
	}
	g.Go(func() error {
		if err := systemdHandleWatchdog(runCtx, status.Healthy); err != nil {
			logger.Printf("watchdog disabled: %s", err)
		}
		return nil
	})

	status.Listening()
	systemdNotifyReady()
	systemdNotifyStatus("serving with " + cert.GetIdentifier())
	logger.Printf("%s authenticator listening on %s with %s", ctx.authenticator.Name(), *serveListenAddress, cert.GetIdentifier())

	err = g.Wait()
	logger.Printf("all listeners closed, shutting down")
	return err
}

func nonEmpty(in []string) []string {
	out := in[:0:0]
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
