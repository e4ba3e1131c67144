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
	"errors"
	"log"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/landlock-lsm/go-landlock/landlock"
)

type portMode int

const (
	bindPort portMode = iota
	connectPort
)

func portRule(port uint64, mode portMode) landlock.Rule {
	if port == 0 || port > 65535 {
		return nil
	}
	if mode == bindPort {
		return landlock.BindTCP(uint16(port))
	}
	return landlock.ConnectTCP(uint16(port))
}

// setupLandlock restricts the serve process to the files and ports named by
// its flags. Errors are logged and returned, the caller keeps running.
func setupLandlock(logger *log.Logger) error {
	if *pkcs11Module != "" {
		logger.Printf("warning: landlock disabled, PKCS#11 modules need access outside of the configured paths")
		return nil
	}

	fsRules := []landlock.Rule{}

	// syslog and temporary files
	for _, path := range []string{"/dev", "/var/run", "/tmp"} {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		fsRules = append(fsRules, landlock.RWDirs(path))
	}
	// name resolution, system roots, time zones and process metrics
	for _, path := range []string{"/etc", "/usr/share/zoneinfo", "/proc"} {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		fsRules = append(fsRules, landlock.RODirs(path))
	}
	for _, dir := range readOnlyDirs() {
		fsRules = append(fsRules, landlock.RODirs(dir))
	}
	for _, addr := range []string{*serveListenAddress, *serveStatusAddress} {
		if strings.HasPrefix(addr, "unix:") {
			fsRules = append(fsRules, landlock.RWDirs(filepath.Dir(addr[5:])))
		}
	}

	config := landlock.V4
	if err := config.RestrictPaths(fsRules...); err != nil {
		logger.Printf("warning: unable to set up landlock filesystem rules: %v", err)
		return err
	}

	if *ldapSRVDomain != "" {
		// Ports of SRV targets are only known at dial time.
		logger.Printf("landlock network rules not applied, --ldap-srv-domain is set")
		return nil
	}
	if err := config.RestrictNet(netRules()...); err != nil {
		logger.Printf("warning: unable to set up landlock network rules: %v", err)
		return err
	}
	return nil
}

// readOnlyDirs lists the parent directories of every file the process
// reloads. Whole directories are allowed since files are often replaced
// rather than rewritten.
func readOnlyDirs() []string {
	var paths []string
	paths = append(paths, *trustAnchorPaths...)
	paths = append(paths, *issuedCertPaths...)
	paths = append(paths, *crlPaths...)
	paths = append(paths, *agentPolicyPath, *serveKeystorePath, *serveCertPath, *serveKeyPath)

	seen := map[string]bool{}
	var dirs []string
	add := func(dir string) {
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		add(filepath.Dir(path))
		if target, err := filepath.EvalSymlinks(path); err == nil && target != path {
			add(filepath.Dir(target))
		}
	}
	return dirs
}

func netRules() []landlock.Rule {
	// DNS over TCP
	rules := []landlock.Rule{landlock.ConnectTCP(53)}
	add := func(rule landlock.Rule) {
		if rule != nil {
			rules = append(rules, rule)
		}
	}

	add(ruleFromAddress(*serveListenAddress, bindPort))
	add(ruleFromAddress(*serveStatusAddress, bindPort))
	if *metricsGraphite != nil {
		add(portRule(uint64((*metricsGraphite).Port), connectPort))
	}
	if *metricsURL != "" {
		add(ruleFromURL(*metricsURL))
	}
	if *ldapURL != "" {
		add(ruleFromURL(*ldapURL))
	}
	return rules
}

// ruleFromAddress handles HOST:PORT addresses. Sockets passed in by
// systemd or launchd and unix sockets need no network rule.
func ruleFromAddress(addr string, mode portMode) landlock.Rule {
	if strings.HasPrefix(addr, "unix:") || strings.HasPrefix(addr, "systemd:") || strings.HasPrefix(addr, "launchd:") {
		return nil
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil
	}
	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return nil
	}
	return portRule(n, mode)
}

// ruleFromURL allows connecting to the port of an http(s) or ldap(s) URL.
func ruleFromURL(rawURL string) landlock.Rule {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "http":
			port = "80"
		case "https":
			port = "443"
		case "ldap":
			port = "389"
		case "ldaps":
			port = "636"
		default:
			return nil
		}
	}
	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return nil
	}
	return portRule(n, connectPort)
}
