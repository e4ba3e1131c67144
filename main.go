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
	"fmt"
	"io"
	"log"
	"os"
	"runtime"
	"strings"

	"github.com/alecthomas/kingpin/v2"
	"github.com/ghostunnel/cmcauth/audit"
	"github.com/ghostunnel/cmcauth/policy"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version              = "master"
	defaultMetricsPrefix = "cmcauth"
)

// Authenticator variants selectable with --authenticator.
const (
	authCMCAgent  = "cmc-agent"
	authCMCUser   = "cmc-user"
	authDirectory = "directory"
)

var (
	app = kingpin.New("cmcauth", "Authenticates CMC certificate requests and directory logins for a certificate authority.")

	// Logging
	logFormat = app.Flag("log-format", "Log output format (json or console).").Envar("CMCAUTH_LOG_FORMAT").Default("json").Enum("json", "console")
	useSyslog = app.Flag("syslog", "Send logs and audit records to syslog instead of stderr.").Envar("CMCAUTH_SYSLOG").Bool()

	// Certificate store
	trustAnchorPaths = app.Flag("cacert", "Path to trust anchor bundle (PEM/DER/PKCS#7, can be repeated).").Envar("CMCAUTH_CACERT").PlaceHolder("PATH").Strings()
	issuedCertPaths  = app.Flag("issued", "Path to certificates issued by the CA, looked up by issuer and serial (can be repeated).").Envar("CMCAUTH_ISSUED").PlaceHolder("PATH").Strings()
	crlPaths         = app.Flag("crl", "Path to a certificate revocation list (PEM/DER, can be repeated).").Envar("CMCAUTH_CRL").PlaceHolder("PATH").Strings()
	storePassword    = app.Flag("cacert-password", "Password of --cacert and --issued files kept in a keystore (JCEKS/PKCS12).").Envar("CMCAUTH_CACERT_PASSWORD").PlaceHolder("PASS").String()

	// Authentication
	authenticatorKind = app.Flag("authenticator", "Authenticator to run (cmc-agent, cmc-user or directory).").Envar("CMCAUTH_AUTHENTICATOR").Default(authCMCAgent).Enum(authCMCAgent, authCMCUser, authDirectory)
	authName          = app.Flag("name", "Authenticator instance name recorded in tokens (default: the authenticator kind).").Envar("CMCAUTH_NAME").String()
	verifyToken       = app.Flag("verify-token", "Crypto token verifying request signatures.").Envar("CMCAUTH_VERIFY_TOKEN").Default("internal").String()
	popToken          = app.Flag("pop-token", "Crypto token verifying proof of possession.").Envar("CMCAUTH_POP_TOKEN").Default("internal").String()
	verifyPOP         = app.Flag("verify-pop", "Verify the proof of possession of every enrollment request.").Envar("CMCAUTH_VERIFY_POP").Bool()
	checkRevocation   = app.Flag("check-revocation", "Reject signers whose certificate is on a CRL (always on for cmc-user).").Envar("CMCAUTH_CHECK_REVOCATION").Default("true").Bool()
	checkChain        = app.Flag("check-chain", "Require signer certificates from --issued to chain to a trust anchor. Certificates only embedded in a request always must.").Envar("CMCAUTH_CHECK_CHAIN").Default("true").Bool()
	allowSelfSigned   = app.Flag("unsafe-allow-self-signed", "Accept requests signed only by the key being enrolled (cmc-user). Proves nothing about the requester.").Envar("CMCAUTH_UNSAFE_ALLOW_SELF_SIGNED").Bool()
	agentPolicyPath   = app.Flag("agent-policy", "Rego policy mapping agent certificates to identities (cmc-agent).").Envar("CMCAUTH_AGENT_POLICY").PlaceHolder("PATH").String()
	agentPolicyQuery  = app.Flag("agent-policy-query", "Query evaluated against the agent policy.").Envar("CMCAUTH_AGENT_POLICY_QUERY").Default(policy.DefaultQuery).String()

	// Directory
	ldapURL            = app.Flag("ldap-url", "Directory URL, ldap:// or ldaps:// (directory).").Envar("CMCAUTH_LDAP_URL").PlaceHolder("URL").String()
	ldapSRVDomain      = app.Flag("ldap-srv-domain", "Locate the directory through _ldap._tcp SRV records of this domain.").Envar("CMCAUTH_LDAP_SRV_DOMAIN").PlaceHolder("DOMAIN").String()
	ldapStartTLS       = app.Flag("ldap-starttls", "Upgrade ldap:// connections with StartTLS.").Envar("CMCAUTH_LDAP_STARTTLS").Bool()
	ldapBaseDN         = app.Flag("ldap-base-dn", "Base DN searched for user entries.").Envar("CMCAUTH_LDAP_BASE_DN").PlaceHolder("DN").String()
	ldapUIDAttribute   = app.Flag("ldap-uid-attr", "Attribute holding the login name.").Envar("CMCAUTH_LDAP_UID_ATTR").Default("uid").String()
	ldapBindDN         = app.Flag("ldap-bind-dn", "DN to bind as before searching (optional).").Envar("CMCAUTH_LDAP_BIND_DN").PlaceHolder("DN").String()
	ldapBindPassword   = app.Flag("ldap-bind-password", "Password of --ldap-bind-dn.").Envar("CMCAUTH_LDAP_BIND_PASSWORD").PlaceHolder("PASS").String()
	ldapSubjectPattern = app.Flag("ldap-subject-pattern", "Pattern building the certificate subject from the user entry.").Envar("CMCAUTH_LDAP_SUBJECT_PATTERN").PlaceHolder("PATTERN").String()
	ldapAttributes     = app.Flag("ldap-attr", "Entry attribute copied into the token (can be repeated).").Envar("CMCAUTH_LDAP_ATTR").PlaceHolder("NAME").Strings()
	ldapTimeout        = app.Flag("ldap-timeout", "Timeout for directory operations.").Envar("CMCAUTH_LDAP_TIMEOUT").Default("10s").Duration()

	// PKCS#11
	pkcs11Module     = app.Flag("pkcs11-module", "Path to PKCS#11 module (SO) file (optional).").Envar("CMCAUTH_PKCS11_MODULE").PlaceHolder("PATH").ExistingFile()
	pkcs11TokenLabel = app.Flag("pkcs11-token-label", "Token label for slot/key in PKCS#11 module.").Envar("CMCAUTH_PKCS11_TOKEN_LABEL").String()
	pkcs11PIN        = app.Flag("pkcs11-pin", "PIN code for slot/key in PKCS#11 module.").Envar("CMCAUTH_PKCS11_PIN").String()
	pkcs11Cert       = app.Flag("pkcs11-cert", "Certificate of the PKCS#11 key (PEM).").Envar("CMCAUTH_PKCS11_CERT").PlaceHolder("PATH").ExistingFile()
	pkcs11Name       = app.Flag("pkcs11-name", "Name the PKCS#11 token is registered under.").Envar("CMCAUTH_PKCS11_NAME").Default("hsm").String()

	// Metrics
	metricsGraphite = app.Flag("metrics-graphite", "Collect metrics and report them to the given graphite instance (raw TCP).").Envar("CMCAUTH_METRICS_GRAPHITE").PlaceHolder("ADDR").TCP()
	metricsURL      = app.Flag("metrics-url", "Collect metrics and POST them periodically to the given URL (via HTTP/JSON).").Envar("CMCAUTH_METRICS_URL").PlaceHolder("URL").String()
	metricsPrefix   = app.Flag("metrics-prefix", fmt.Sprintf("Set prefix string for all reported metrics (default: %s).", defaultMetricsPrefix)).Envar("CMCAUTH_METRICS_PREFIX").PlaceHolder("PREFIX").Default(defaultMetricsPrefix).String()
	metricsInterval = app.Flag("metrics-interval", "Collect (and post/send) metrics every specified interval.").Envar("CMCAUTH_METRICS_INTERVAL").Default("30s").Duration()

	// Serve
	serveCommand         = app.Command("serve", "Serve the submission endpoint over HTTPS.")
	serveListenAddress   = serveCommand.Flag("listen", "Address and port to listen on (can be HOST:PORT, unix:PATH, systemd:NAME or launchd:NAME).").Envar("CMCAUTH_LISTEN").PlaceHolder("ADDR").Required().String()
	serveKeystorePath    = serveCommand.Flag("keystore", "Path to server certificate and private key (PEM with cert/key, or PKCS12).").Envar("CMCAUTH_KEYSTORE").PlaceHolder("PATH").String()
	serveKeystorePass    = serveCommand.Flag("storepass", "Password for certificate and keystore (optional).").Envar("CMCAUTH_STOREPASS").PlaceHolder("PASS").String()
	serveCertPath        = serveCommand.Flag("cert", "Path to server certificate (PEM, alternative to --keystore).").Envar("CMCAUTH_CERT").PlaceHolder("PATH").String()
	serveKeyPath         = serveCommand.Flag("key", "Path to server private key (PEM, alternative to --keystore).").Envar("CMCAUTH_KEY").PlaceHolder("PATH").String()
	serveAllowAll        = serveCommand.Flag("allow-all", "Allow all TLS clients with a valid certificate.").Envar("CMCAUTH_ALLOW_ALL").Bool()
	serveAllowedCNs      = serveCommand.Flag("allow-cn", "Allow clients with given common name (can be repeated).").Envar("CMCAUTH_ALLOW_CN").PlaceHolder("CN").Strings()
	serveAllowedOUs      = serveCommand.Flag("allow-ou", "Allow clients with given organizational unit name (can be repeated).").Envar("CMCAUTH_ALLOW_OU").PlaceHolder("OU").Strings()
	serveAllowedDNSs     = serveCommand.Flag("allow-dns", "Allow clients with given DNS subject alternative name (can be repeated).").Envar("CMCAUTH_ALLOW_DNS").PlaceHolder("DNS").Strings()
	serveAllowedIPs      = serveCommand.Flag("allow-ip", "Allow clients with given IP subject alternative name (can be repeated).").Envar("CMCAUTH_ALLOW_IP").PlaceHolder("IP").IPList()
	serveAllowedURIs     = serveCommand.Flag("allow-uri", "Allow clients with given URI subject alternative name (can be repeated).").Envar("CMCAUTH_ALLOW_URI").PlaceHolder("URI").Strings()
	serveStatusAddress   = serveCommand.Flag("status", "Enable serving /_status and /_metrics on given HOST:PORT (or unix:SOCKET).").Envar("CMCAUTH_STATUS").PlaceHolder("ADDR").String()
	serveEnableProf      = serveCommand.Flag("enable-pprof", "Enable serving /debug/pprof endpoints alongside /_status (for profiling).").Envar("CMCAUTH_ENABLE_PPROF").Bool()
	serveProxyProtocol   = serveCommand.Flag("proxy-protocol", "Accept PROXY protocol headers to recover client addresses behind a load balancer.").Envar("CMCAUTH_PROXY_PROTOCOL").Bool()
	serveTimedReload     = serveCommand.Flag("timed-reload", "Reload certificates, CRLs and policy every given interval.").Envar("CMCAUTH_TIMED_RELOAD").PlaceHolder("DURATION").Duration()
	serveShutdownTimeout = serveCommand.Flag("shutdown-timeout", "Process shutdown timeout. Terminates after timeout even if requests are still in flight.").Envar("CMCAUTH_SHUTDOWN_TIMEOUT").Default("5m").Duration()
	serveMaxRequestBytes = serveCommand.Flag("max-request-bytes", "Largest accepted request body.").Envar("CMCAUTH_MAX_REQUEST_BYTES").Default("1048576").Int64()
	serveMaxConcurrent   = serveCommand.Flag("max-concurrent", "Maximum number of requests authenticated at once (0 for no limit).").Envar("CMCAUTH_MAX_CONCURRENT").Default("0").Int64()
	serveDisableLandlock = serveCommand.Flag("disable-landlock", "Do not restrict file and network access with landlock (Linux only).").Envar("CMCAUTH_DISABLE_LANDLOCK").Bool()

	// Verify
	verifyCommand     = app.Command("verify", "Authenticate a CMC request offline and print the resulting token.")
	verifyRequestPath = verifyCommand.Flag("request", "Path to the CMC request (base64, optionally PEM framed).").Required().ExistingFile()
	verifyClientCert  = verifyCommand.Flag("client-cert", "Certificate to treat as the TLS client certificate (PEM).").ExistingFile()

	// Request
	requestCommand   = app.Command("request", "Build and sign a CMC request.")
	requestCSRPaths  = requestCommand.Flag("csr", "PKCS#10 request to enroll (PEM or DER, can be repeated).").PlaceHolder("PATH").ExistingFiles()
	requestRevoke    = requestCommand.Flag("revoke", "Serial number to revoke, decimal or 0x-prefixed hex (can be repeated).").PlaceHolder("SERIAL").Strings()
	requestIssuer    = requestCommand.Flag("revoke-issuer", "Issuer of the revoked certificates (default: issuer of the signer).").PlaceHolder("PATH").ExistingFile()
	requestReason    = requestCommand.Flag("reason", "CRL reason code of the revocation.").Default("0").Int()
	requestComment   = requestCommand.Flag("comment", "Comment attached to the revocation.").String()
	requestKeystore  = requestCommand.Flag("keystore", "Path to signer certificate and private key (PEM with cert/key, or PKCS12).").PlaceHolder("PATH").String()
	requestStorePass = requestCommand.Flag("storepass", "Password for the signer keystore (optional).").PlaceHolder("PASS").String()
	requestCertPath  = requestCommand.Flag("cert", "Path to signer certificate (PEM, alternative to --keystore).").PlaceHolder("PATH").String()
	requestKeyPath   = requestCommand.Flag("key", "Path to signer private key (PEM, alternative to --keystore).").PlaceHolder("PATH").String()
	requestUnsigned  = requestCommand.Flag("unsigned", "Emit PKIData without a signature.").Bool()
	requestHash      = requestCommand.Flag("hash", "Digest algorithm of the signature.").Default("sha256").Enum("sha256", "sha384", "sha512")
	requestOutput    = requestCommand.Flag("out", "Output file (default: stdout).").Short('o').PlaceHolder("PATH").String()

	// DN pattern
	dnCommand    = app.Command("dn", "Evaluate a subject name pattern against an entry.")
	dnPattern    = dnCommand.Flag("pattern", "Subject name pattern.").Required().String()
	dnEntryDN    = dnCommand.Flag("dn", "Distinguished name of the entry.").Default("").String()
	dnAttributes = dnCommand.Flag("attr", "Entry attribute as name=value (can be repeated).").PlaceHolder("NAME=VALUE").Strings()
)

// Global logger instance
var logger = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)

// zapLogger writes audit records; logger wraps it for everything else.
var zapLogger = zap.NewNop()

// logCloser releases the syslog connection, if any.
var logCloser io.Closer

func initLogger(syslog bool, format string) (err error) {
	var sink zapcore.WriteSyncer
	if syslog {
		sink, logCloser, err = audit.Syslog("DAEMON", "cmcauth")
		if err != nil {
			return err
		}
	}
	z, err := audit.NewLogger(format, sink)
	if err != nil {
		return err
	}
	zapLogger = z
	logger = zap.NewStdLog(zapLogger.Named("cmcauth"))
	logger.SetPrefix(fmt.Sprintf("[%d] ", os.Getpid()))
	return nil
}

func closeLogger() {
	_ = zapLogger.Sync()
	if logCloser != nil {
		_ = logCloser.Close()
	}
}

// Validate flags shared by all commands
func validateFlags(app *kingpin.Application) error {
	if *serveEnableProf && *serveStatusAddress == "" {
		return fmt.Errorf("--enable-pprof requires --status to be set")
	}
	if *metricsURL != "" && !strings.HasPrefix(*metricsURL, "http://") && !strings.HasPrefix(*metricsURL, "https://") {
		return fmt.Errorf("--metrics-url should start with http:// or https://")
	}
	if *pkcs11Module != "" && *pkcs11Cert == "" {
		return fmt.Errorf("--pkcs11-module requires --pkcs11-cert")
	}
	return nil
}

// Validate flags needed to build an authenticator
func authValidateFlags() error {
	if len(*trustAnchorPaths) == 0 && *authenticatorKind != authDirectory {
		return fmt.Errorf("--cacert is required for CMC authenticators")
	}
	switch *authenticatorKind {
	case authCMCAgent:
		if *agentPolicyPath == "" {
			return fmt.Errorf("--agent-policy is required for the cmc-agent authenticator")
		}
		if *allowSelfSigned {
			return fmt.Errorf("--unsafe-allow-self-signed only applies to the cmc-user authenticator")
		}
	case authDirectory:
		if (*ldapURL == "") == (*ldapSRVDomain == "") {
			return fmt.Errorf("exactly one of --ldap-url or --ldap-srv-domain is required for the directory authenticator")
		}
		if *ldapBaseDN == "" {
			return fmt.Errorf("--ldap-base-dn is required for the directory authenticator")
		}
		if *ldapBindDN == "" && *ldapBindPassword != "" {
			return fmt.Errorf("--ldap-bind-password requires --ldap-bind-dn")
		}
	}
	return nil
}

// Validate flags for serve mode
func serveValidateFlags() error {
	if err := authValidateFlags(); err != nil {
		return err
	}
	if len(*trustAnchorPaths) == 0 {
		return fmt.Errorf("--cacert is required to verify TLS clients")
	}
	hasKeystore := *serveKeystorePath != ""
	hasPEM := *serveCertPath != "" || *serveKeyPath != ""
	if hasKeystore == hasPEM {
		return fmt.Errorf("exactly one of --keystore or --cert/--key is required")
	}
	if hasPEM && (*serveCertPath == "" || *serveKeyPath == "") {
		return fmt.Errorf("--cert and --key must be set together")
	}
	if *serveAllowAll && (len(*serveAllowedCNs) > 0 || len(*serveAllowedOUs) > 0 || len(*serveAllowedDNSs) > 0 ||
		len(*serveAllowedIPs) > 0 || len(*serveAllowedURIs) > 0) {
		return fmt.Errorf("--allow-all is mutually exclusive with other access control flags")
	}
	if a := acl(); a != nil {
		if err := a.Validate(); err != nil {
			return err
		}
	}
	if *serveMaxConcurrent < 0 {
		return fmt.Errorf("--max-concurrent must not be negative")
	}
	if *serveMaxRequestBytes <= 0 {
		return fmt.Errorf("--max-request-bytes must be positive")
	}
	return nil
}

// Validate flags for request mode
func requestValidateFlags() error {
	if len(*requestCSRPaths) == 0 && len(*requestRevoke) == 0 {
		return fmt.Errorf("at least one of --csr or --revoke is required")
	}
	if len(*requestCSRPaths) > 0 && len(*requestRevoke) > 0 {
		return fmt.Errorf("--csr and --revoke are mutually exclusive")
	}
	if *requestUnsigned {
		if len(*requestRevoke) > 0 {
			return fmt.Errorf("revocation requests must be signed")
		}
		return nil
	}
	sources := 0
	if *requestKeystore != "" {
		sources++
	}
	if *requestKeyPath != "" {
		sources++
	}
	if *pkcs11Module != "" {
		sources++
	}
	if sources != 1 {
		return fmt.Errorf("exactly one of --keystore, --key or --pkcs11-module is required unless --unsigned is set")
	}
	if *requestKeyPath != "" && *requestCertPath == "" {
		return fmt.Errorf("--key requires --cert")
	}
	return nil
}

var exitFunc = os.Exit

func init() {
	app.Version(fmt.Sprintf("rev %s built with %s", version, runtime.Version()))
	app.Validate(validateFlags)
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		exitFunc(1)
		return
	}
	exitFunc(0)
}

func run(args []string) error {
	command, err := app.Parse(args)
	if err != nil {
		return fmt.Errorf("%s, try --help", err)
	}

	if err := initLogger(*useSyslog, *logFormat); err != nil {
		return err
	}
	defer closeLogger()

	switch command {
	case serveCommand.FullCommand():
		if err := serveValidateFlags(); err != nil {
			return err
		}
		return serve()
	case verifyCommand.FullCommand():
		if err := authValidateFlags(); err != nil {
			return err
		}
		return verify(os.Stdout)
	case requestCommand.FullCommand():
		if err := requestValidateFlags(); err != nil {
			return err
		}
		return request()
	case dnCommand.FullCommand():
		return evalPattern(os.Stdout, *dnPattern, *dnEntryDN, *dnAttributes)
	}
	return fmt.Errorf("unknown command %q", command)
}
