// Command cmcauth authenticates certificate requests for a certificate
// authority. In serve mode it accepts CMC full PKI requests and directory
// logins over mutually authenticated TLS and answers with the authentication
// token a CA enrolls or revokes against. Requests signed by a registration
// agent are mapped to an identity through a Rego policy; requests signed by
// the end entity are checked against the CA's trust anchors, issued
// certificates and CRLs. The verify, request and dn commands run the same
// checks offline, build signed requests and evaluate subject name patterns.
package main
