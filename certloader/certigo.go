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

package certloader

import (
	"crypto/x509"
	"encoding/pem"
	"os"

	"github.com/pkg/errors"
	certigo "github.com/square/certigo/lib"
)

const (
	pemTypeCertificate = "CERTIFICATE"
	pemTypeCRL         = "X509 CRL"
)

// readPEM reads every PEM block out of a file in any format certigo
// understands (PEM, DER, PKCS#7, PKCS#12, JCEKS).
func readPEM(path, password, format string) ([]*pem.Block, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var pemBlocks []*pem.Block
	err = certigo.ReadAsPEMFromFiles(
		[]*os.File{file},
		format,
		func(prompt string) string { return password },
		func(block *pem.Block, format string) error {
			pemBlocks = append(pemBlocks, block)
			return nil
		})
	if err != nil {
		return nil, errors.Wrapf(err, "error reading file '%s'", path)
	}
	if len(pemBlocks) == 0 {
		return nil, errors.Errorf("error reading file '%s', no PEM blocks found", path)
	}
	return pemBlocks, nil
}

// readX509 reads all certificates from a file. The password unlocks
// keystore formats and is ignored otherwise.
func readX509(path, password string) ([]*x509.Certificate, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	out := []*x509.Certificate{}
	err = certigo.ReadAsX509FromFiles(
		[]*os.File{file}, "",
		func(prompt string) string { return password },
		func(cert *x509.Certificate, format string, err error) error {
			if err != nil {
				return err
			}
			out = append(out, cert)
			return nil
		})
	if err != nil {
		return nil, errors.Wrapf(err, "error reading file '%s'", path)
	}
	if len(out) == 0 {
		return nil, errors.Errorf("no certificates found in file '%s'", path)
	}
	return out, nil
}

// readCRLs reads all CRLs from a PEM or DER file.
func readCRLs(path string) ([]*x509.RevocationList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var out []*x509.RevocationList
	if block, _ := pem.Decode(data); block == nil {
		crl, err := x509.ParseRevocationList(data)
		if err != nil {
			return nil, errors.Wrapf(err, "error reading CRL file '%s'", path)
		}
		return append(out, crl), nil
	}

	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != pemTypeCRL {
			continue
		}
		crl, err := x509.ParseRevocationList(block.Bytes)
		if err != nil {
			return nil, errors.Wrapf(err, "error reading CRL file '%s'", path)
		}
		out = append(out, crl)
	}
	if len(out) == 0 {
		return nil, errors.Errorf("no CRLs found in file '%s'", path)
	}
	return out, nil
}

// ReadCertificates reads every certificate from a file in any format
// certigo understands.
func ReadCertificates(path string) ([]*x509.Certificate, error) {
	return readX509(path, "")
}
