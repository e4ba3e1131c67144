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

package token

import (
	"crypto"
	"crypto/dsa" //nolint:staticcheck
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/ghostunnel/cmcauth/cmc"
	"github.com/ghostunnel/cmcauth/internal/testpki"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var message = []byte("content to be signed")

func TestDigest(t *testing.T) {
	sw := NewSoftware("soft")
	assert.Equal(t, "soft", sw.Name())

	digest, err := sw.Digest(crypto.SHA256, message)
	require.NoError(t, err)
	expected := sha256.Sum256(message)
	assert.Equal(t, expected[:], digest)

	_, err = sw.Digest(crypto.Hash(0), message)
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestVerifyECDSA(t *testing.T) {
	key := testpki.NewKey(t)
	sig := signDigest(t, key, crypto.SHA256)
	sw := NewSoftware(DefaultName)

	alg := pkix.AlgorithmIdentifier{Algorithm: cmc.OIDECDSAWithSHA256}
	assert.NoError(t, sw.Verify(key.Public(), alg, crypto.SHA256, message, sig))

	// Bare key algorithm takes the digest from the signer info.
	bare := pkix.AlgorithmIdentifier{Algorithm: cmc.OIDECPublicKey}
	assert.NoError(t, sw.Verify(key.Public(), bare, crypto.SHA256, message, sig))
	assert.ErrorIs(t, sw.Verify(key.Public(), bare, crypto.SHA384, message, sig), ErrBadSignature)

	assert.ErrorIs(t, sw.Verify(key.Public(), alg, crypto.SHA256, []byte("tampered"), sig), ErrBadSignature)
	assert.ErrorIs(t, sw.Verify(testpki.NewKey(t).Public(), alg, crypto.SHA256, message, sig), ErrBadSignature)
}

func TestVerifyRSA(t *testing.T) {
	key := testpki.NewRSAKey(t)
	sw := NewSoftware(DefaultName)

	pkcs1 := signDigest(t, key, crypto.SHA256)
	assert.NoError(t, sw.Verify(key.Public(), pkix.AlgorithmIdentifier{Algorithm: cmc.OIDSHA256WithRSA}, crypto.SHA1, message, pkcs1))
	assert.NoError(t, sw.Verify(key.Public(), pkix.AlgorithmIdentifier{Algorithm: cmc.OIDRSAEncryption}, crypto.SHA256, message, pkcs1))
	assert.ErrorIs(t, sw.Verify(key.Public(), pkix.AlgorithmIdentifier{Algorithm: cmc.OIDSHA512WithRSA}, crypto.SHA256, message, pkcs1), ErrBadSignature)

	digest := sha256.Sum256(message)
	pss, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
	require.NoError(t, err)
	assert.NoError(t, sw.Verify(key.Public(), pkix.AlgorithmIdentifier{Algorithm: cmc.OIDRSAPSS}, crypto.SHA256, message, pss))

	params, err := asn1.Marshal(struct {
		Hash pkix.AlgorithmIdentifier `asn1:"explicit,tag:0"`
	}{pkix.AlgorithmIdentifier{Algorithm: cmc.OIDDigestSHA256}})
	require.NoError(t, err)
	withParams := pkix.AlgorithmIdentifier{Algorithm: cmc.OIDRSAPSS, Parameters: asn1.RawValue{FullBytes: params}}
	assert.NoError(t, sw.Verify(key.Public(), withParams, crypto.SHA1, message, pss))
}

func TestVerifyDSA(t *testing.T) {
	var key dsa.PrivateKey
	require.NoError(t, dsa.GenerateParameters(&key.Parameters, rand.Reader, dsa.L1024N160))
	require.NoError(t, dsa.GenerateKey(&key, rand.Reader))

	digest := sha256.Sum256(message)
	r, s, err := dsa.Sign(rand.Reader, &key, digest[:key.Q.BitLen()/8])
	require.NoError(t, err)
	sig, err := asn1.Marshal(struct{ R, S *big.Int }{r, s})
	require.NoError(t, err)

	sw := NewSoftware(DefaultName)
	alg := pkix.AlgorithmIdentifier{Algorithm: cmc.OIDDSAWithSHA256}
	assert.NoError(t, sw.Verify(&key.PublicKey, alg, crypto.SHA256, message, sig))
	assert.ErrorIs(t, sw.Verify(&key.PublicKey, alg, crypto.SHA256, message, []byte{0x30, 0x00}), ErrBadSignature)
}

func TestVerifyEd25519(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sig := ed25519.Sign(priv, message)

	sw := NewSoftware(DefaultName)
	assert.NoError(t, sw.Verify(pub, pkix.AlgorithmIdentifier{Algorithm: cmc.OIDEd25519}, crypto.SHA512, message, sig))
	assert.ErrorIs(t, sw.Verify(pub, pkix.AlgorithmIdentifier{Algorithm: cmc.OIDEd25519}, crypto.SHA512, []byte("other"), sig), ErrBadSignature)
	assert.ErrorIs(t, sw.Verify(pub, pkix.AlgorithmIdentifier{Algorithm: cmc.OIDECDSAWithSHA256}, crypto.SHA256, message, sig), ErrUnsupportedAlgorithm)
}

func TestVerifyAlgorithmMismatch(t *testing.T) {
	sw := NewSoftware(DefaultName)
	ecKey := testpki.NewKey(t)
	sig := signDigest(t, ecKey, crypto.SHA256)

	err := sw.Verify(ecKey.Public(), pkix.AlgorithmIdentifier{Algorithm: cmc.OIDSHA256WithRSA}, crypto.SHA256, message, sig)
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)

	err = sw.Verify("not a key", pkix.AlgorithmIdentifier{Algorithm: cmc.OIDSHA256WithRSA}, crypto.SHA256, message, sig)
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	def, err := r.Get("")
	require.NoError(t, err)
	assert.Equal(t, DefaultName, def.Name())

	require.NoError(t, r.Register(NewSoftware("hsm")))
	assert.Error(t, r.Register(NewSoftware("hsm")), "duplicate names must be rejected")
	assert.Equal(t, []string{"hsm", DefaultName}, r.Names())

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, ErrUnknownToken)
}

func TestSwitchRestores(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewSoftware("hsm")))
	require.NoError(t, r.Register(NewSoftware("backup")))
	ctx := r.NewContext()

	verify := func(name string, fail bool) error {
		restore, err := ctx.Switch(name)
		if err != nil {
			return err
		}
		defer restore()

		if name != "" {
			assert.Equal(t, name, ctx.Active().Name())
		}
		if fail {
			return errors.New("verification failed")
		}
		return nil
	}

	for _, c := range []struct {
		name string
		fail bool
	}{
		{"hsm", false},
		{"hsm", true},
		{"backup", true},
		{"", false},
		{"missing", false},
	} {
		t.Run(fmt.Sprintf("%s/%v", c.name, c.fail), func(t *testing.T) {
			_ = verify(c.name, c.fail)
			assert.Equal(t, DefaultName, ctx.Active().Name())
		})
	}
}

func TestSwitchRestoresOnPanic(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewSoftware("hsm")))
	ctx := r.NewContext()

	assert.Panics(t, func() {
		restore, err := ctx.Switch("hsm")
		require.NoError(t, err)
		defer restore()
		panic("boom")
	})
	assert.Equal(t, DefaultName, ctx.Active().Name())
}

func TestNestedSwitch(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewSoftware("a")))
	require.NoError(t, r.Register(NewSoftware("b")))
	ctx := r.NewContext()

	restoreA, err := ctx.Switch("a")
	require.NoError(t, err)
	restoreB, err := ctx.Switch("b")
	require.NoError(t, err)
	assert.Equal(t, "b", ctx.Active().Name())

	restoreB()
	restoreB()
	assert.Equal(t, "a", ctx.Active().Name(), "restore must be idempotent")
	restoreA()
	assert.Equal(t, DefaultName, ctx.Active().Name())
}

func TestContextsAreIndependent(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewSoftware("hsm")))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx := r.NewContext()
			for j := 0; j < 100; j++ {
				name := DefaultName
				if (i+j)%2 == 0 {
					name = "hsm"
				}
				restore, err := ctx.Switch(name)
				if !assert.NoError(t, err) {
					return
				}
				assert.Equal(t, name, ctx.Active().Name())
				restore()
				assert.Equal(t, DefaultName, ctx.Active().Name())
			}
		}(i)
	}
	wg.Wait()
}

func TestPKCS11InvalidModule(t *testing.T) {
	_, err := OpenPKCS11(PKCS11Config{Name: "hsm", Module: "/nonexistent/module.so"}, testpki.NewKey(t).Public())
	assert.Error(t, err, "should not open invalid PKCS#11 module")
}

func signDigest(t *testing.T, key crypto.Signer, h crypto.Hash) []byte {
	hasher := h.New()
	hasher.Write(message)
	sig, err := key.Sign(rand.Reader, hasher.Sum(nil), h)
	require.NoError(t, err)
	return sig
}
