// Package certs issues the certificate chain binding the physical
// attestation to the service identity, a container identity, and
// optionally an application identity reported from inside the
// container. Certificates are signed envelopes with expirations.
package certs

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/enclaved-org/enclaved/interfaces"
	"github.com/enclaved-org/enclaved/wire"
)

// TTL is the default certificate lifetime when the attestation document
// does not carry its own expiry.
const TTL = 3 * time.Hour

// Root issues the attestation-derived root certificate: the service key
// signs the raw attestation document that binds that same key to the
// enclave measurements.
func Root(info *interfaces.AttestationInfo, serviceSigner interfaces.Signer) (*wire.Envelope, error) {
	expiration := time.Now().Add(TTL).Unix()
	if info.NotAfter > 0 {
		expiration = info.NotAfter
	}

	env := &wire.Envelope{
		Kind:    wire.KindRootCertificate,
		Content: base64.StdEncoding.EncodeToString(info.Document),
		Tags: [][]string{
			{"t", string(info.Env)},
			{"expiration", fmt.Sprintf("%d", expiration)},
			{"alt", "enclave attestation certificate"},
		},
	}
	if err := wire.Finalize(env, serviceSigner); err != nil {
		return nil, err
	}
	return env, nil
}

// Container issues a certificate for one container's key, signed by the
// service identity.
func Container(rec *interfaces.ContainerRecord, serviceSigner interfaces.Signer) (*wire.Envelope, error) {
	env := &wire.Envelope{
		Kind: wire.KindContainerCertificate,
		Tags: [][]string{
			{"p", string(rec.Pubkey), "container"},
			{"expiration", fmt.Sprintf("%d", time.Now().Add(TTL).Unix())},
			{"alt", "enclaved container certificate"},
		},
	}
	if rec.ImageRef != "" {
		env.Tags = append(env.Tags, []string{"r", "docker://" + rec.ImageRef})
	}
	if err := wire.Finalize(env, serviceSigner); err != nil {
		return nil, err
	}
	return env, nil
}

// App issues a certificate for an application key, signed by the
// container's own key, chaining the app identity under the container.
func App(containerSigner interfaces.Signer, appPubkey interfaces.Pubkey) (*wire.Envelope, error) {
	env := &wire.Envelope{
		Kind: wire.KindContainerCertificate,
		Tags: [][]string{
			{"p", string(appPubkey), "app"},
			{"expiration", fmt.Sprintf("%d", time.Now().Add(TTL).Unix())},
			{"alt", "enclaved app certificate"},
		},
	}
	if err := wire.Finalize(env, containerSigner); err != nil {
		return nil, err
	}
	return env, nil
}
