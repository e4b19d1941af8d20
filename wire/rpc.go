package wire

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/enclaved-org/enclaved/interfaces"
)

// Method is the closed set of RPC methods. Dispatch happens at a single
// point; unknown methods are rejected there.
type Method string

const (
	MethodPing              Method = "ping"
	MethodLaunch            Method = "launch"
	MethodGetContainerInfo  Method = "get_container_info"
	MethodSetInfo           Method = "set_info"
	MethodCreateCertificate Method = "create_certificate"
)

// Known reports whether m is part of the method set.
func (m Method) Known() bool {
	switch m {
	case MethodPing, MethodLaunch, MethodGetContainerInfo, MethodSetInfo, MethodCreateCertificate:
		return true
	}
	return false
}

// Request is a decrypted RPC request.
type Request struct {
	// Pubkey is the caller identity recovered from the envelope.
	Pubkey interfaces.Pubkey `json:"-"`

	ID     string          `json:"id"`
	Method Method          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Reply mirrors a request back to the caller.
type Reply struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// SetResult marshals v into the reply result.
func (r *Reply) SetResult(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling reply result: %w", err)
	}
	r.Result = raw
	return nil
}

// LaunchParams are the parameters of the launch method.
type LaunchParams struct {
	Docker  string            `json:"docker"`
	Units   int               `json:"units"`
	Env     map[string]string `json:"env,omitempty"`
	Name    string            `json:"name,omitempty"`
	Upgrade string            `json:"upgrade,omitempty"`
}

// LaunchResult is returned by launch.
type LaunchResult struct {
	Pubkey  interfaces.Pubkey   `json:"pubkey"`
	Invoice *interfaces.Invoice `json:"invoice"`
}

// InfoParams identify a container by pubkey.
type InfoParams struct {
	Pubkey interfaces.Pubkey `json:"pubkey"`
}

// SetInfoParams carry a workload's self-reported identity.
type SetInfoParams struct {
	Info interfaces.AppInfo `json:"info"`
}

// CertificateParams request a certificate chain for an app key.
type CertificateParams struct {
	Pubkey interfaces.Pubkey `json:"pubkey"`
}

// CertificateResult is the root/container/app chain.
type CertificateResult struct {
	Root  *Envelope   `json:"root"`
	Certs []*Envelope `json:"certs"`
}

// EncodeRequest builds a signed RPC envelope addressed to the service:
// the request body is encrypted to the service key and the envelope is
// signed by the caller.
func EncodeRequest(signer interfaces.Signer, service interfaces.Pubkey, req *Request) (*Envelope, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	ct, err := signer.Encrypt(service, body)
	if err != nil {
		return nil, fmt.Errorf("encrypting request: %w", err)
	}

	env := &Envelope{
		Kind:    KindRPC,
		Tags:    [][]string{{"p", string(service)}},
		Content: base64.StdEncoding.EncodeToString(ct),
	}
	if err := Finalize(env, signer); err != nil {
		return nil, err
	}
	return env, nil
}

// DecodeRequest verifies and decrypts an inbound RPC envelope.
func DecodeRequest(signer interfaces.Signer, env *Envelope) (*Request, error) {
	if env.Kind != KindRPC {
		return nil, errors.New("not an rpc envelope")
	}
	if err := Verify(env); err != nil {
		return nil, err
	}

	ct, err := base64.StdEncoding.DecodeString(env.Content)
	if err != nil {
		return nil, errors.New("malformed rpc content")
	}
	body, err := signer.Decrypt(env.Pubkey, ct)
	if err != nil {
		return nil, fmt.Errorf("decrypting request: %w", err)
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("unmarshaling request: %w", err)
	}
	if req.ID == "" || req.Method == "" {
		return nil, errors.New("bad request")
	}
	req.Pubkey = env.Pubkey
	return &req, nil
}

// EncodeReply encrypts a reply back to the caller and signs it with the
// service identity.
func EncodeReply(signer interfaces.Signer, caller interfaces.Pubkey, rep *Reply) (*Envelope, error) {
	body, err := json.Marshal(rep)
	if err != nil {
		return nil, fmt.Errorf("marshaling reply: %w", err)
	}
	ct, err := signer.Encrypt(caller, body)
	if err != nil {
		return nil, fmt.Errorf("encrypting reply: %w", err)
	}

	env := &Envelope{
		Kind:    KindRPC,
		Tags:    [][]string{{"p", string(caller)}},
		Content: base64.StdEncoding.EncodeToString(ct),
	}
	if err := Finalize(env, signer); err != nil {
		return nil, err
	}
	return env, nil
}

// DecodeReply verifies and decrypts a reply envelope from the service.
func DecodeReply(signer interfaces.Signer, env *Envelope) (*Reply, error) {
	if env.Kind != KindRPC {
		return nil, errors.New("not an rpc envelope")
	}
	if err := Verify(env); err != nil {
		return nil, err
	}

	ct, err := base64.StdEncoding.DecodeString(env.Content)
	if err != nil {
		return nil, errors.New("malformed rpc content")
	}
	body, err := signer.Decrypt(env.Pubkey, ct)
	if err != nil {
		return nil, fmt.Errorf("decrypting reply: %w", err)
	}

	var rep Reply
	if err := json.Unmarshal(body, &rep); err != nil {
		return nil, fmt.Errorf("unmarshaling reply: %w", err)
	}
	return &rep, nil
}
