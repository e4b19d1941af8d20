package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enclaved-org/enclaved/signer"
)

func TestRequestRoundTrip(t *testing.T) {
	caller, err := signer.Generate()
	require.NoError(t, err)
	service, err := signer.Generate()
	require.NoError(t, err)

	params, err := json.Marshal(&LaunchParams{Docker: "nginx:latest", Units: 2})
	require.NoError(t, err)
	req := &Request{ID: "req-1", Method: MethodLaunch, Params: params}

	env, err := EncodeRequest(caller, service.Pubkey(), req)
	require.NoError(t, err)
	assert.Equal(t, KindRPC, env.Kind)
	assert.True(t, HasTag(env, "p", string(service.Pubkey())))
	// The ciphertext must not leak the request body.
	assert.NotContains(t, env.Content, "nginx")

	decoded, err := DecodeRequest(service, env)
	require.NoError(t, err)
	assert.Equal(t, "req-1", decoded.ID)
	assert.Equal(t, MethodLaunch, decoded.Method)
	assert.Equal(t, caller.Pubkey(), decoded.Pubkey)

	var gotParams LaunchParams
	require.NoError(t, json.Unmarshal(decoded.Params, &gotParams))
	assert.Equal(t, "nginx:latest", gotParams.Docker)
	assert.Equal(t, 2, gotParams.Units)
}

func TestReplyRoundTrip(t *testing.T) {
	caller, err := signer.Generate()
	require.NoError(t, err)
	service, err := signer.Generate()
	require.NoError(t, err)

	rep := &Reply{ID: "req-1"}
	require.NoError(t, rep.SetResult("pong"))

	env, err := EncodeReply(service, caller.Pubkey(), rep)
	require.NoError(t, err)

	decoded, err := DecodeReply(caller, env)
	require.NoError(t, err)
	assert.Equal(t, "req-1", decoded.ID)
	assert.Empty(t, decoded.Error)

	var result string
	require.NoError(t, json.Unmarshal(decoded.Result, &result))
	assert.Equal(t, "pong", result)
}

func TestDecodeRequestRejectsWrongRecipient(t *testing.T) {
	caller, err := signer.Generate()
	require.NoError(t, err)
	service, err := signer.Generate()
	require.NoError(t, err)
	eavesdropper, err := signer.Generate()
	require.NoError(t, err)

	req := &Request{ID: "req-1", Method: MethodPing, Params: json.RawMessage(`{}`)}
	env, err := EncodeRequest(caller, service.Pubkey(), req)
	require.NoError(t, err)

	_, err = DecodeRequest(eavesdropper, env)
	assert.Error(t, err)
}

func TestMethodKnown(t *testing.T) {
	assert.True(t, MethodPing.Known())
	assert.True(t, MethodLaunch.Known())
	assert.True(t, MethodCreateCertificate.Known())
	assert.False(t, Method("drop_tables").Known())
}
