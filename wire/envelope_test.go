package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enclaved-org/enclaved/interfaces"
	"github.com/enclaved-org/enclaved/signer"
)

func TestEnvelopeSignVerify(t *testing.T) {
	sgn, err := signer.Generate()
	require.NoError(t, err)

	env := &Envelope{
		Kind:    KindAnnouncement,
		Content: `{"name":"enclaved"}`,
		Tags:    [][]string{{"t", "dev"}},
	}
	require.NoError(t, Finalize(env, sgn))

	assert.Equal(t, sgn.Pubkey(), env.Pubkey)
	assert.NotEmpty(t, env.ID)
	assert.NotEmpty(t, env.Sig)
	assert.NotZero(t, env.CreatedAt)
	require.NoError(t, Verify(env))
}

func TestEnvelopeVerifyRejectsTampering(t *testing.T) {
	sgn, err := signer.Generate()
	require.NoError(t, err)

	env := &Envelope{Kind: KindNote, Content: "hello"}
	require.NoError(t, Finalize(env, sgn))

	tampered := *env
	tampered.Content = "goodbye"
	assert.Error(t, Verify(&tampered))

	other, err := signer.Generate()
	require.NoError(t, err)
	forged := *env
	forged.Pubkey = other.Pubkey()
	assert.Error(t, Verify(&forged))

	noSig := *env
	noSig.Sig = ""
	assert.Error(t, Verify(&noSig))
}

func TestTagHelpers(t *testing.T) {
	env := &Envelope{
		Tags: [][]string{
			{"t", "deployed"},
			{"r", "docker://nginx:latest"},
			{"p", "abcd", "host"},
		},
	}

	assert.Equal(t, "deployed", TagValue(env, "t"))
	assert.Equal(t, "", TagValue(env, "missing"))
	assert.True(t, HasTag(env, "r", "docker://nginx:latest"))
	assert.False(t, HasTag(env, "r", "docker://other"))
}

func TestFilterMatches(t *testing.T) {
	author := interfaces.Pubkey("aa")
	env := &Envelope{
		Pubkey:    author,
		Kind:      KindRelease,
		CreatedAt: 1000,
		Tags:      [][]string{{"r", "github.com/example/app"}, {"p", "bb"}},
	}

	cases := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty matches all", Filter{}, true},
		{"kind match", Filter{Kinds: []int{KindRelease}}, true},
		{"kind mismatch", Filter{Kinds: []int{KindNote}}, false},
		{"author match", Filter{Authors: []interfaces.Pubkey{author}}, true},
		{"author mismatch", Filter{Authors: []interfaces.Pubkey{"cc"}}, false},
		{"ref match", Filter{Refs: []string{"github.com/example/app"}}, true},
		{"ref mismatch", Filter{Refs: []string{"github.com/other"}}, false},
		{"ptag match", Filter{PTags: []interfaces.Pubkey{"bb"}}, true},
		{"since before", Filter{Since: 500}, true},
		{"since after", Filter{Since: 2000}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.filter.Matches(env))
		})
	}
}
