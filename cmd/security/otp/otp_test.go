package otp

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSecret_URIShape(t *testing.T) {
	a := New(Config{Issuer: "Vouch", Skew: DefaultSkew})

	enr, err := a.GenerateSecret("alice")
	require.NoError(t, err)

	// 20 bytes base32 without padding is 32 characters.
	assert.Len(t, enr.Secret, 32)

	u, err := url.Parse(enr.URI)
	require.NoError(t, err)
	assert.Equal(t, "otpauth", u.Scheme)
	assert.Equal(t, "totp", u.Host)
	assert.Equal(t, "/Vouch:alice", u.Path)

	q := u.Query()
	assert.Equal(t, enr.Secret, q.Get("secret"))
	assert.Equal(t, "Vouch", q.Get("issuer"))
	assert.Equal(t, "30", q.Get("period"))
	assert.Equal(t, "6", q.Get("digits"))
	assert.Equal(t, "SHA1", q.Get("algorithm"))

	got, err := SecretFromURI(enr.URI)
	require.NoError(t, err)
	assert.Equal(t, enr.Secret, got)
}

func TestGenerateSecret_Distinct(t *testing.T) {
	a := New(Config{})
	assert.Equal(t, DefaultIssuer, a.Issuer())

	e1, err := a.GenerateSecret("bob")
	require.NoError(t, err)
	e2, err := a.GenerateSecret("bob")
	require.NoError(t, err)
	assert.NotEqual(t, e1.Secret, e2.Secret)

	_, err = a.GenerateSecret("   ")
	assert.ErrorIs(t, err, ErrEmptyLabel)
}

func TestVerify_Window(t *testing.T) {
	a := New(Config{Skew: DefaultSkew})
	enr, err := a.GenerateSecret("alice")
	require.NoError(t, err)

	now := time.Unix(1_700_000_010, 0).UTC()

	cases := []struct {
		name   string
		offset time.Duration
		want   bool
	}{
		{name: "current step", offset: 0, want: true},
		{name: "previous step", offset: -Period * time.Second, want: true},
		{name: "next step", offset: Period * time.Second, want: true},
		{name: "two steps back", offset: -2 * Period * time.Second, want: false},
		{name: "ten minutes back", offset: -10 * time.Minute, want: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, err := a.Code(enr.Secret, now.Add(tc.offset))
			require.NoError(t, err)
			assert.Equal(t, tc.want, a.Verify(enr.Secret, code, now))
		})
	}
}

func TestVerify_RejectsMalformed(t *testing.T) {
	a := New(Config{Skew: DefaultSkew})
	enr, err := a.GenerateSecret("alice")
	require.NoError(t, err)

	now := time.Now()
	code, err := a.Code(enr.Secret, now)
	require.NoError(t, err)

	for _, bad := range []string{"", "12345", "1234567", "12a456", " " + code[1:], strings.Repeat("x", 6)} {
		assert.False(t, a.Verify(enr.Secret, bad, now), "code %q", bad)
	}
	assert.False(t, a.Verify("", code, now))
	assert.False(t, a.Verify("not base32!", code, now))
}

func TestVerify_ZeroSkewIsStrict(t *testing.T) {
	a := New(Config{Skew: 0})
	enr, err := a.GenerateSecret("carol")
	require.NoError(t, err)

	now := time.Unix(1_700_000_010, 0).UTC()
	prev, err := a.Code(enr.Secret, now.Add(-Period*time.Second))
	require.NoError(t, err)
	cur, err := a.Code(enr.Secret, now)
	require.NoError(t, err)

	assert.True(t, a.Verify(enr.Secret, cur, now))
	if prev != cur {
		assert.False(t, a.Verify(enr.Secret, prev, now))
	}
}

func TestSecretFromURI_Rejects(t *testing.T) {
	_, err := SecretFromURI("otpauth://hotp/Vouch:alice?secret=ABC&counter=1")
	assert.Error(t, err)
	_, err = SecretFromURI("::not a uri")
	assert.Error(t, err)
}
