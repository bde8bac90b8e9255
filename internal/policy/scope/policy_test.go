package scope

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPolicyDefaultsToSeedHosts(t *testing.T) {
	t.Parallel()

	p := New(nil, nil, []string{"https://www.ex.org/start", "https://Docs.Ex.Org/"})
	require.True(t, p.Allowed("https://www.ex.org/rule/1"))
	require.True(t, p.Allowed("http://docs.ex.org/a"))
	require.False(t, p.Allowed("https://ex.org/"))
	require.False(t, p.Allowed("https://other.org/rule/1"))
	require.False(t, p.Allowed("mailto:someone@ex.org"))
}

func TestPolicyWildcardsAndDenyList(t *testing.T) {
	t.Parallel()

	p := New([]string{"*.ex.org"}, []string{"cdn.ex.org", ".ads.ex.org"}, nil)
	require.True(t, p.Allowed("https://ex.org/"))
	require.True(t, p.Allowed("https://a.b.ex.org/"))
	require.False(t, p.Allowed("https://cdn.ex.org/x.js"))
	require.False(t, p.Allowed("https://tracker.ads.ex.org/"))
	require.False(t, p.Allowed("https://notex.org/"))
}

func TestPolicyWithoutHostsAllowsEverything(t *testing.T) {
	t.Parallel()

	p := New(nil, []string{"blocked.org"}, nil)
	require.True(t, p.Allowed("https://any.org/"))
	require.False(t, p.Allowed("https://blocked.org/"))
	require.False(t, p.Allowed("/relative"))
}
