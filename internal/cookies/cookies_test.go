package cookies

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCookiesTxt = "# Netscape HTTP Cookie File\n" +
	".sciencedirect.com\tTRUE\t/\tTRUE\t0\tSESSION\tabc123\n" +
	"#HttpOnly_.example.com\tTRUE\t/\tFALSE\t0\ttoken\txyz\n" +
	"\n" +
	"# a comment line\n"

func TestParseNetscapeFile(t *testing.T) {
	cookies, err := ParseNetscapeFile(strings.NewReader(sampleCookiesTxt))
	require.NoError(t, err)
	require.Len(t, cookies, 2)

	assert.Equal(t, "sciencedirect.com", cookies[0].Domain)
	assert.Equal(t, "SESSION", cookies[0].Name)
	assert.Equal(t, "abc123", cookies[0].Value)
	assert.True(t, cookies[0].Secure)

	assert.Equal(t, "example.com", cookies[1].Domain, "#HttpOnly_ prefix is honored")
	assert.False(t, cookies[1].Secure)
}

func TestParseNetscapeFileRejectsBadLine(t *testing.T) {
	_, err := ParseNetscapeFile(strings.NewReader("not\tenough\tfields\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Suggestion:")
}

func TestBuildJarServesCookies(t *testing.T) {
	cookies := []Cookie{
		{Domain: "example.com", Path: "/", Name: "token", Value: "xyz"},
	}
	jar, err := BuildJar(cookies)
	require.NoError(t, err)

	target, _ := url.Parse("http://example.com/page")
	got := jar.Cookies(target)
	require.Len(t, got, 1)
	assert.Equal(t, "token", got[0].Name)
	assert.Equal(t, "xyz", got[0].Value)
}

func TestBuildJarDropsExpired(t *testing.T) {
	cookies := []Cookie{
		{Domain: "example.com", Path: "/", Name: "old", Value: "x", Expires: time.Now().Add(-time.Hour).Unix()},
	}
	jar, err := BuildJar(cookies)
	require.NoError(t, err)

	target, _ := url.Parse("http://example.com/")
	assert.Empty(t, jar.Cookies(target))
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())
	in := []Cookie{{Domain: "example.com", Path: "/", Name: "token", Value: "secret"}}

	require.NoError(t, store.Save(in, "correct horse battery staple"))

	out, err := store.Load("correct horse battery staple")
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestStoreLoadWrongKeyFails(t *testing.T) {
	store := NewStore(t.TempDir())
	require.NoError(t, store.Save([]Cookie{{Domain: "example.com", Name: "t", Value: "v"}}, "key-one"))

	_, err := store.Load("key-two")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Suggestion:")
}

func TestStoreSaveRequiresKey(t *testing.T) {
	store := NewStore(t.TempDir())
	err := store.Save(nil, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), MasterKeyEnv)
}

func TestStoreLoadMissingReturnsEmpty(t *testing.T) {
	store := NewStore(t.TempDir())
	cookies, err := store.Load("any")
	require.NoError(t, err)
	assert.Nil(t, cookies)
}

func TestStoreClear(t *testing.T) {
	store := NewStore(t.TempDir())
	require.NoError(t, store.Save([]Cookie{{Domain: "d", Name: "n", Value: "v"}}, "key"))
	require.NoError(t, store.Clear())
	require.NoError(t, store.Clear(), "clearing an absent store is not an error")

	cookies, err := store.Load("key")
	require.NoError(t, err)
	assert.Nil(t, cookies)
}
