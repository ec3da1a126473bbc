package apub

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarryforge/quarry/types"
)

func TestParseID(t *testing.T) {
	id, err := ParseID[Person]("https://forge.example/apub/users/alice")
	require.NoError(t, err)
	assert.Equal(t, "https://forge.example/apub/users/alice", id.String())
	assert.Equal(t, "forge.example", id.Host())
	assert.Equal(t, "https://forge.example/apub/users/alice/inbox", id.Inbox())
	assert.Equal(t, "https://forge.example/apub/users/alice/followers", id.Followers())

	for _, raw := range []string{
		"",
		"alice",
		"ftp://forge.example/apub/users/alice",
		"/apub/users/alice",
		"https://",
	} {
		_, err := ParseID[Person](raw)
		assert.True(t, errors.Is(err, types.ErrMalformed), "expected malformed for %q", raw)
	}
}

func TestSameHost(t *testing.T) {
	id, err := ParseID[Person]("https://forge.example/apub/users/alice")
	require.NoError(t, err)

	assert.True(t, id.SameHost("https://forge.example/apub/follows/1"))
	assert.False(t, id.SameHost("https://other.example/apub/follows/1"))
	assert.False(t, id.SameHost("https://forge.example:8443/apub/follows/1"))
}

func TestNamespaceBuilders(t *testing.T) {
	ns := NewNamespace(types.ApConfig{FQDN: "forge.example"})

	assert.Equal(t, "https://forge.example/apub/users/alice", ns.User("alice").String())
	assert.Equal(t,
		"https://forge.example/apub/users/alice/repositories/widget",
		ns.Repository("alice", "widget").String())
	assert.Equal(t,
		"https://forge.example/apub/users/alice/repositories/widget/issues/7",
		ns.Issue("alice", "widget", 7).String())
	assert.Equal(t,
		"https://forge.example/apub/users/alice/repositories/widget/issues/7/comments/b2a8",
		ns.IssueComment("alice", "widget", 7, "b2a8").String())
}

func TestNamespaceDebugScheme(t *testing.T) {
	ns := NewNamespace(types.ApConfig{FQDN: "localhost:8000", Debug: true})
	assert.Equal(t, "http://localhost:8000/apub/users/alice", ns.User("alice").String())
}

func TestIsLocal(t *testing.T) {
	release := NewNamespace(types.ApConfig{FQDN: "forge.example"})
	assert.True(t, release.IsLocal("https://forge.example/apub/users/alice"))
	// a reverse proxy may expose a nonstandard port
	assert.True(t, release.IsLocal("https://forge.example:8443/apub/users/alice"))
	assert.False(t, release.IsLocal("https://other.example/apub/users/alice"))
	assert.False(t, release.IsLocal("not a url at all\x7f"))

	debug := NewNamespace(types.ApConfig{FQDN: "localhost:8000", Debug: true})
	assert.True(t, debug.IsLocal("http://localhost:8000/apub/users/alice"))
	assert.False(t, debug.IsLocal("http://localhost:9000/apub/users/alice"))
}
