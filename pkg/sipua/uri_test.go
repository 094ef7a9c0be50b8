package sipua

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/callctl/pkg/callctl"
)

type testAccount struct {
	callctl.NullAccount
	id, user, host, domain string
	port                   int
}

func (a testAccount) ID() string         { return a.id }
func (a testAccount) UserName() string   { return a.user }
func (a testAccount) HostName() string   { return a.host }
func (a testAccount) DomainName() string { return a.domain }
func (a testAccount) Port() int          { return a.port }

func TestTargetURI(t *testing.T) {
	acc := testAccount{user: "alice", host: "pbx.example.com", domain: "example.com", port: 5060}

	uri, err := TargetURI(" 1234 ", acc)
	require.NoError(t, err)
	assert.Equal(t, "1234", uri.User)
	assert.Equal(t, "example.com", uri.Host)
	assert.Equal(t, 0, uri.Port)

	uri, err = TargetURI("1234", testAccount{host: "pbx.example.com", port: 5080})
	require.NoError(t, err)
	assert.Equal(t, "pbx.example.com", uri.Host)
	assert.Equal(t, 5080, uri.Port)

	uri, err = TargetURI("bob@other.org", acc)
	require.NoError(t, err)
	assert.Equal(t, "bob", uri.User)
	assert.Equal(t, "other.org", uri.Host)

	uri, err = TargetURI("sip:carol@third.net:5070", acc)
	require.NoError(t, err)
	assert.Equal(t, "carol", uri.User)
	assert.Equal(t, 5070, uri.Port)

	_, err = TargetURI("", acc)
	assert.Error(t, err)

	_, err = TargetURI("1234", testAccount{})
	assert.Error(t, err)
}

func TestAccountURI(t *testing.T) {
	uri, err := AccountURI(testAccount{id: "sip:alice@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "alice", uri.User)
	assert.Equal(t, "example.com", uri.Host)

	uri, err = AccountURI(testAccount{user: "bob", host: "pbx.example.com"})
	require.NoError(t, err)
	assert.Equal(t, "bob", uri.User)
	assert.Equal(t, "pbx.example.com", uri.Host)

	_, err = AccountURI(testAccount{user: "bob"})
	assert.Error(t, err)
}

func TestRegistrarURI(t *testing.T) {
	uri, err := RegistrarURI(testAccount{host: "pbx.example.com", domain: "example.com", port: 5061})
	require.NoError(t, err)
	assert.Equal(t, "pbx.example.com", uri.Host)
	assert.Equal(t, 5061, uri.Port)

	_, err = RegistrarURI(testAccount{})
	assert.Error(t, err)
}

func TestCallerID(t *testing.T) {
	number, name := CallerID(&sip.FromHeader{
		DisplayName: `"Alice"`,
		Address:     sip.Uri{Scheme: "sip", User: "100", Host: "example.com"},
	})
	assert.Equal(t, "100", number)
	assert.Equal(t, "Alice", name)

	number, name = CallerID(&sip.FromHeader{Address: sip.Uri{Scheme: "sip", Host: "gw.example.com"}})
	assert.Equal(t, "gw.example.com", number)
	assert.Equal(t, "gw.example.com", name)

	number, name = CallerID(nil)
	assert.Empty(t, number)
	assert.Empty(t, name)
}
