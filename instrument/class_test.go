package instrument

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type namedInstance string

func (n namedInstance) Name() string { return string(n) }

func TestRegistry(t *testing.T) {
	var r Registry
	a, b := namedInstance("a"), namedInstance("b")

	r.Record(a)
	r.Record(b)
	r.Record(a)
	assert.Equal(t, []Instance{a, b}, r.Instances())

	r.Remove(a)
	assert.Equal(t, []Instance{b}, r.Instances())

	r.Remove(a)
	r.Remove(b)
	assert.Empty(t, r.Instances())
}

func TestDefaultServerName(t *testing.T) {
	c := &ClassInfo{ClassName: "Scope", Shared: []string{"address"}}
	assert.Equal(t, "ScopeServer", c.DefaultServerName(nil))
	assert.Equal(t, "ScopeServer-address=GPIB::1,port=2", c.DefaultServerName(Kwargs{"port": 2, "address": "GPIB::1"}))

	c.ServerName = func(shared Kwargs) string { return "fixed" }
	assert.Equal(t, "fixed", c.DefaultServerName(Kwargs{"address": "x"}))
}

func TestManifestValidate(t *testing.T) {
	m := &Manifest{
		Methods:    map[string]Attrs{"reset": {}},
		Parameters: map[string]Attrs{"freq": {}},
		Functions:  map[string]Attrs{"trigger": {}},
	}
	require.NoError(t, m.Validate())

	m.Functions["freq"] = Attrs{}
	assert.ErrorContains(t, m.Validate(), `member "freq" is both a parameter and a function`)
}

func TestRemoteErrorMessage(t *testing.T) {
	assert.Equal(t, "ValueError: bad", (&RemoteError{Type: "ValueError", Message: "bad"}).Error())
	assert.Equal(t, "bad", (&RemoteError{Message: "bad"}).Error())
}
