package dhcpd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionState_defaultDoesNotOverride(t *testing.T) {
	s := NewOptionState()

	s.Supersede(UniverseDHCP, nil, OptHostName, []byte("first"))
	s.Default(UniverseDHCP, nil, OptHostName, []byte("second"))

	oc, ok := s.Lookup(UniverseDHCP, OptHostName)
	require.True(t, ok)
	v, ok := oc.Evaluate(nil)
	require.True(t, ok)
	assert.Equal(t, "first", string(v))
}

func TestOptionState_supersedeOverrides(t *testing.T) {
	s := NewOptionState()

	s.Default(UniverseDHCP, nil, OptHostName, []byte("first"))
	s.Supersede(UniverseDHCP, nil, OptHostName, []byte("second"))

	oc, ok := s.Lookup(UniverseDHCP, OptHostName)
	require.True(t, ok)
	v, _ := oc.Evaluate(nil)
	assert.Equal(t, "second", string(v))
}

func TestOptionState_appendPrepend(t *testing.T) {
	s := NewOptionState()

	s.Supersede(UniverseDHCP, nil, OptDomainName, []byte("b"))
	s.Append(UniverseDHCP, nil, OptDomainName, []byte("c"))
	s.Prepend(UniverseDHCP, nil, OptDomainName, []byte("a"))

	oc, ok := s.Lookup(UniverseDHCP, OptDomainName)
	require.True(t, ok)
	v, ok := oc.Evaluate(nil)
	require.True(t, ok)
	assert.Equal(t, "abc", string(v))
}

func TestOptionState_appendWithNothingBoundBehavesLikeSupersede(t *testing.T) {
	s := NewOptionState()

	s.Append(UniverseDHCP, nil, OptDomainName, []byte("only"))

	oc, ok := s.Lookup(UniverseDHCP, OptDomainName)
	require.True(t, ok)
	v, _ := oc.Evaluate(nil)
	assert.Equal(t, "only", string(v))
}

func TestOptionState_delete(t *testing.T) {
	s := NewOptionState()
	s.Supersede(UniverseDHCP, nil, OptHostName, []byte("x"))
	s.Delete(UniverseDHCP, OptHostName)

	_, ok := s.Lookup(UniverseDHCP, OptHostName)
	assert.False(t, ok)
}

func TestOptionState_universesAreIndependent(t *testing.T) {
	s := NewOptionState()
	s.Supersede(UniverseDHCP, nil, OptHostName, []byte("dhcp"))
	s.Supersede(UniverseVendor, nil, OptHostName, []byte("vendor"))

	dhcpOC, ok := s.Lookup(UniverseDHCP, OptHostName)
	require.True(t, ok)
	v, _ := dhcpOC.Evaluate(nil)
	assert.Equal(t, "dhcp", string(v))

	vendorOC, ok := s.Lookup(UniverseVendor, OptHostName)
	require.True(t, ok)
	v, _ = vendorOC.Evaluate(nil)
	assert.Equal(t, "vendor", string(v))
}

func TestOptionState_hashCollisionChaining(t *testing.T) {
	s := NewOptionState()
	// 1 and 18 collide: ((1&31)+((1>>5)&31))%17 == ((18&31)+((18>>5)&31))%17 == 1.
	require.Equal(t, optionHash(1), optionHash(18))

	s.Supersede(UniverseDHCP, nil, OptionCode(1), []byte("one"))
	s.Supersede(UniverseDHCP, nil, OptionCode(18), []byte("eighteen"))

	oc1, ok := s.Lookup(UniverseDHCP, OptionCode(1))
	require.True(t, ok)
	v, _ := oc1.Evaluate(nil)
	assert.Equal(t, "one", string(v))

	oc18, ok := s.Lookup(UniverseDHCP, OptionCode(18))
	require.True(t, ok)
	v, _ = oc18.Evaluate(nil)
	assert.Equal(t, "eighteen", string(v))
}

func TestOptionState_agentOptionsLastWins(t *testing.T) {
	s := NewOptionState()
	first := &AgentOptionList{Raw: []byte{1}}
	second := &AgentOptionList{Raw: []byte{2}}

	s.AddAgentOptions(first)
	s.AddAgentOptions(second)

	assert.Same(t, second, s.LastAgentOptions())
}

func TestAgentOptionList_sub(t *testing.T) {
	l := &AgentOptionList{Subs: []AgentSubOption{
		{Code: AgentSubCircuitID, Data: []byte{1}},
		{Code: AgentSubRemoteID, Data: []byte{2}},
	}}

	v, ok := l.Sub(AgentSubRemoteID)
	require.True(t, ok)
	assert.Equal(t, []byte{2}, v)

	_, ok = l.Sub(OptionCode(99))
	assert.False(t, ok)
}

func TestStatement_validateRejectsUnknownUniverse(t *testing.T) {
	st := Statement{Universe: universeCount, Code: OptHostName, Value: ConstExpr("x")}
	assert.ErrorIs(t, st.Validate(), errUnknownUniverse)

	st.Universe = UniverseDHCP
	assert.NoError(t, st.Validate())
}
