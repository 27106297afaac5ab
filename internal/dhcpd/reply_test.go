package dhcpd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestedMaxMessageSize_clamps(t *testing.T) {
	in := NewOptionState()
	pkt := &Packet{In: in}

	assert.Equal(t, defaultMaxMessageSize, RequestedMaxMessageSize(pkt))

	in.Supersede(UniverseDHCP, nil, OptMaxMessageSize, []byte{0, 100})
	assert.Equal(t, defaultMaxMessageSize, RequestedMaxMessageSize(pkt))

	big := make([]byte, 2)
	putBE16(big, 9000)
	in.Supersede(UniverseDHCP, nil, OptMaxMessageSize, big)
	assert.Equal(t, maxMaxMessageSize, RequestedMaxMessageSize(pkt))

	mid := make([]byte, 2)
	putBE16(mid, 1000)
	in.Supersede(UniverseDHCP, nil, OptMaxMessageSize, mid)
	assert.Equal(t, 1000, RequestedMaxMessageSize(pkt))
}

func TestBuildPriorityList_mandatoryLeadsClientPRL(t *testing.T) {
	in := NewOptionState()
	in.Supersede(UniverseDHCP, nil, OptParameterRequestList, []byte{byte(OptRouter), byte(OptSubnetMask)})
	pkt := &Packet{In: in}

	list := BuildPriorityList(pkt)
	assert.Equal(t, []OptionCode{
		OptDHCPMessageType, OptServerIdentifier, OptIPAddressLeaseTime, OptMessage, OptRequestedIPAddress,
		OptRouter, OptSubnetMask,
	}, list)
}

func TestBuildPriorityList_defaultsWhenNoPRL(t *testing.T) {
	pkt := &Packet{In: NewOptionState()}
	list := BuildPriorityList(pkt)
	assert.Equal(t, append(append([]OptionCode{}, mandatoryPriority...), defaultPriorityList...), list)
}

func TestConsOptions_fitsInMainAreaWithoutOverload(t *testing.T) {
	out := NewOptionState()
	out.Supersede(UniverseDHCP, nil, OptDHCPMessageType, []byte{byte(MessageAck)})
	out.Supersede(UniverseDHCP, nil, OptSubnetMask, []byte{255, 255, 255, 0})

	ctx := &EvalContext{Out: out}
	plan := ConsOptions(ctx, []OptionCode{OptDHCPMessageType, OptSubnetMask}, 576, nil, 0)

	assert.Zero(t, plan.Overload)
	assert.Empty(t, plan.File)
	assert.Empty(t, plan.SName)
	assert.Equal(t, byte(OptEnd), plan.Options[len(plan.Options)-1])
}

func TestConsOptions_overflowsIntoFileArea(t *testing.T) {
	out := NewOptionState()
	out.Supersede(UniverseDHCP, nil, OptDHCPMessageType, []byte{byte(MessageAck)})
	big := make([]byte, 100)
	for i := range big {
		big[i] = byte('x')
	}
	out.Supersede(UniverseDHCP, nil, OptVendorEncapsulated, big)

	ctx := &EvalContext{Out: out}
	// mms forces mainCap far below what's needed to hold the 100-byte value,
	// but the value fits within the 128-byte file area.
	plan := ConsOptions(ctx, []OptionCode{OptDHCPMessageType, OptVendorEncapsulated}, 300, nil, 0)

	require.NotZero(t, plan.Overload)
	require.NotEmpty(t, plan.File)
	assert.Equal(t, byte(OptEnd), plan.File[len(plan.File)-1])
	assert.Contains(t, string(plan.File), string(big))
}

func TestConsOptions_agentInformationReattached(t *testing.T) {
	out := NewOptionState()
	out.Supersede(UniverseDHCP, nil, OptDHCPMessageType, []byte{byte(MessageAck)})
	agent := &AgentOptionList{Raw: []byte{1, 2, 0xAA, 0xBB}}

	ctx := &EvalContext{Out: out}
	plan := ConsOptions(ctx, []OptionCode{OptDHCPMessageType}, 576, agent, 0)

	assert.Contains(t, string(plan.Options), string([]byte{byte(OptRelayAgentInformation), 4, 1, 2, 0xAA, 0xBB}))
}

func TestTLVCost_rfc3396Chunking(t *testing.T) {
	assert.Equal(t, 2, tlvCost(nil))
	assert.Equal(t, 2+10, tlvCost(make([]byte, 10)))
	assert.Equal(t, 2+255+2+1, tlvCost(make([]byte, 256)))
}
