package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPeerIdentityKey(t *testing.T) {
	p := PeerIdentity{Address: "aa:bb:cc:dd:ee:ff", Kind: AddressRandom}
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", p.Key())
	assert.Equal(t, p.Key(), PeerIdentity{Address: "AA:BB:CC:DD:EE:FF"}.Key())
	assert.Equal(t, "random", p.Kind.String())
}

func TestMaterialCloneIsDeep(t *testing.T) {
	m := Material{1: {0x01, 0x02}, 3: {0xff}}
	c := m.Clone()
	c[1][0] = 0x99
	c[4] = []byte{0x00}

	assert.Equal(t, byte(0x01), m[1][0])
	assert.NotContains(t, m, MaterialType(4))
	assert.Equal(t, []MaterialType{1, 3}, m.Types())
}

func TestMaterialCloneNil(t *testing.T) {
	var m Material
	c := m.Clone()
	assert.NotNil(t, c)
	assert.Empty(t, c)
}

func TestAccessPointStateSpare(t *testing.T) {
	s := AccessPointState{Capacity: 2, Active: 1, Ready: true}
	assert.True(t, s.Spare())
	s.Active = 2
	assert.False(t, s.Spare())
	s = AccessPointState{Capacity: 2}
	assert.False(t, s.Spare(), "not ready")
}

func TestEventName(t *testing.T) {
	assert.Equal(t, "opened", EventName(Opened{}))
	assert.Equal(t, "closed", EventName(Closed{Local: true}))
	assert.Equal(t, "analysis_sample", EventName(AnalysisSample{}))
	assert.Equal(t, "notification", EventName(Notification{}))
}

func TestTopologyPeerCount(t *testing.T) {
	topo := Topology{AccessPoints: []AccessPointView{
		{ID: 0, Peers: []PeerView{{}, {}}},
		{ID: 1},
		{ID: 2, Peers: []PeerView{{}}},
	}}
	assert.Equal(t, 3, topo.PeerCount())
}
