package nbns

import (
	"math"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/dns/dnsmessage"
)

func TestEncodeName(t *testing.T) {
	tests := []struct {
		key  NameKey
		want string
	}{
		{NameKey{Name: "FRED", Type: FileServer}, "EGFCEFEECACACACACACACACACACACACA"},
		{NameKey{Name: "*", Type: WorkStation}, "CKAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"},
		{NameKey{Name: "FS1", Type: WorkStation}, "EGFDDBCACACACACACACACACACACACAAA"},
	}
	for _, tt := range tests {
		t.Run(tt.key.String(), func(t *testing.T) {
			got := EncodeName(tt.key)
			assert.Equal(t, tt.want, got)
			assert.Len(t, got, encodedNameLen)

			back, err := DecodeName(got)
			require.NoError(t, err)
			assert.Equal(t, tt.key, back)
		})
	}
}

func TestDecodeNameRejectsBadInput(t *testing.T) {
	_, err := DecodeName("EGFCEFEE")
	assert.ErrorIs(t, err, ErrMalformedPacket)

	_, err = DecodeName("ZZFCEFEECACACACACACACACACACACACA")
	assert.ErrorIs(t, err, ErrMalformedPacket)

	_, err = DecodeName("0GFCEFEECACACACACACACACACACACACA")
	assert.ErrorIs(t, err, ErrMalformedPacket)

	key, err := DecodeName("egfcefeecacacacacacacacacacacaca")
	require.NoError(t, err)
	assert.Equal(t, NameKey{Name: "FRED", Type: FileServer}, key)
}

func mustName(t *testing.T, name string, typ NameType, group bool, addrs ...string) Name {
	t.Helper()
	ips := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, netip.MustParseAddr(a))
	}
	n, err := NewName(name, typ, group, time.Hour, ips...)
	require.NoError(t, err)
	return n
}

func TestRequestRoundTrip(t *testing.T) {
	n := mustName(t, "fs1", FileServer, false, "192.168.1.10", "10.0.0.7")

	tests := []struct {
		op        Opcode
		kind      Kind
		broadcast bool
		rd        bool
		ttl       uint32
	}{
		{OpRegister, KindNameRegister, true, true, 3600},
		{OpMultiHomedRegister, KindNameRegisterMulti, false, true, 3600},
		{OpRelease, KindNameRelease, true, false, 0},
		{OpRefresh, KindNameRefresh, false, false, 3600},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			p, err := NewRequest(tt.op, 4242, n, 1, tt.broadcast)
			require.NoError(t, err)

			b, err := p.Marshal()
			require.NoError(t, err)

			got, err := Decode(b)
			require.NoError(t, err)

			assert.Equal(t, uint16(4242), got.ID)
			assert.Equal(t, tt.op, got.Opcode)
			assert.Equal(t, tt.kind, got.Kind())
			assert.False(t, got.Response)
			assert.Equal(t, tt.broadcast, got.Broadcast)
			assert.Equal(t, tt.rd, got.RecursionDesired)
			assert.Equal(t, NameKey{Name: "FS1", Type: FileServer}, got.Question)
			assert.Equal(t, 1, got.QuestionCount)
			assert.Equal(t, 0, got.AnswerCount)
			assert.Equal(t, 1, got.AdditionalCount)

			require.NotNil(t, got.Record)
			assert.Equal(t, n.Key(), got.Record.Key)
			assert.Equal(t, tt.ttl, got.Record.TTL)
			assert.Equal(t, []netip.Addr{netip.MustParseAddr("10.0.0.7")}, got.Record.Addrs)
			assert.False(t, got.Record.Group)
		})
	}
}

func TestTTLSecondsClamps(t *testing.T) {
	assert.Equal(t, uint32(0), ttlSeconds(-time.Second))
	assert.Equal(t, uint32(0), ttlSeconds(500*time.Millisecond))
	assert.Equal(t, uint32(600), ttlSeconds(10*time.Minute))
	assert.Equal(t, uint32(math.MaxUint32), ttlSeconds(MaxTTL))
	assert.Equal(t, uint32(math.MaxUint32), ttlSeconds(MaxTTL+time.Hour))
}

func TestQueryRequestHasNoRecord(t *testing.T) {
	n := mustName(t, "FS1", FileServer, false)

	p, err := NewRequest(OpQuery, 7, n, 0, true)
	require.NoError(t, err)
	b, err := p.Marshal()
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, KindNameQuery, got.Kind())
	assert.Equal(t, n.Key(), got.Question)
	assert.Nil(t, got.Record)
	assert.Equal(t, 0, got.AdditionalCount)
	assert.True(t, got.Broadcast)
}

func TestNewRequestErrors(t *testing.T) {
	n := mustName(t, "FS1", FileServer, false, "192.168.1.10")

	_, err := NewRequest(OpRegister, 1, n, 1, true)
	assert.Error(t, err)

	_, err = NewRequest(OpRegister, 1, n, -1, true)
	assert.Error(t, err)

	_, err = NewRequest(OpWACK, 1, n, 0, true)
	assert.Error(t, err)
}

func TestResponseRoundTrip(t *testing.T) {
	n := mustName(t, "DOMAIN", Domain, true, "192.168.1.10", "192.168.2.10")

	b, err := NewQueryResponse(99, n).Marshal()
	require.NoError(t, err)
	got, err := Decode(b)
	require.NoError(t, err)

	assert.Equal(t, KindQueryResponse, got.Kind())
	assert.True(t, got.Authoritative)
	assert.Equal(t, 0, got.QuestionCount)
	assert.Equal(t, 1, got.AnswerCount)
	require.NotNil(t, got.Record)
	assert.True(t, got.Record.Group)
	assert.Equal(t, n.Addrs, got.Record.Addrs)

	b, err = NewRegisterResponse(100, n, RCodeActive).Marshal()
	require.NoError(t, err)
	got, err = Decode(b)
	require.NoError(t, err)

	assert.Equal(t, KindRegisterResponse, got.Kind())
	assert.Equal(t, RCodeActive, got.RCode)
	assert.True(t, got.RCode.duplicate())
	assert.True(t, got.RecursionAvailable)
}

func TestScopeRoundTrip(t *testing.T) {
	n := mustName(t, "FS1", FileServer, false, "192.168.1.10")

	p, err := NewRequest(OpRegister, 1, n, 0, true)
	require.NoError(t, err)
	p.Scope = "corp.example"
	b, err := p.Marshal()
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, "corp.example", got.Scope)
	assert.Equal(t, n.Key(), got.Question)

	resp := NewQueryResponse(2, n)
	resp.Scope = "corp.example"
	b, err = resp.Marshal()
	require.NoError(t, err)

	got, err = Decode(b)
	require.NoError(t, err)
	assert.Equal(t, "corp.example", got.Scope)
}

func TestDecodeMalformed(t *testing.T) {
	n := mustName(t, "FS1", FileServer, false, "192.168.1.10")
	p, err := NewRequest(OpRegister, 1, n, 0, true)
	require.NoError(t, err)
	valid, err := p.Marshal()
	require.NoError(t, err)

	build := func(t *testing.T, label string, data []byte) []byte {
		t.Helper()
		name, err := dnsmessage.NewName(label + ".")
		require.NoError(t, err)
		msg := dnsmessage.Message{
			Header: dnsmessage.Header{ID: 5, Response: true, OpCode: dnsmessage.OpCode(OpQuery)},
			Answers: []dnsmessage.Resource{{
				Header: dnsmessage.ResourceHeader{Name: name, Class: dnsmessage.ClassINET, TTL: 60},
				Body:   &dnsmessage.UnknownResource{Type: typeNB, Data: data},
			}},
		}
		b, err := msg.Pack()
		require.NoError(t, err)
		return b
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short header", valid[:10]},
		{"truncated record", valid[:len(valid)-3]},
		{"bad name character", build(t, "ZZFCEFEECACACACACACACACACACACACA", make([]byte, 6))},
		{"short name", build(t, "EGFCEFEE", make([]byte, 6))},
		{"rdata not a multiple of six", build(t, EncodeName(n.Key()), make([]byte, 5))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			assert.ErrorIs(t, err, ErrMalformedPacket)
		})
	}
}

func TestDecodeNodeStatusQuestion(t *testing.T) {
	n := mustName(t, "*", WorkStation, false)
	p, err := NewRequest(OpQuery, 3, n, 0, false)
	require.NoError(t, err)
	p.NodeStatus = true

	b, err := p.Marshal()
	require.NoError(t, err)
	got, err := Decode(b)
	require.NoError(t, err)
	assert.True(t, got.NodeStatus)
	assert.Equal(t, NameKey{Name: "*", Type: WorkStation}, got.Question)
}

func TestWACKSkipsAddressParsing(t *testing.T) {
	name, err := dnsmessage.NewName(EncodeName(NameKey{Name: "FS1", Type: FileServer}) + ".")
	require.NoError(t, err)
	msg := dnsmessage.Message{
		Header: dnsmessage.Header{ID: 9, Response: true, OpCode: dnsmessage.OpCode(OpWACK)},
		Answers: []dnsmessage.Resource{{
			Header: dnsmessage.ResourceHeader{Name: name, Class: dnsmessage.ClassINET, TTL: 30},
			Body:   &dnsmessage.UnknownResource{Type: typeNB, Data: []byte{0x29, 0x10}},
		}},
	}
	b, err := msg.Pack()
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, KindWACK, got.Kind())
	require.NotNil(t, got.Record)
	assert.Equal(t, uint32(30), got.Record.TTL)
	assert.Empty(t, got.Record.Addrs)
}

func TestKind(t *testing.T) {
	tests := []struct {
		op       Opcode
		response bool
		want     Kind
	}{
		{OpQuery, false, KindNameQuery},
		{OpRegister, false, KindNameRegister},
		{OpRelease, false, KindNameRelease},
		{OpRefresh, false, KindNameRefresh},
		{OpRefreshAlt, false, KindNameRefresh},
		{OpMultiHomedRegister, false, KindNameRegisterMulti},
		{OpWACK, false, KindUnknown},
		{OpQuery, true, KindQueryResponse},
		{OpRegister, true, KindRegisterResponse},
		{OpRefresh, true, KindRegisterResponse},
		{OpMultiHomedRegister, true, KindRegisterResponse},
		{OpRelease, true, KindReleaseResponse},
		{OpWACK, true, KindWACK},
		{Opcode(0x3), true, KindUnknown},
	}
	for _, tt := range tests {
		p := &Packet{Opcode: tt.op, Response: tt.response}
		assert.Equal(t, tt.want, p.Kind(), "opcode 0x%X response=%v", uint8(tt.op), tt.response)
	}
}
