package nbns

import (
	"encoding/binary"
	"fmt"
	"math"
	"net/netip"
	"strings"
	"time"

	"golang.org/x/net/dns/dnsmessage"
)

const (
	typeNB     dnsmessage.Type = 0x0020
	typeNBSTAT dnsmessage.Type = 0x0021

	nbFlagGroup    = 0x8000
	nbEntryLen     = 6
	encodedNameLen = 32
)

// Opcode is the four bit operation code of a name service header.
type Opcode uint8

const (
	OpQuery              Opcode = 0x0
	OpRegister           Opcode = 0x5
	OpRelease            Opcode = 0x6
	OpWACK               Opcode = 0x7
	OpRefresh            Opcode = 0x8
	OpRefreshAlt         Opcode = 0x9
	OpMultiHomedRegister Opcode = 0xF
)

// RCode is the result code carried in responses.
type RCode uint8

const (
	RCodeOK            RCode = 0x0
	RCodeFormatError   RCode = 0x1
	RCodeServerFailure RCode = 0x2
	RCodeUnsupported   RCode = 0x4
	RCodeRefused       RCode = 0x5
	RCodeActive        RCode = 0x6
	RCodeConflict      RCode = 0x7
)

func (c RCode) String() string {
	switch c {
	case RCodeOK:
		return "OK"
	case RCodeFormatError:
		return "FMT_ERR"
	case RCodeServerFailure:
		return "SRV_ERR"
	case RCodeUnsupported:
		return "IMP_ERR"
	case RCodeRefused:
		return "RFS_ERR"
	case RCodeActive:
		return "ACT_ERR"
	case RCodeConflict:
		return "CFT_ERR"
	default:
		return fmt.Sprintf("RCODE_%d", uint8(c))
	}
}

// duplicate reports whether the code means somebody else owns the name.
func (c RCode) duplicate() bool {
	return c == RCodeActive || c == RCodeConflict
}

// Kind classifies a packet by opcode and direction.
type Kind int

const (
	KindUnknown Kind = iota
	KindNameQuery
	KindNameRegister
	KindNameRelease
	KindNameRefresh
	KindNameRegisterMulti
	KindQueryResponse
	KindRegisterResponse
	KindReleaseResponse
	KindWACK
)

func (k Kind) String() string {
	switch k {
	case KindNameQuery:
		return "NAME_QUERY"
	case KindNameRegister:
		return "NAME_REGISTER"
	case KindNameRelease:
		return "NAME_RELEASE"
	case KindNameRefresh:
		return "REFRESH"
	case KindNameRegisterMulti:
		return "NAME_REGISTER_MULTI"
	case KindQueryResponse:
		return "RESP_QUERY"
	case KindRegisterResponse:
		return "RESP_REGISTER"
	case KindReleaseResponse:
		return "RESP_RELEASE"
	case KindWACK:
		return "WACK"
	default:
		return "UNKNOWN"
	}
}

// Record is an NB resource record.
type Record struct {
	Key   NameKey
	TTL   uint32
	Group bool
	Addrs []netip.Addr
}

// Packet is a name service datagram. Requests carry Question and put Record
// in the additional section; responses carry only Record, in the answer
// section.
type Packet struct {
	ID                 uint16
	Opcode             Opcode
	Response           bool
	Authoritative      bool
	RecursionDesired   bool
	RecursionAvailable bool
	Broadcast          bool
	RCode              RCode
	Scope              string

	Question   NameKey
	NodeStatus bool
	Record     *Record

	// Section counts as seen by Decode. Marshal ignores them.
	QuestionCount   int
	AnswerCount     int
	AdditionalCount int
}

func (p *Packet) Kind() Kind {
	if p.Response {
		switch p.Opcode {
		case OpQuery:
			return KindQueryResponse
		case OpRegister, OpRefresh, OpRefreshAlt, OpMultiHomedRegister:
			return KindRegisterResponse
		case OpRelease:
			return KindReleaseResponse
		case OpWACK:
			return KindWACK
		}
		return KindUnknown
	}
	switch p.Opcode {
	case OpQuery:
		return KindNameQuery
	case OpRegister:
		return KindNameRegister
	case OpRelease:
		return KindNameRelease
	case OpRefresh, OpRefreshAlt:
		return KindNameRefresh
	case OpMultiHomedRegister:
		return KindNameRegisterMulti
	}
	return KindUnknown
}

// NewRequest builds a query, registration, release or refresh request for
// the address at addrIndex of n.
func NewRequest(op Opcode, id uint16, n Name, addrIndex int, broadcast bool) (*Packet, error) {
	p := &Packet{
		ID:        id,
		Opcode:    op,
		Broadcast: broadcast,
		Question:  n.Key(),
	}
	switch op {
	case OpQuery:
		p.RecursionDesired = true
		return p, nil
	case OpRegister, OpMultiHomedRegister:
		p.RecursionDesired = true
	case OpRelease, OpRefresh, OpRefreshAlt:
	default:
		return nil, fmt.Errorf("cannot build a request with opcode 0x%X", uint8(op))
	}
	if addrIndex < 0 || addrIndex >= len(n.Addrs) {
		return nil, fmt.Errorf("address index %d out of range for %s with %d addresses", addrIndex, n, len(n.Addrs))
	}
	ttl := ttlSeconds(n.TTL)
	if op == OpRelease {
		ttl = 0
	}
	p.Record = &Record{
		Key:   n.Key(),
		TTL:   ttl,
		Group: n.Group,
		Addrs: []netip.Addr{n.Addrs[addrIndex]},
	}
	return p, nil
}

// NewQueryResponse answers query id with every address of n.
func NewQueryResponse(id uint16, n Name) *Packet {
	return &Packet{
		ID:               id,
		Opcode:           OpQuery,
		Response:         true,
		Authoritative:    true,
		RecursionDesired: true,
		Record: &Record{
			Key:   n.Key(),
			TTL:   ttlSeconds(n.TTL),
			Group: n.Group,
			Addrs: n.Addrs,
		},
	}
}

// NewRegisterResponse answers registration id with rcode.
func NewRegisterResponse(id uint16, n Name, rcode RCode) *Packet {
	return &Packet{
		ID:                 id,
		Opcode:             OpRegister,
		Response:           true,
		Authoritative:      true,
		RecursionDesired:   true,
		RecursionAvailable: true,
		RCode:              rcode,
		Record: &Record{
			Key:   n.Key(),
			TTL:   ttlSeconds(n.TTL),
			Group: n.Group,
			Addrs: n.Addrs,
		},
	}
}

func ttlSeconds(d time.Duration) uint32 {
	switch {
	case d <= 0:
		return 0
	case d >= MaxTTL:
		return math.MaxUint32
	}
	return uint32(d / time.Second)
}

func (p *Packet) Marshal() ([]byte, error) {
	msg := dnsmessage.Message{
		Header: dnsmessage.Header{
			ID:                 p.ID,
			Response:           p.Response,
			OpCode:             dnsmessage.OpCode(p.Opcode),
			Authoritative:      p.Authoritative,
			RecursionDesired:   p.RecursionDesired,
			RecursionAvailable: p.RecursionAvailable,
			// NM_FLAGS B sits where DNS keeps the CD bit.
			CheckingDisabled: p.Broadcast,
			RCode:            dnsmessage.RCode(p.RCode),
		},
	}

	if !p.Response {
		name, err := wireName(p.Question, p.Scope)
		if err != nil {
			return nil, err
		}
		qtype := typeNB
		if p.NodeStatus {
			qtype = typeNBSTAT
		}
		msg.Questions = []dnsmessage.Question{{Name: name, Type: qtype, Class: dnsmessage.ClassINET}}
	}

	if p.Record != nil {
		res, err := p.Record.resource(p.Scope)
		if err != nil {
			return nil, err
		}
		if p.Response {
			msg.Answers = []dnsmessage.Resource{res}
		} else {
			msg.Additionals = []dnsmessage.Resource{res}
		}
	}

	b, err := msg.Pack()
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s packet: %w", p.Kind(), err)
	}
	return b, nil
}

func (r *Record) resource(scope string) (dnsmessage.Resource, error) {
	name, err := wireName(r.Key, scope)
	if err != nil {
		return dnsmessage.Resource{}, err
	}
	flags := uint16(0)
	if r.Group {
		flags |= nbFlagGroup
	}
	data := make([]byte, 0, nbEntryLen*len(r.Addrs))
	for _, a := range r.Addrs {
		a = a.Unmap()
		if !a.Is4() {
			return dnsmessage.Resource{}, fmt.Errorf("%w: address %s for %s is not IPv4", ErrInvalidName, a, r.Key)
		}
		ip := a.As4()
		data = binary.BigEndian.AppendUint16(data, flags)
		data = append(data, ip[:]...)
	}
	return dnsmessage.Resource{
		Header: dnsmessage.ResourceHeader{
			Name:  name,
			Type:  typeNB,
			Class: dnsmessage.ClassINET,
			TTL:   r.TTL,
		},
		Body: &dnsmessage.UnknownResource{Type: typeNB, Data: data},
	}, nil
}

// Decode parses a datagram. Every failure wraps ErrMalformedPacket.
func Decode(b []byte) (*Packet, error) {
	var parser dnsmessage.Parser
	h, err := parser.Start(b)
	if err != nil {
		return nil, malformed("header", err)
	}
	p := &Packet{
		ID:                 h.ID,
		Opcode:             Opcode(h.OpCode),
		Response:           h.Response,
		Authoritative:      h.Authoritative,
		RecursionDesired:   h.RecursionDesired,
		RecursionAvailable: h.RecursionAvailable,
		Broadcast:          h.CheckingDisabled,
		RCode:              RCode(h.RCode),
	}

	questions, err := parser.AllQuestions()
	if err != nil {
		return nil, malformed("questions", err)
	}
	p.QuestionCount = len(questions)
	if len(questions) > 0 {
		key, scope, err := parseWireName(questions[0].Name)
		if err != nil {
			return nil, err
		}
		p.Question = key
		p.Scope = scope
		p.NodeStatus = questions[0].Type == typeNBSTAT
	}

	answers, err := parser.AllAnswers()
	if err != nil {
		return nil, malformed("answers", err)
	}
	p.AnswerCount = len(answers)
	if err := parser.SkipAllAuthorities(); err != nil {
		return nil, malformed("authorities", err)
	}
	additionals, err := parser.AllAdditionals()
	if err != nil {
		return nil, malformed("additionals", err)
	}
	p.AdditionalCount = len(additionals)

	for _, res := range append(answers, additionals...) {
		if res.Header.Type != typeNB {
			continue
		}
		rec, scope, err := parseRecord(res, p.Opcode == OpWACK)
		if err != nil {
			return nil, err
		}
		p.Record = rec
		if p.QuestionCount == 0 {
			p.Scope = scope
		}
		break
	}
	return p, nil
}

func parseRecord(res dnsmessage.Resource, wack bool) (*Record, string, error) {
	key, scope, err := parseWireName(res.Header.Name)
	if err != nil {
		return nil, "", err
	}
	body, ok := res.Body.(*dnsmessage.UnknownResource)
	if !ok {
		return nil, "", malformed("record", fmt.Errorf("unexpected body %T", res.Body))
	}
	rec := &Record{Key: key, TTL: res.Header.TTL}
	if wack {
		// WACK carries the request flags, not address entries.
		return rec, scope, nil
	}
	if len(body.Data)%nbEntryLen != 0 {
		return nil, "", malformed("record", fmt.Errorf("rdata length %d is not a multiple of %d", len(body.Data), nbEntryLen))
	}
	for i := 0; i < len(body.Data); i += nbEntryLen {
		flags := binary.BigEndian.Uint16(body.Data[i:])
		if i == 0 {
			rec.Group = flags&nbFlagGroup != 0
		}
		rec.Addrs = append(rec.Addrs, netip.AddrFrom4([4]byte(body.Data[i+2:i+nbEntryLen])))
	}
	return rec, scope, nil
}

func malformed(section string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrMalformedPacket, section, err)
}

// EncodeName applies first level encoding to key: the name is padded to 15
// bytes, the type appended, and every nibble mapped onto 'A'..'P'.
func EncodeName(key NameKey) string {
	var raw [16]byte
	pad := byte(' ')
	if strings.HasPrefix(key.Name, "*") {
		pad = 0
	}
	for i := range raw[:maxNameLen] {
		if i < len(key.Name) {
			raw[i] = key.Name[i]
		} else {
			raw[i] = pad
		}
	}
	raw[maxNameLen] = byte(key.Type)

	var out [encodedNameLen]byte
	for i, c := range raw {
		out[2*i] = 'A' + c>>4
		out[2*i+1] = 'A' + c&0x0F
	}
	return string(out[:])
}

// DecodeName reverses EncodeName.
func DecodeName(encoded string) (NameKey, error) {
	if len(encoded) != encodedNameLen {
		return NameKey{}, malformed("name", fmt.Errorf("encoded length %d, want %d", len(encoded), encodedNameLen))
	}
	encoded = strings.ToUpper(encoded)
	var raw [16]byte
	for i := range raw {
		hi, lo := encoded[2*i]-'A', encoded[2*i+1]-'A'
		if hi > 0x0F || lo > 0x0F {
			return NameKey{}, malformed("name", fmt.Errorf("invalid character in %q", encoded))
		}
		raw[i] = hi<<4 | lo
	}
	return NameKey{
		Name: strings.TrimRight(string(raw[:maxNameLen]), " \x00"),
		Type: NameType(raw[maxNameLen]),
	}, nil
}

func wireName(key NameKey, scope string) (dnsmessage.Name, error) {
	s := EncodeName(key) + "."
	if scope = strings.Trim(scope, "."); scope != "" {
		s += scope + "."
	}
	name, err := dnsmessage.NewName(s)
	if err != nil {
		return dnsmessage.Name{}, fmt.Errorf("invalid wire name for %s: %w", key, err)
	}
	return name, nil
}

func parseWireName(n dnsmessage.Name) (NameKey, string, error) {
	label, scope, _ := strings.Cut(n.String(), ".")
	key, err := DecodeName(label)
	if err != nil {
		return NameKey{}, "", err
	}
	return key, strings.TrimSuffix(scope, "."), nil
}
