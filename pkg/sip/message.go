package sip

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// SIPVersion is the only protocol version this agent speaks.
const SIPVersion = "SIP/2.0"

// ErrMalformedMessage is returned for datagrams that cannot be parsed as a
// SIP request or response. Callers log, count, and drop.
var ErrMalformedMessage = errors.New("malformed SIP message")

// MessageKind discriminates requests from responses.
type MessageKind int

const (
	KindRequest MessageKind = iota
	KindResponse
)

// Methods the agent understands. Anything else is answered 501.
const (
	MethodInvite    = "INVITE"
	MethodAck       = "ACK"
	MethodBye       = "BYE"
	MethodCancel    = "CANCEL"
	MethodRegister  = "REGISTER"
	MethodOptions   = "OPTIONS"
	MethodInfo      = "INFO"
	MethodUpdate    = "UPDATE"
	MethodPrack     = "PRACK"
	MethodSubscribe = "SUBSCRIBE"
	MethodNotify    = "NOTIFY"
	MethodMessage   = "MESSAGE"
	MethodRefer     = "REFER"
)

var knownMethods = map[string]bool{
	MethodInvite: true, MethodAck: true, MethodBye: true, MethodCancel: true,
	MethodRegister: true, MethodOptions: true, MethodInfo: true,
	MethodUpdate: true, MethodPrack: true, MethodSubscribe: true,
	MethodNotify: true, MethodMessage: true, MethodRefer: true,
}

// IsKnownMethod reports whether method is one the agent recognises.
func IsKnownMethod(method string) bool {
	return knownMethods[strings.ToUpper(method)]
}

type headerField struct {
	name  string // stored lowercased
	value string
}

// Message is a parsed SIP request or response. Header names are matched
// case-insensitively and stored lowercased; wire order is preserved.
type Message struct {
	Kind       MessageKind
	Method     string // requests only
	RequestURI string // requests only
	StatusCode int    // responses only
	Reason     string // responses only
	Version    string

	headers []headerField
	Body    []byte
}

// CSeqValue is the decomposed CSeq header.
type CSeqValue struct {
	Sequence uint32
	Method   string
}

// NewRequest builds a request with an empty header set.
func NewRequest(method, requestURI string) *Message {
	return &Message{
		Kind:       KindRequest,
		Method:     strings.ToUpper(method),
		RequestURI: requestURI,
		Version:    SIPVersion,
	}
}

// NewResponse builds a response to req seeded with the headers a response
// must echo: Via, From, To, Call-ID, and CSeq. Adding a To-tag for non-100
// responses is the caller's job, as is setting Content-Length before
// serialization.
func NewResponse(req *Message, statusCode int, reason string) *Message {
	if reason == "" {
		reason = defaultReasonPhrase(statusCode)
	}
	resp := &Message{
		Kind:       KindResponse,
		StatusCode: statusCode,
		Reason:     reason,
		Version:    SIPVersion,
	}
	for _, name := range []string{"via", "from", "to", "call-id", "cseq"} {
		for _, v := range req.GetHeaders(name) {
			resp.AddHeader(name, v)
		}
	}
	return resp
}

// ParseMessage parses one datagram. LF-only line endings are tolerated;
// serialization always emits CRLF.
func ParseMessage(data []byte) (*Message, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty buffer", ErrMalformedMessage)
	}

	startLine, rest, ok := nextLine(data)
	if !ok && len(rest) == 0 && startLine == "" {
		return nil, fmt.Errorf("%w: empty buffer", ErrMalformedMessage)
	}

	msg := &Message{}
	if err := msg.parseStartLine(startLine); err != nil {
		return nil, err
	}

	// Header section runs until the first empty line; everything after it
	// is the body, verbatim.
	for {
		var line string
		line, rest, ok = nextLine(rest)
		if line == "" {
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			// Folded continuation of the previous header.
			if n := len(msg.headers); n > 0 {
				msg.headers[n-1].value += " " + strings.TrimSpace(line)
			}
			continue
		}
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		msg.headers = append(msg.headers, headerField{
			name:  strings.ToLower(strings.TrimSpace(name)),
			value: strings.TrimSpace(value),
		})
		if !ok {
			break
		}
	}

	msg.Body = rest
	// A present Content-Length bounds the body; absent means the datagram
	// remainder is the body.
	if cl := msg.GetHeader("Content-Length"); cl != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(cl)); err == nil && n >= 0 && n < len(msg.Body) {
			msg.Body = msg.Body[:n]
		}
	}
	if len(msg.Body) == 0 {
		msg.Body = nil
	}
	return msg, nil
}

func (m *Message) parseStartLine(line string) error {
	if strings.HasPrefix(line, "SIP/") {
		parts := strings.SplitN(line, " ", 3)
		if len(parts) < 3 {
			return fmt.Errorf("%w: short status line %q", ErrMalformedMessage, line)
		}
		code, err := strconv.Atoi(parts[1])
		if err != nil {
			return fmt.Errorf("%w: bad status code %q", ErrMalformedMessage, parts[1])
		}
		m.Kind = KindResponse
		m.Version = parts[0]
		m.StatusCode = code
		m.Reason = parts[2]
		return nil
	}

	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 3 {
		return fmt.Errorf("%w: short request line %q", ErrMalformedMessage, line)
	}
	m.Kind = KindRequest
	m.Method = strings.ToUpper(parts[0])
	m.RequestURI = parts[1]
	m.Version = parts[2]
	return nil
}

// nextLine returns the text before the next line break (CR stripped), the
// bytes after it, and whether a break was found.
func nextLine(data []byte) (string, []byte, bool) {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return strings.TrimSuffix(string(data), "\r"), nil, false
	}
	line := data[:i]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	return string(line), data[i+1:], true
}

// Serialize renders the message in wire form. Content-Length is emitted
// only if the caller has set it; the response and request builders own
// that contract.
func (m *Message) Serialize() []byte {
	var bb bytes.Buffer
	if m.Kind == KindRequest {
		version := m.Version
		if version == "" {
			version = SIPVersion
		}
		fmt.Fprintf(&bb, "%s %s %s\r\n", m.Method, m.RequestURI, version)
	} else {
		version := m.Version
		if version == "" {
			version = SIPVersion
		}
		fmt.Fprintf(&bb, "%s %d %s\r\n", version, m.StatusCode, m.Reason)
	}
	for _, h := range m.headers {
		fmt.Fprintf(&bb, "%s: %s\r\n", h.name, h.value)
	}
	bb.WriteString("\r\n")
	bb.Write(m.Body)
	return bb.Bytes()
}

// GetHeader returns the first value of the named header, or "".
func (m *Message) GetHeader(name string) string {
	name = strings.ToLower(name)
	for _, h := range m.headers {
		if h.name == name {
			return h.value
		}
	}
	return ""
}

// GetHeaders returns every value of the named header in wire order.
func (m *Message) GetHeaders(name string) []string {
	name = strings.ToLower(name)
	var values []string
	for _, h := range m.headers {
		if h.name == name {
			values = append(values, h.value)
		}
	}
	return values
}

// HasHeader reports whether the named header is present.
func (m *Message) HasHeader(name string) bool {
	name = strings.ToLower(name)
	for _, h := range m.headers {
		if h.name == name {
			return true
		}
	}
	return false
}

// AddHeader appends a header, preserving any existing values.
func (m *Message) AddHeader(name, value string) {
	m.headers = append(m.headers, headerField{name: strings.ToLower(name), value: value})
}

// SetHeader replaces the first occurrence of the named header, removing any
// further occurrences, or appends it if absent.
func (m *Message) SetHeader(name, value string) {
	name = strings.ToLower(name)
	replaced := false
	out := m.headers[:0]
	for _, h := range m.headers {
		if h.name == name {
			if replaced {
				continue
			}
			h.value = value
			replaced = true
		}
		out = append(out, h)
	}
	m.headers = out
	if !replaced {
		m.headers = append(m.headers, headerField{name: name, value: value})
	}
}

// DelHeader removes every occurrence of the named header.
func (m *Message) DelHeader(name string) {
	name = strings.ToLower(name)
	out := m.headers[:0]
	for _, h := range m.headers {
		if h.name != name {
			out = append(out, h)
		}
	}
	m.headers = out
}

// HeaderNames returns the stored (lowercased) header names in wire order.
func (m *Message) HeaderNames() []string {
	names := make([]string, len(m.headers))
	for i, h := range m.headers {
		names[i] = h.name
	}
	return names
}

// CallID returns the Call-ID header value.
func (m *Message) CallID() string {
	return m.GetHeader("Call-ID")
}

// CSeq decomposes the CSeq header. ok is false when the header is missing
// or its sequence is not numeric.
func (m *Message) CSeq() (CSeqValue, bool) {
	fields := strings.Fields(m.GetHeader("CSeq"))
	if len(fields) < 2 {
		return CSeqValue{}, false
	}
	seq, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return CSeqValue{}, false
	}
	return CSeqValue{Sequence: uint32(seq), Method: strings.ToUpper(fields[1])}, true
}

// FromTag returns the tag parameter of the From header, or "".
func (m *Message) FromTag() string {
	return ExtractTag(m.GetHeader("From"))
}

// ToTag returns the tag parameter of the To header, or "".
func (m *Message) ToTag() string {
	return ExtractTag(m.GetHeader("To"))
}

// ExtractTag pulls the tag parameter out of a From/To header value. The tag
// runs from "tag=" to the next ';', '>', or whitespace.
func ExtractTag(header string) string {
	lower := strings.ToLower(header)
	i := strings.Index(lower, "tag=")
	for i >= 0 {
		// Accept only parameter position: preceded by ';' or start.
		if i == 0 || header[i-1] == ';' || header[i-1] == ' ' {
			tag := header[i+4:]
			if j := strings.IndexAny(tag, ";> \t"); j >= 0 {
				tag = tag[:j]
			}
			return tag
		}
		next := strings.Index(lower[i+1:], "tag=")
		if next < 0 {
			return ""
		}
		i += 1 + next
	}
	return ""
}

// ExtractURIUser returns the user part of the first SIP URI in header, for
// header values like `"Alice" <sip:alice@example.com>;tag=x` or bare
// `sip:alice@example.com`.
func ExtractURIUser(header string) string {
	s := header
	if i := strings.Index(s, "<"); i >= 0 {
		s = s[i+1:]
		if j := strings.Index(s, ">"); j >= 0 {
			s = s[:j]
		}
	}
	s = strings.TrimPrefix(strings.TrimPrefix(s, "sip:"), "sips:")
	at := strings.Index(s, "@")
	if at <= 0 {
		return ""
	}
	return s[:at]
}

// ExtractBranch pulls the branch parameter out of a Via header value.
func ExtractBranch(header string) string {
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(strings.ToLower(part), "branch=") {
			return part[len("branch="):]
		}
	}
	return ""
}

func defaultReasonPhrase(status int) string {
	switch status {
	case 100:
		return "Trying"
	case 180:
		return "Ringing"
	case 183:
		return "Session Progress"
	case 200:
		return "OK"
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	case 408:
		return "Request Timeout"
	case 481:
		return "Call/Transaction Does Not Exist"
	case 486:
		return "Busy Here"
	case 487:
		return "Request Terminated"
	case 500:
		return "Server Internal Error"
	case 501:
		return "Not Implemented"
	case 503:
		return "Service Unavailable"
	case 603:
		return "Decline"
	default:
		switch {
		case status >= 100 && status < 200:
			return "Trying"
		case status >= 200 && status < 300:
			return "OK"
		case status >= 300 && status < 400:
			return "Moved"
		case status >= 400 && status < 500:
			return "Client Error"
		case status >= 500 && status < 600:
			return "Server Error"
		default:
			return "Global Failure"
		}
	}
}
