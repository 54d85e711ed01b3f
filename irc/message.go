package irc

import (
	"strings"
)

const ctcpDelim = '\x01'

// Tags holds decoded message tags. A key sent without "=" and a key sent with
// an empty value both map to "".
type Tags map[string]string

// SourceKind tells which variant a Source holds.
type SourceKind int

const (
	// SourceUnknown means the line carried no prefix. The connection fills
	// Host with the server it is connected to.
	SourceUnknown SourceKind = iota
	// SourceServer is a prefix naming a server.
	SourceServer
	// SourceUser is a nick with optional user and host.
	SourceUser
)

func (k SourceKind) String() string {
	switch k {
	case SourceServer:
		return "server"
	case SourceUser:
		return "user"
	default:
		return "unknown"
	}
}

// Source is the origin of a message. Empty User or Host on a SourceUser mean
// the part was absent from the prefix.
type Source struct {
	Kind SourceKind
	Host string
	Nick string
	User string
}

// String renders the source in prefix form without the leading colon.
func (s Source) String() string {
	if s.Kind != SourceUser {
		return s.Host
	}
	var b strings.Builder
	b.WriteString(s.Nick)
	if s.User != "" {
		b.WriteByte('!')
		b.WriteString(s.User)
	}
	if s.Host != "" {
		b.WriteByte('@')
		b.WriteString(s.Host)
	}
	return b.String()
}

// Message is one parsed line.
type Message struct {
	// Raw is the line as received, CR LF included.
	Raw    string
	Tags   Tags
	Source Source
	// Command is lowercased: an alphabetic verb or a three digit numeric.
	Command string
	Params  []string
}

// Param returns the i'th parameter or "" when there are fewer.
func (m *Message) Param(i int) string {
	if i < 0 || i >= len(m.Params) {
		return ""
	}
	return m.Params[i]
}

// Trailing returns the last parameter, or "" when there are none.
func (m *Message) Trailing() string {
	if len(m.Params) == 0 {
		return ""
	}
	return m.Params[len(m.Params)-1]
}

// CTCP recognises a PRIVMSG whose text is framed by 0x01 bytes and returns a
// synthetic message with command "ctcp_<tag>" and params [target, payload].
// The tag is lowercased; a frame without a space has an empty payload.
func (m *Message) CTCP() (*Message, bool) {
	if m.Command != "privmsg" || len(m.Params) < 2 {
		return nil, false
	}
	body := m.Trailing()
	if len(body) < 2 || body[0] != ctcpDelim || body[len(body)-1] != ctcpDelim {
		return nil, false
	}
	tag, payload, _ := strings.Cut(body[1:len(body)-1], " ")
	if tag == "" {
		return nil, false
	}
	out := *m
	out.Command = "ctcp_" + strings.ToLower(tag)
	out.Params = []string{m.Params[0], payload}
	return &out, true
}

// String re-encodes the message in wire form without the CR LF. Tag values
// are escaped; the command is uppercased.
func (m *Message) String() string {
	var b strings.Builder
	if len(m.Tags) > 0 {
		b.WriteByte('@')
		first := true
		for k, v := range m.Tags {
			if !first {
				b.WriteByte(';')
			}
			first = false
			b.WriteString(k)
			if v != "" {
				b.WriteByte('=')
				b.WriteString(Escape(v))
			}
		}
		b.WriteByte(' ')
	}
	if m.Source.Kind != SourceUnknown {
		b.WriteByte(':')
		b.WriteString(m.Source.String())
		b.WriteByte(' ')
	}
	b.WriteString(strings.ToUpper(m.Command))
	for i, p := range m.Params {
		b.WriteByte(' ')
		if i == len(m.Params)-1 && (p == "" || strings.ContainsRune(p, ' ') || p[0] == ':') {
			b.WriteByte(':')
		}
		b.WriteString(p)
	}
	return b.String()
}
