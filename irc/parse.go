package irc

import (
	"strings"
)

// tagUnescapes lists the tag value escapes in the order they are applied.
// The backslash literal comes after \: and \s and before \r and \n.
var tagUnescapes = [...][2]string{
	{`\:`, ";"},
	{`\s`, " "},
	{`\\`, `\`},
	{`\r`, "\r"},
	{`\n`, "\n"},
}

// Unescape decodes a tag value.
func Unescape(value string) string {
	if !strings.ContainsRune(value, '\\') {
		return value
	}
	for _, r := range tagUnescapes {
		value = strings.ReplaceAll(value, r[0], r[1])
	}
	return value
}

var tagEscaper = strings.NewReplacer(`\`, `\\`, ";", `\:`, " ", `\s`, "\r", `\r`, "\n", `\n`)

// Escape encodes a tag value for the wire.
func Escape(value string) string { return tagEscaper.Replace(value) }

// Parse decodes one line. The line must end with CR LF; anything else is
// reported as ErrIncompleteLine. Grammar failures return a *ParseError.
//
//	message = ["@" tags " "] [":" prefix " "] command params CRLF
func Parse(line string) (*Message, error) {
	if !strings.HasSuffix(line, "\r\n") {
		return nil, ErrIncompleteLine
	}
	p := &parser{line: line, s: line[:len(line)-2]}
	if i := strings.IndexAny(p.s, "\x00\r\n"); i >= 0 {
		return nil, p.fail(i, "control character inside line")
	}

	m := &Message{Raw: line}
	if p.next('@') {
		tags, err := p.tags()
		if err != nil {
			return nil, err
		}
		m.Tags = tags
	}
	if p.next(':') {
		src, err := p.prefix()
		if err != nil {
			return nil, err
		}
		m.Source = src
	}
	cmd, err := p.command()
	if err != nil {
		return nil, err
	}
	m.Command = strings.ToLower(cmd)
	params, err := p.params()
	if err != nil {
		return nil, err
	}
	m.Params = params
	return m, nil
}

type parser struct {
	line string
	s    string
	pos  int
}

func (p *parser) fail(pos int, reason string) error {
	return &ParseError{Line: p.line, Pos: pos, Reason: reason}
}

// next consumes c if it is the next byte.
func (p *parser) next(c byte) bool {
	if p.pos < len(p.s) && p.s[p.pos] == c {
		p.pos++
		return true
	}
	return false
}

// field consumes up to the next space and the space itself.
func (p *parser) field(what string) (string, int, error) {
	start := p.pos
	i := strings.IndexByte(p.s[start:], ' ')
	if i < 0 {
		return "", start, p.fail(len(p.s), what+" not followed by a command")
	}
	p.pos = start + i + 1
	return p.s[start : start+i], start, nil
}

func (p *parser) tags() (Tags, error) {
	seg, start, err := p.field("tags")
	if err != nil {
		return nil, err
	}
	tags := make(Tags)
	off := start
	for _, part := range strings.Split(seg, ";") {
		key, value, _ := strings.Cut(part, "=")
		if !validTagKey(key) {
			return nil, p.fail(off, "invalid tag key "+quote(key))
		}
		tags[key] = Unescape(value)
		off += len(part) + 1
	}
	return tags, nil
}

func (p *parser) prefix() (Source, error) {
	tok, start, err := p.field("prefix")
	if err != nil {
		return Source{}, err
	}
	src, ok := parseSource(tok)
	if !ok {
		return Source{}, p.fail(start, "invalid prefix "+quote(tok))
	}
	return src, nil
}

func (p *parser) command() (string, error) {
	start := p.pos
	end := start
	for end < len(p.s) && isLetter(p.s[end]) {
		end++
	}
	if end == start {
		for end < len(p.s) && isDigit(p.s[end]) {
			end++
		}
		if end-start != 3 {
			return "", p.fail(start, "command must be a word or a three digit numeric")
		}
	}
	if end < len(p.s) && p.s[end] != ' ' {
		return "", p.fail(end, "unexpected character after command")
	}
	p.pos = end
	return p.s[start:end], nil
}

// params reads middles until a trailing parameter or the end of the line. A
// token that starts with ':' is the trailing parameter and may hold spaces;
// so does the remainder after a doubled space.
func (p *parser) params() ([]string, error) {
	var params []string
	for p.pos < len(p.s) {
		if p.s[p.pos] != ' ' {
			return nil, p.fail(p.pos, "expected space before parameter")
		}
		p.pos++
		if p.pos == len(p.s) {
			return nil, p.fail(p.pos, "empty parameter")
		}
		rest := p.s[p.pos:]
		if rest[0] == ':' {
			params = append(params, rest[1:])
			p.pos = len(p.s)
			break
		}
		i := strings.IndexByte(rest, ' ')
		if i <= 0 {
			params = append(params, rest)
			p.pos = len(p.s)
			break
		}
		params = append(params, rest[:i])
		p.pos += i
	}
	return params, nil
}

// parseSource applies the prefix rules: anything with '!' or '@' is a user,
// a dotted name is a server, a bare name is a nick.
func parseSource(tok string) (Source, bool) {
	if i := strings.IndexAny(tok, "!@"); i >= 0 {
		nick, rest := tok[:i], tok[i:]
		if !validNick(nick) {
			return Source{}, false
		}
		src := Source{Kind: SourceUser, Nick: nick}
		if rest[0] == '!' {
			user, host, ok := strings.Cut(rest[1:], "@")
			if !ok || !validUser(user) {
				return Source{}, false
			}
			src.User = user
			rest = "@" + host
		}
		if !validHost(rest[1:]) {
			return Source{}, false
		}
		src.Host = rest[1:]
		return src, true
	}
	if strings.ContainsRune(tok, '.') {
		if !validHost(tok) {
			return Source{}, false
		}
		return Source{Kind: SourceServer, Host: tok}, true
	}
	if !validNick(tok) {
		return Source{}, false
	}
	return Source{Kind: SourceUser, Nick: tok}, true
}

func validTagKey(key string) bool {
	name := key
	if i := strings.LastIndexByte(key, '/'); i >= 0 {
		if !validHost(key[:i]) {
			return false
		}
		name = key[i+1:]
	}
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !isLetter(c) && !isDigit(c) && c != '-' && c != '_' {
			return false
		}
	}
	return true
}

func validNick(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !isLetter(c) && !isDigit(c) && !strings.ContainsRune("[]\\`_^{|}-", rune(c)) {
			return false
		}
	}
	return true
}

func validUser(s string) bool {
	return s != "" && !strings.ContainsAny(s, "\x00\r\n @")
}

// validHost accepts nick-like first labels followed by dotted short names,
// which covers IPv4 too, or an IPv6 literal.
func validHost(s string) bool {
	if s == "" {
		return false
	}
	if strings.ContainsRune(s, ':') {
		for i := 0; i < len(s); i++ {
			c := s[i]
			if !isHex(c) && c != ':' && c != '.' {
				return false
			}
		}
		return true
	}
	labels := strings.Split(s, ".")
	if !validNick(labels[0]) {
		return false
	}
	for _, l := range labels[1:] {
		if l == "" || !isLetter(l[0]) && !isDigit(l[0]) {
			return false
		}
		for i := 1; i < len(l); i++ {
			if !isLetter(l[i]) && !isDigit(l[i]) && l[i] != '-' {
				return false
			}
		}
	}
	return true
}

func isLetter(c byte) bool { return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' }

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isHex(c byte) bool { return isDigit(c) || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F' }

func quote(s string) string {
	if len(s) > 32 {
		s = s[:32] + "..."
	}
	return `"` + s + `"`
}
