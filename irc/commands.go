package irc

import (
	"context"
)

// Raw writes line followed by CR LF and waits for the flush.
func (c *Conn) Raw(ctx context.Context, line string) error {
	return c.write(ctx, line)
}

// Pass sends PASS <password>.
func (c *Conn) Pass(ctx context.Context, password string) error {
	return c.write(ctx, "PASS "+password)
}

// Nick sends NICK <nick>.
func (c *Conn) Nick(ctx context.Context, nick string) error {
	return c.write(ctx, "NICK "+nick)
}

// Join sends JOIN <target>.
func (c *Conn) Join(ctx context.Context, target string) error {
	return c.write(ctx, "JOIN "+target)
}

// Part sends PART <target>.
func (c *Conn) Part(ctx context.Context, target string) error {
	return c.write(ctx, "PART "+target)
}

// CapReq sends CAP REQ :<capability>.
func (c *Conn) CapReq(ctx context.Context, capability string) error {
	return c.write(ctx, "CAP REQ :"+capability)
}

// Ping sends PING <server1> [<server2>]; an empty server2 is omitted.
func (c *Conn) Ping(ctx context.Context, server1, server2 string) error {
	return c.write(ctx, withOptional("PING "+server1, server2))
}

// Pong sends PONG <server1> [<server2>]; an empty server2 is omitted.
func (c *Conn) Pong(ctx context.Context, server1, server2 string) error {
	return c.write(ctx, withOptional("PONG "+server1, server2))
}

// Privmsg sends PRIVMSG <target> :<message>.
func (c *Conn) Privmsg(ctx context.Context, target, message string) error {
	return c.write(ctx, "PRIVMSG "+target+" :"+message)
}

func withOptional(line, arg string) string {
	if arg == "" {
		return line
	}
	return line + " " + arg
}
