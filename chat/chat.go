package chat

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/shodan/irc"
	"github.com/onnwee/shodan/telemetry"
)

// Entry is one chat_messages row.
type Entry struct {
	Channel      string
	MsgID        string
	UserID       string
	Username     string
	Message      string
	Action       bool
	AbsTimestamp time.Time
	Badges       string
	Emotes       string
	Color        string

	ReplyToID       string
	ReplyToUsername string
	ReplyToMessage  string
}

// Recorder persists chat messages.
type Recorder struct {
	DB *sql.DB
	// Now stamps messages that carry no tmi-sent-ts tag. Defaults to time.Now.
	Now func() time.Time
}

// Record stores m, a PRIVMSG received on channel.
func (r *Recorder) Record(ctx context.Context, channel string, m *irc.Message) error {
	if r == nil || r.DB == nil {
		return nil
	}
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	e, ok := EntryFrom(channel, m, now().UTC())
	if !ok {
		return nil
	}
	err := r.insert(ctx, e)
	telemetry.RecordChatMessage(err)
	return err
}

func (r *Recorder) insert(ctx context.Context, e Entry) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO chat_messages
		(channel, msg_id, user_id, username, message, action, abs_timestamp, badges, emotes, color, reply_to_id, reply_to_username, reply_to_message)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (msg_id) WHERE msg_id IS NOT NULL DO NOTHING`,
		e.Channel, nullable(e.MsgID), e.UserID, e.Username, e.Message, e.Action, e.AbsTimestamp,
		e.Badges, e.Emotes, e.Color, nullable(e.ReplyToID), e.ReplyToUsername, e.ReplyToMessage)
	if err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return nil
}

// EntryFrom decodes the Twitch view of m. It reports false when m is not a
// channel message.
func EntryFrom(channel string, m *irc.Message, now time.Time) (Entry, bool) {
	raw := strings.TrimRight(m.Raw, "\r\n")
	if raw == "" {
		raw = m.String()
	}
	msg, ok := twitch.ParseMessage(raw).(*twitch.PrivateMessage)
	if !ok {
		return Entry{}, false
	}
	e := Entry{
		Channel:         channel,
		MsgID:           msg.ID,
		UserID:          msg.User.ID,
		Username:        msg.User.Name,
		Message:         msg.Message,
		Action:          msg.Action,
		AbsTimestamp:    now,
		Badges:          badges(msg.User.Badges),
		Emotes:          emotes(msg.Emotes),
		Color:           msg.User.Color,
		ReplyToID:       msg.Tags["reply-parent-msg-id"],
		ReplyToUsername: msg.Tags["reply-parent-user-login"],
		ReplyToMessage:  msg.Tags["reply-parent-msg-body"],
	}
	if e.Username == "" {
		e.Username = m.Source.Nick
	}
	if ts, err := strconv.ParseInt(msg.Tags["tmi-sent-ts"], 10, 64); err == nil && ts > 0 {
		e.AbsTimestamp = time.UnixMilli(ts).UTC()
	}
	return e, true
}

// badges renders "name:version" pairs in a stable order.
func badges(b map[string]int) string {
	if len(b) == 0 {
		return ""
	}
	parts := make([]string, 0, len(b))
	for k, v := range b {
		parts = append(parts, k+":"+strconv.Itoa(v))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func emotes(list []*twitch.Emote) string {
	names := make([]string, 0, len(list))
	for _, e := range list {
		if e != nil {
			names = append(names, e.Name)
		}
	}
	return strings.Join(names, ",")
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
