package chat

import (
	"context"
	"testing"
	"time"

	"github.com/onnwee/shodan/irc"
	"github.com/onnwee/shodan/testutil"
)

const privmsg = "@badge-info=;badges=subscriber/12,moderator/1;color=#FF0000;display-name=Alice;emotes=25:0-4;id=abc-123;mod=1;" +
	"reply-parent-msg-id=parent-1;reply-parent-user-login=bob;reply-parent-msg-body=hi;room-id=1;subscriber=1;" +
	"tmi-sent-ts=1700000000000;user-id=42 :alice!alice@alice.tmi.twitch.tv PRIVMSG #chan :Kappa hello\r\n"

func mustParse(t *testing.T, line string) *irc.Message {
	t.Helper()
	m, err := irc.Parse(line)
	if err != nil {
		t.Fatalf("Parse(%q): %v", line, err)
	}
	return m
}

func TestEntryFrom(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	e, ok := EntryFrom("#chan", mustParse(t, privmsg), now)
	if !ok {
		t.Fatal("PRIVMSG not recognised")
	}
	want := Entry{
		Channel:         "#chan",
		MsgID:           "abc-123",
		UserID:          "42",
		Username:        "alice",
		Message:         "Kappa hello",
		AbsTimestamp:    time.UnixMilli(1700000000000).UTC(),
		Badges:          "moderator:1,subscriber:12",
		Emotes:          "Kappa",
		Color:           "#FF0000",
		ReplyToID:       "parent-1",
		ReplyToUsername: "bob",
		ReplyToMessage:  "hi",
	}
	if e != want {
		t.Errorf("EntryFrom =\n %+v\nwant\n %+v", e, want)
	}
}

func TestEntryFromWithoutTags(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	e, ok := EntryFrom("#chan", mustParse(t, ":bob!bob@host PRIVMSG #chan :plain text\r\n"), now)
	if !ok {
		t.Fatal("PRIVMSG not recognised")
	}
	if e.Username != "bob" || e.Message != "plain text" || !e.AbsTimestamp.Equal(now) || e.MsgID != "" {
		t.Errorf("EntryFrom = %+v", e)
	}
}

func TestEntryFromIgnoresOtherCommands(t *testing.T) {
	if _, ok := EntryFrom("#chan", mustParse(t, ":tmi.twitch.tv NOTICE #chan :slow mode\r\n"), time.Now()); ok {
		t.Error("NOTICE recorded as a chat message")
	}
}

func TestRecordDisabled(t *testing.T) {
	var r *Recorder
	if err := r.Record(context.Background(), "#chan", mustParse(t, privmsg)); err != nil {
		t.Errorf("nil recorder: %v", err)
	}
	if err := (&Recorder{}).Record(context.Background(), "#chan", mustParse(t, privmsg)); err != nil {
		t.Errorf("recorder without db: %v", err)
	}
}

func TestRecordPersistsOnce(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	if _, err := database.ExecContext(ctx, `DELETE FROM chat_messages WHERE msg_id = $1`, "abc-123"); err != nil {
		t.Fatal(err)
	}
	r := &Recorder{DB: database}
	m := mustParse(t, privmsg)
	for i := 0; i < 2; i++ {
		if err := r.Record(ctx, "#chan", m); err != nil {
			t.Fatalf("Record #%d: %v", i+1, err)
		}
	}

	var (
		n        int
		username string
		badges   string
	)
	if err := database.QueryRowContext(ctx,
		`SELECT COUNT(*), MAX(username), MAX(badges) FROM chat_messages WHERE msg_id = $1`, "abc-123").
		Scan(&n, &username, &badges); err != nil {
		t.Fatal(err)
	}
	if n != 1 || username != "alice" || badges != "moderator:1,subscriber:12" {
		t.Errorf("stored rows = %d (%q, %q)", n, username, badges)
	}
}
