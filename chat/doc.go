// Package chat records channel messages seen by the bot.
//
// Every PRIVMSG delivered on the primary connection is handed to
// Recorder.Record, which decodes the Twitch metadata carried in the message
// tags (user id, badges, emotes, color, reply parent) and inserts one row into
// chat_messages. Twitch message ids are unique, so a line replayed after a
// reconnect is stored once.
//
// A nil Recorder, or one without a database, records nothing; the bot runs
// the same either way.
package chat
