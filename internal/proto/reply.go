package proto

import (
	"strconv"

	"gopkg.in/yaml.v3"
)

// Word formats a bare word reply, e.g. "DELETED", "RELEASED", "USING
// <tube>". Callers pass the already-space-joined words.
func Word(s string) []byte {
	b := make([]byte, 0, len(s)+2)
	b = append(b, s...)
	b = append(b, '\r', '\n')
	return b
}

// Inserted formats `put`'s success reply.
func Inserted(id uint64) []byte { return Word("INSERTED " + strconv.FormatUint(id, 10)) }

// Using formats `use`'s reply.
func Using(tube string) []byte { return Word("USING " + tube) }

// Watching formats `watch`/`ignore`'s reply (count of tubes now watched).
func Watching(n int) []byte { return Word("WATCHING " + strconv.Itoa(n)) }

// Kicked formats `kick`'s reply.
func Kicked(n int) []byte { return Word("KICKED " + strconv.Itoa(n)) }

// KickedJob formats `kick-job`'s bare reply (no count, unlike `kick`).
func KickedJob() []byte { return Word("KICKED") }

// Paused formats `pause-tube`'s reply.
func Paused() []byte { return Word("PAUSED") }

// Job formats a reply that carries a job id, body length, and body —
// RESERVED, FOUND (peek family). kind is "RESERVED" or "FOUND".
func Job(kind string, id uint64, body []byte) []byte {
	head := Word(kind + " " + strconv.FormatUint(id, 10) + " " + strconv.Itoa(len(body)))
	out := make([]byte, 0, len(head)+len(body)+2)
	out = append(out, head...)
	out = append(out, body...)
	out = append(out, '\r', '\n')
	return out
}

// YAML marshals v (a map or struct tagged for yaml) and formats it as an
// "OK <bytes>\r\n<yaml>\r\n" reply, matching the stats/stats-job/stats-tube/
// list-tubes* family. Field shape mirrors
// _examples/compmaniak-go-beanstalk's Stats/JobStats types (it decodes the
// same wire format this server produces).
func YAML(v interface{}) ([]byte, error) {
	body, err := yaml.Marshal(v)
	if err != nil {
		return nil, err
	}
	// OK replies carry only a byte count, not a job id, so they don't fit
	// Job's "<kind> <id> <len>" shape.
	head := Word("OK " + strconv.Itoa(len(body)))
	out := make([]byte, 0, len(head)+len(body)+2)
	out = append(out, head...)
	out = append(out, body...)
	out = append(out, '\r', '\n')
	return out, nil
}
