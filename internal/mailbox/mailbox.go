// Package mailbox implements durable per-recipient message queues on disk.
//
// Each team directory holds one namespace per traffic class ("team" for
// control, the task list id for assignments), and each namespace holds one
// JSON file per recipient. Writers append under a per-file lock; readers
// acknowledge by flipping read flags. Messages are never purged here.
//
// Delivery is at-least-once: a writer that crashes mid-retry may append the
// same message twice. Receivers deduplicate by the protocol requestId or by
// (from, timestamp, text).
package mailbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/baiirun/piteams/internal/flock"
	"github.com/baiirun/piteams/internal/protocol"
)

// NamespaceTeam is the control-traffic namespace.
const NamespaceTeam = "team"

// Message is one mailbox entry. Text is either free prose or an encoded
// protocol envelope.
type Message struct {
	From      string `json:"from"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"` // RFC 3339 UTC
	Read      bool   `json:"read"`
	Color     string `json:"color,omitempty"`
}

// Envelope decodes the message text as a protocol envelope. Returns nil for
// plain prose.
func (m Message) Envelope() protocol.Envelope {
	return protocol.Parse(m.Text)
}

// Path returns the mailbox file for a recipient within a namespace.
// The recipient name is sanitized the same way member names are.
func Path(teamDir, namespace, recipient string) string {
	return filepath.Join(teamDir, "mailbox", namespace, protocol.SanitizeName(recipient)+".json")
}

// Write appends a message to the recipient's mailbox, creating parent
// directories on demand. The read flag is forced to false on append.
func Write(teamDir, namespace, recipient string, msg Message) error {
	path := Path(teamDir, namespace, recipient)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating mailbox dir: %w", err)
	}

	msg.Read = false
	return flock.WithLock(path+".lock", flock.Options{}, func() error {
		msgs, err := readFile(path)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
		return writeFile(path, msgs)
	})
}

// ReadOptions filters ReadInbox.
type ReadOptions struct {
	UnreadOnly bool
}

// ReadInbox returns the recipient's messages in append order. It does not
// mutate the mailbox. A missing or torn file reads as empty.
func ReadInbox(teamDir, namespace, recipient string, opts ReadOptions) []Message {
	msgs, err := readFile(Path(teamDir, namespace, recipient))
	if err != nil {
		return nil
	}
	if !opts.UnreadOnly {
		return msgs
	}
	var unread []Message
	for _, m := range msgs {
		if !m.Read {
			unread = append(unread, m)
		}
	}
	return unread
}

// MarkRead flips the read flag on every message matching pred and rewrites
// the file. Returns the number of messages acknowledged.
func MarkRead(teamDir, namespace, recipient string, pred func(Message) bool) (int, error) {
	path := Path(teamDir, namespace, recipient)

	marked := 0
	err := flock.WithLock(path+".lock", flock.Options{}, func() error {
		msgs, err := readFile(path)
		if err != nil {
			return err
		}
		for i := range msgs {
			if !msgs[i].Read && pred(msgs[i]) {
				msgs[i].Read = true
				marked++
			}
		}
		if marked == 0 {
			return nil
		}
		return writeFile(path, msgs)
	})
	if err != nil {
		return 0, err
	}
	return marked, nil
}

// readFile loads a mailbox file. Missing files and unparseable content read
// as empty — a torn write means the consumer sees the prior version, and the
// prior version of a brand-new file is no messages.
func readFile(path string) ([]Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading mailbox %s: %w", path, err)
	}
	var msgs []Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, nil
	}
	return msgs, nil
}

// writeFile persists with write-to-temp-then-rename.
func writeFile(path string, msgs []Message) error {
	data, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling mailbox: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".mailbox-*.json")
	if err != nil {
		return fmt.Errorf("creating temp mailbox file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("writing temp mailbox file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("closing temp mailbox file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming mailbox file: %w", err)
	}
	return nil
}
