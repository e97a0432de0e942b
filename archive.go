package chatsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// Archive persists the messages a Session accepts so they can be read back
// without a server round trip.
type Archive interface {
	Append(peer string, m Message) error
	Recall(peer, messageID, placeholder string) error
	// List returns up to limit of the newest messages for peer, oldest
	// first. A limit of zero or less returns everything.
	List(peer string, limit int) ([]Message, error)
	Clear() error
	Close() error
}

// ============================================================================
// MemoryArchive
// ============================================================================

// MemoryArchive is a goroutine-safe in-memory Archive.
type MemoryArchive struct {
	mu       sync.RWMutex
	messages map[string][]Message
}

// NewMemoryArchive creates an empty in-memory archive.
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{messages: make(map[string][]Message)}
}

// Append stores m, replacing an earlier entry with the same ID.
func (a *MemoryArchive) Append(peer string, m Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	list := a.messages[peer]
	if m.ID != "" {
		for i := range list {
			if list[i].ID == m.ID {
				list[i] = m
				return nil
			}
		}
	}
	a.messages[peer] = append(list, m)
	return nil
}

func (a *MemoryArchive) Recall(peer, messageID, placeholder string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	list := a.messages[peer]
	for i := range list {
		if list[i].ID == messageID {
			list[i].Content = placeholder
		}
	}
	return nil
}

func (a *MemoryArchive) List(peer string, limit int) ([]Message, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	result := append([]Message(nil), a.messages[peer]...)
	sort.SliceStable(result, func(i, j int) bool { return result[i].SentAt < result[j].SentAt })
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

func (a *MemoryArchive) Clear() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = make(map[string][]Message)
	return nil
}

func (a *MemoryArchive) Close() error { return nil }

// ============================================================================
// PebbleArchive
// ============================================================================

// PebbleArchive stores messages in a Pebble database. Message keys sort by
// conversation and then by send time:
//
//	msg:<peer>\x00<unix micros, 20 digits>\x00<id>
//
// and idx:<id> points at the message key for recalls.
type PebbleArchive struct {
	db *pebble.DB
}

// OpenPebbleArchive opens or creates a Pebble archive at path.
func OpenPebbleArchive(path string) (*PebbleArchive, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrapf(err, "open archive at %s", path)
	}
	jww.DEBUG.Printf("[ARCHIVE] Opened %s", path)
	return &PebbleArchive{db: db}, nil
}

func peerPrefix(peer string) []byte {
	return []byte("msg:" + peer + "\x00")
}

func messageKey(peer string, m Message) []byte {
	id := m.ID
	if id == "" {
		id = m.ClientID
	}
	if id == "" {
		id = uuid.NewString()
	}
	micros := int64(m.SentAt * 1e6)
	if micros < 0 {
		micros = 0
	}
	return append(peerPrefix(peer), fmt.Sprintf("%020d\x00%s", micros, id)...)
}

func indexKey(messageID string) []byte {
	return []byte("idx:" + messageID)
}

func (a *PebbleArchive) Append(peer string, m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "encode message")
	}
	key := messageKey(peer, m)

	b := a.db.NewBatch()
	defer b.Close()
	if err := b.Set(key, data, nil); err != nil {
		return err
	}
	if m.ID != "" {
		if err := b.Set(indexKey(m.ID), key, nil); err != nil {
			return err
		}
	}
	return errors.Wrap(b.Commit(pebble.Sync), "append message")
}

func (a *PebbleArchive) Recall(peer, messageID, placeholder string) error {
	key, closer, err := a.db.Get(indexKey(messageID))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	} else if err != nil {
		return errors.Wrap(err, "lookup recalled message")
	}
	key = append([]byte(nil), key...)
	closer.Close()
	if !bytes.HasPrefix(key, peerPrefix(peer)) {
		return nil
	}

	val, closer, err := a.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	} else if err != nil {
		return errors.Wrap(err, "load recalled message")
	}
	var m Message
	err = json.Unmarshal(val, &m)
	closer.Close()
	if err != nil {
		return errors.Wrap(err, "decode recalled message")
	}

	m.Content = placeholder
	data, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "encode message")
	}
	return errors.Wrap(a.db.Set(key, data, pebble.Sync), "store recalled message")
}

func (a *PebbleArchive) List(peer string, limit int) ([]Message, error) {
	prefix := peerPrefix(peer)
	upper := append([]byte(nil), prefix...)
	upper[len(upper)-1]++

	iter, err := a.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, errors.Wrap(err, "list messages")
	}
	defer iter.Close()

	var out []Message
	for iter.First(); iter.Valid(); iter.Next() {
		var m Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			jww.WARN.Printf("[ARCHIVE] Skipping undecodable entry %q: %v", iter.Key(), err)
			continue
		}
		out = append(out, m)
	}
	if err := iter.Error(); err != nil {
		return nil, errors.Wrap(err, "list messages")
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (a *PebbleArchive) Clear() error {
	if err := a.db.DeleteRange([]byte("msg:"), []byte("msg;"), pebble.Sync); err != nil {
		return errors.Wrap(err, "clear messages")
	}
	return errors.Wrap(a.db.DeleteRange([]byte("idx:"), []byte("idx;"), pebble.Sync), "clear index")
}

func (a *PebbleArchive) Close() error {
	return a.db.Close()
}
