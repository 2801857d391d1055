// ABOUTME: BadgerDB implementation of the Store interface for embedded key-value storage
// ABOUTME: Uses time-ordered keys and reverse prefix scans for newest-first queries

package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// BadgerStore implements the Store interface on an embedded Badger database.
//
// Key layout:
//
//	status:{len}:{agent}:{unixnano019}:{seq020}    -> StatusRecord JSON
//	msg:{id}                                       -> Message JSON
//	msgidx:to:{len}:{agent}:{unixnano019}:{seq020} -> message ID
//	msgidx:team:{team}:{unixnano019}:{seq020}      -> message ID
//	profile:{agent}                                -> team ID
//
// Agent codes are length-prefixed so the prefix scan for "AG" never matches
// the keys of "AG:1". Zero-padded timestamps keep keys in chronological
// order. The sequence suffix breaks ties between writes in the same nanosecond.
type BadgerStore struct {
	db     *badger.DB
	seq    *badger.Sequence
	logger *slog.Logger
}

// NewBadgerStore opens (or creates) a Badger database in dir.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	logger := slog.Default().With("component", "store")

	db, err := badger.Open(badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR))
	if err != nil {
		return nil, fmt.Errorf("opening badger: %w", err)
	}

	seq, err := db.GetSequence([]byte("meta:seq"), 100)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("allocating sequence: %w", err)
	}

	logger.Info("Badger store initialized", "path", dir)
	return &BadgerStore{db: db, seq: seq, logger: logger}, nil
}

// Close releases the sequence lease and closes the database.
func (s *BadgerStore) Close() error {
	s.logger.Info("closing Badger store")
	if err := s.seq.Release(); err != nil {
		s.logger.Warn("releasing sequence", "error", err)
	}
	return s.db.Close()
}

func (s *BadgerStore) orderSuffix(t time.Time) (string, error) {
	n, err := s.seq.Next()
	if err != nil {
		return "", fmt.Errorf("next sequence: %w", err)
	}
	return fmt.Sprintf("%019d:%020d", t.UnixNano(), n), nil
}

func (s *BadgerStore) AppendStatus(ctx context.Context, rec *StatusRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	suffix, err := s.orderSuffix(rec.Timestamp)
	if err != nil {
		return "", err
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encoding status record: %w", err)
	}

	key := statusPrefix(rec.AgentCode) + suffix
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return "", fmt.Errorf("inserting status record: %w", err)
	}
	return rec.ID, nil
}

func (s *BadgerStore) LatestStatus(ctx context.Context, agentCode string) (*StatusRecord, error) {
	records, err := s.StatusHistory(ctx, agentCode, 1)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return records[0], nil
}

func (s *BadgerStore) StatusHistory(ctx context.Context, agentCode string, limit int) ([]*StatusRecord, error) {
	limit = normalizeLimit(limit)
	var records []*StatusRecord

	err := s.db.View(func(txn *badger.Txn) error {
		return scanNewest(txn, []byte(statusPrefix(agentCode)), limit, func(_ []byte, value []byte) error {
			var rec StatusRecord
			if err := json.Unmarshal(value, &rec); err != nil {
				return fmt.Errorf("decoding status record: %w", err)
			}
			records = append(records, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("querying status history: %w", err)
	}
	return records, nil
}

func (s *BadgerStore) InsertMessage(ctx context.Context, msg *Message) (string, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Priority == "" {
		msg.Priority = DefaultPriority
	}
	suffix, err := s.orderSuffix(msg.Timestamp)
	if err != nil {
		return "", err
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encoding message: %w", err)
	}

	var indexKey string
	switch msg.Type {
	case MessageTypeDirect:
		indexKey = directIndexPrefix(msg.ToCode) + suffix
	case MessageTypeBroadcast:
		if msg.ToTeamID == nil {
			return "", fmt.Errorf("inserting message: broadcast without team")
		}
		indexKey = teamIndexPrefix(*msg.ToTeamID) + suffix
	default:
		return "", fmt.Errorf("inserting message: unknown type %q", msg.Type)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte("msg:"+msg.ID), value); err != nil {
			return err
		}
		return txn.Set([]byte(indexKey), []byte(msg.ID))
	})
	if err != nil {
		return "", fmt.Errorf("inserting message: %w", err)
	}
	return msg.ID, nil
}

func (s *BadgerStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	var msg *Message
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		msg, err = getMessage(txn, id)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return msg, nil
}

type indexHit struct {
	order string
	id    string
}

func (s *BadgerStore) FindMessages(ctx context.Context, q MessageQuery) ([]*Message, error) {
	limit := normalizeLimit(q.Limit)
	var messages []*Message

	err := s.db.View(func(txn *badger.Txn) error {
		prefixes := [][]byte{[]byte(directIndexPrefix(q.AgentCode))}
		if q.TeamID != nil {
			prefixes = append(prefixes, []byte(teamIndexPrefix(*q.TeamID)))
		}

		var hits []indexHit
		for _, prefix := range prefixes {
			err := scanNewest(txn, prefix, limit, func(key, value []byte) error {
				hits = append(hits, indexHit{order: string(key[len(prefix):]), id: string(value)})
				return nil
			})
			if err != nil {
				return err
			}
		}

		sort.Slice(hits, func(i, j int) bool { return hits[i].order > hits[j].order })
		if len(hits) > limit {
			hits = hits[:limit]
		}

		for _, h := range hits {
			msg, err := getMessage(txn, h.id)
			if err != nil {
				return fmt.Errorf("loading message %s: %w", h.id, err)
			}
			messages = append(messages, msg)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	return messages, nil
}

func (s *BadgerStore) MarkRead(ctx context.Context, id string, at time.Time) (*Message, error) {
	var msg *Message
	err := s.db.Update(func(txn *badger.Txn) error {
		var err error
		msg, err = getMessage(txn, id)
		if err != nil {
			return err
		}
		if msg.IsRead {
			return nil
		}
		msg.IsRead = true
		readAt := at.UTC()
		msg.ReadAt = &readAt

		value, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encoding message: %w", err)
		}
		return txn.Set([]byte("msg:"+id), value)
	})
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("marking message read: %w", err)
	}
	return msg, nil
}

func (s *BadgerStore) AgentTeam(ctx context.Context, agentCode string) (*int, error) {
	var team *int
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("profile:" + agentCode))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			v, err := strconv.Atoi(string(val))
			if err != nil {
				return err
			}
			team = &v
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("querying agent profile: %w", err)
	}
	return team, nil
}

func (s *BadgerStore) SetAgentTeam(ctx context.Context, agentCode string, teamID int) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("profile:"+agentCode), []byte(strconv.Itoa(teamID)))
	})
	if err != nil {
		return fmt.Errorf("upserting agent profile: %w", err)
	}
	return nil
}

// codeSegment encodes an agent code as {len}:{code} so one code's keys are
// never a prefix of another's.
func codeSegment(code string) string {
	return strconv.Itoa(len(code)) + ":" + code
}

func statusPrefix(agentCode string) string {
	return "status:" + codeSegment(agentCode) + ":"
}

func directIndexPrefix(agentCode string) string {
	return "msgidx:to:" + codeSegment(agentCode) + ":"
}

func teamIndexPrefix(teamID int) string {
	return "msgidx:team:" + strconv.Itoa(teamID) + ":"
}

// AgentsByTeam scans every profile. Profiles are few, so there is no team index.
func (s *BadgerStore) AgentsByTeam(ctx context.Context, teamID int) ([]string, error) {
	prefix := []byte("profile:")
	want := strconv.Itoa(teamID)
	codes := []string{}

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if string(value) == want {
				codes = append(codes, string(item.Key()[len(prefix):]))
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("querying team agents: %w", err)
	}
	// keys iterate in byte order, which is already code order
	return codes, nil
}

func getMessage(txn *badger.Txn, id string) (*Message, error) {
	item, err := txn.Get([]byte("msg:" + id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var msg Message
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &msg)
	})
	if err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	return &msg, nil
}

// scanNewest walks keys under prefix from newest to oldest, stopping after
// limit entries.
func scanNewest(txn *badger.Txn, prefix []byte, limit int, fn func(key, value []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	// Reverse iteration starts at the last key <= seek, so seek past every
	// possible suffix under the prefix.
	seek := append(bytes.Clone(prefix), 0xff)

	n := 0
	for it.Seek(seek); it.ValidForPrefix(prefix) && n < limit; it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := fn(key, value); err != nil {
			return err
		}
		n++
	}
	return nil
}
