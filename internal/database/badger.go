package database

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/npezzotti/residence-chat/internal/types"
)

const (
	messagePrefix = "msg:"
	indexPrefix   = "msgid:"
	sequenceKey   = "seq:messages"
)

// recordEncoding keeps timestamps at nanosecond precision; the default
// encodes whole seconds.
var recordEncoding = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

type messageRecord struct {
	Id          int       `cbor:"1,keyasint"`
	ResidenceId int       `cbor:"2,keyasint"`
	SenderId    int       `cbor:"3,keyasint"`
	SenderName  string    `cbor:"4,keyasint"`
	Body        string    `cbor:"5,keyasint"`
	CreatedAt   time.Time `cbor:"6,keyasint"`
	IsRead      bool      `cbor:"7,keyasint"`
}

// BadgerMessageStore keeps the message log in an embedded badger database.
// Messages of a residence are stored under a shared key prefix so a residence
// history is a single prefix scan.
type BadgerMessageStore struct {
	db  *badger.DB
	seq *badger.Sequence
}

// NewBadgerMessageStore opens the store at path. An empty path keeps the
// data in memory.
func NewBadgerMessageStore(path string) (*BadgerMessageStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	seq, err := db.GetSequence([]byte(sequenceKey), 100)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("message sequence: %w", err)
	}

	return &BadgerMessageStore{db: db, seq: seq}, nil
}

func messageKey(residenceId, id int) []byte {
	return fmt.Appendf(nil, "%s%010d:%019d", messagePrefix, residenceId, id)
}

func residencePrefix(residenceId int) []byte {
	return fmt.Appendf(nil, "%s%010d:", messagePrefix, residenceId)
}

func indexKey(id int) []byte {
	return fmt.Appendf(nil, "%s%019d", indexPrefix, id)
}

func (s *BadgerMessageStore) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger store is closed")
	}
	return nil
}

func (s *BadgerMessageStore) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	n, err := s.seq.Next()
	if err != nil {
		return Message{}, fmt.Errorf("next message id: %w", err)
	}

	// badger sequences start at zero, message ids start at one
	rec := messageRecord{
		Id:          int(n) + 1,
		ResidenceId: params.ResidenceId,
		SenderId:    params.SenderId,
		SenderName:  params.SenderName,
		Body:        params.Body,
		CreatedAt:   params.CreatedAt.UTC(),
	}

	data, err := recordEncoding.Marshal(rec)
	if err != nil {
		return Message{}, fmt.Errorf("encode message: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(messageKey(rec.ResidenceId, rec.Id), data); err != nil {
			return err
		}
		return txn.Set(indexKey(rec.Id), []byte(strconv.Itoa(rec.ResidenceId)))
	})
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	return rec.toMessage(), nil
}

func (s *BadgerMessageStore) GetMessage(ctx context.Context, id int) (Message, error) {
	var rec messageRecord
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = getRecord(txn, id)
		return err
	})
	if err != nil {
		return Message{}, err
	}

	return rec.toMessage(), nil
}

func (s *BadgerMessageStore) SetMessageRead(ctx context.Context, id int) error {
	return s.db.Update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, id)
		if err != nil {
			return err
		}
		if rec.IsRead {
			return nil
		}

		rec.IsRead = true
		data, err := recordEncoding.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		return txn.Set(messageKey(rec.ResidenceId, rec.Id), data)
	})
}

func (s *BadgerMessageStore) ListMessages(ctx context.Context, residenceId int) ([]Message, error) {
	messages := make([]Message, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := residencePrefix(residenceId)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}

			var rec messageRecord
			err := it.Item().Value(func(val []byte) error {
				return cbor.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("decode message: %w", err)
			}
			messages = append(messages, rec.toMessage())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// keys are ordered by id; history is ordered by creation time
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})

	return messages, nil
}

func (s *BadgerMessageStore) Close() error {
	if err := s.seq.Release(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

func getRecord(txn *badger.Txn, id int) (messageRecord, error) {
	item, err := txn.Get(indexKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return messageRecord{}, fmt.Errorf("message %d: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return messageRecord{}, err
	}

	residence, err := item.ValueCopy(nil)
	if err != nil {
		return messageRecord{}, err
	}
	residenceId, err := strconv.Atoi(string(residence))
	if err != nil {
		return messageRecord{}, fmt.Errorf("corrupt index for message %d: %w", id, err)
	}

	item, err = txn.Get(messageKey(residenceId, id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return messageRecord{}, fmt.Errorf("message %d: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return messageRecord{}, err
	}

	var rec messageRecord
	err = item.Value(func(val []byte) error {
		return cbor.Unmarshal(val, &rec)
	})
	if err != nil {
		return messageRecord{}, fmt.Errorf("decode message: %w", err)
	}

	return rec, nil
}

func (r messageRecord) toMessage() Message {
	return Message{
		Id:          r.Id,
		ResidenceId: r.ResidenceId,
		SenderId:    r.SenderId,
		SenderName:  r.SenderName,
		Body:        r.Body,
		CreatedAt:   r.CreatedAt.UTC(),
		IsRead:      r.IsRead,
	}
}
