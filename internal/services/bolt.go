package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/lexassist/lexchat-web/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB is the local key-value store. The front-end keeps sessions and pending initial queries in
// it; the development API keeps chats and their exchanges, one bucket per chat.
type BoltDB struct {
	db *bolt.DB
}

var (
	sessionsBucket = []byte("sessions")
	pendingBucket  = []byte("pending")
	chatsBucket    = []byte("chats")
)

// NewBoltDB opens, or creates with 0600 permissions, the database at path and makes sure the
// top-level buckets exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{sessionsBucket, pendingBucket, chatsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, err
	}

	return BoltDB{db: db}, nil
}

// Close closes the database.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func exchangeBucketName(chatID string) []byte {
	return []byte(fmt.Sprintf("chat-%s", chatID))
}

// SaveSession stores s under its id, replacing any previous value.
func (b BoltDB) SaveSession(_ context.Context, s models.Session) error {
	if s.ID == "" {
		return errors.New("session id is required")
	}
	v, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put([]byte(s.ID), v)
	})
}

// Session returns the session stored under id. The boolean is false when there is none.
func (b BoltDB) Session(_ context.Context, id string) (models.Session, bool, error) {
	var s models.Session
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sessionsBucket).Get([]byte(id))
		if v == nil {
			return nil
		}
		found = true
		if err := json.Unmarshal(v, &s); err != nil {
			return fmt.Errorf("failed to unmarshal session: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.Session{}, false, err
	}
	return s, found, nil
}

// DeleteSession removes the session stored under id. Unknown ids are ignored.
func (b BoltDB) DeleteSession(_ context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete([]byte(id))
	})
}

func pendingKey(userID int64, chatID string) []byte {
	return []byte(fmt.Sprintf("%d/%s", userID, chatID))
}

// SetInitialQuery remembers the question a freshly created chat should be opened with.
func (b BoltDB) SetInitialQuery(_ context.Context, userID int64, chatID, question string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).Put(pendingKey(userID, chatID), []byte(question))
	})
}

// TakeInitialQuery returns and removes the pending initial query of the chat, so that it is asked at
// most once.
func (b BoltDB) TakeInitialQuery(_ context.Context, userID int64, chatID string) (string, bool, error) {
	var question string
	found := false
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(pendingBucket)
		key := pendingKey(userID, chatID)
		v := bk.Get(key)
		if v == nil {
			return nil
		}
		found = true
		question = string(v)
		return bk.Delete(key)
	})
	return question, found, err
}

// DeleteInitialQuery drops the pending initial query of the chat, if any.
func (b BoltDB) DeleteInitialQuery(_ context.Context, userID int64, chatID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(pendingBucket).Delete(pendingKey(userID, chatID))
	})
}

// Chats returns the chats of userID with their exchanges, most recent chat first.
func (b BoltDB) Chats(_ context.Context, userID int64) ([]models.HistoryChat, error) {
	var chats []models.HistoryChat
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(chatsBucket).ForEach(func(_, v []byte) error {
			var chat models.Chat
			if err := json.Unmarshal(v, &chat); err != nil {
				return fmt.Errorf("failed to unmarshal chat: %w", err)
			}
			if chat.UserID != userID {
				return nil
			}
			exchanges, err := readExchanges(tx, chat.ID)
			if err != nil {
				return err
			}
			chats = append(chats, models.HistoryChat{
				ChatID:   chat.ID,
				UserID:   chat.UserID,
				Messages: exchanges,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(chats)
	return chats, nil
}

// AddChat stores a new chat and creates its exchange bucket. The stored id, a zero-padded sequence
// number prefixed to chat.ID, is returned.
func (b BoltDB) AddChat(_ context.Context, chat models.Chat) (string, error) {
	var newID string
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(chatsBucket)

		idPrefix, err := bk.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		newID = fmt.Sprintf("%08d-%s", idPrefix, chat.ID)
		chat.ID = newID

		if _, err := tx.CreateBucketIfNotExists(exchangeBucketName(chat.ID)); err != nil {
			return fmt.Errorf("failed to create exchange bucket: %w", err)
		}

		v, err := json.Marshal(chat)
		if err != nil {
			return fmt.Errorf("failed to marshal chat: %w", err)
		}
		return bk.Put([]byte(newID), v)
	})
	return newID, err
}

// Chat returns the chat stored under chatID. The boolean is false when there is none.
func (b BoltDB) Chat(_ context.Context, chatID string) (models.Chat, bool, error) {
	var chat models.Chat
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(chatsBucket).Get([]byte(chatID))
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &chat)
	})
	return chat, found, err
}

// DeleteChat removes the chat and all of its exchanges. Unknown chats are ignored.
func (b BoltDB) DeleteChat(_ context.Context, chatID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(chatsBucket).Delete([]byte(chatID)); err != nil {
			return err
		}
		err := tx.DeleteBucket(exchangeBucketName(chatID))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

// Exchanges returns the exchanges of chatID in stored order.
func (b BoltDB) Exchanges(_ context.Context, chatID string) ([]models.HistoryExchange, error) {
	var exchanges []models.HistoryExchange
	err := b.db.View(func(tx *bolt.Tx) error {
		var err error
		exchanges, err = readExchanges(tx, chatID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return exchanges, nil
}

func readExchanges(tx *bolt.Tx, chatID string) ([]models.HistoryExchange, error) {
	var exchanges []models.HistoryExchange
	bk := tx.Bucket(exchangeBucketName(chatID))
	if bk == nil {
		return nil, nil
	}
	err := bk.ForEach(func(_, v []byte) error {
		var ex models.HistoryExchange
		if err := json.Unmarshal(v, &ex); err != nil {
			return fmt.Errorf("failed to unmarshal exchange: %w", err)
		}
		exchanges = append(exchanges, ex)
		return nil
	})
	return exchanges, err
}

// AddExchange stores ex in the chat's bucket. The stored message id is a zero-padded sequence number
// prefixed to ex.MessageID, so that keys sort in insertion order; it is returned.
func (b BoltDB) AddExchange(_ context.Context, chatID string, ex models.HistoryExchange) (string, error) {
	var newID string
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(exchangeBucketName(chatID))
		if bk == nil {
			return fmt.Errorf("chat %s does not exist", chatID)
		}

		idPrefix, err := bk.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		newID = fmt.Sprintf("%08d-%s", idPrefix, ex.MessageID)
		ex.MessageID = newID

		v, err := json.Marshal(ex)
		if err != nil {
			return fmt.Errorf("failed to marshal exchange: %w", err)
		}
		return bk.Put([]byte(newID), v)
	})
	return newID, err
}

// UpdateExchange replaces a stored exchange. Exchanges that don't exist are ignored.
func (b BoltDB) UpdateExchange(_ context.Context, chatID string, ex models.HistoryExchange) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(exchangeBucketName(chatID))
		if bk == nil || bk.Get([]byte(ex.MessageID)) == nil {
			return nil
		}

		v, err := json.Marshal(ex)
		if err != nil {
			return fmt.Errorf("failed to marshal exchange: %w", err)
		}
		return bk.Put([]byte(ex.MessageID), v)
	})
}
