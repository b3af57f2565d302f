package client

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/orchestra-mcp/relay/src/types"
	"gorm.io/gorm"
)

// ErrNotFound is returned by Update when no entry matches.
var ErrNotFound = errors.New("client: message not found")

// LogStore persists conversation logs on the device.
type LogStore interface {
	// Load returns the conversation's messages in append order.
	Load(key types.ConversationKey) ([]Message, error)
	Append(key types.ConversationKey, m Message) error
	// Update overwrites the entry with the same client id, or the same
	// server id for received messages.
	Update(key types.ConversationKey, m Message) error
	Clear(key types.ConversationKey) error
	Conversations() ([]types.ConversationKey, error)
}

// MemoryLog is a LogStore that keeps everything in process memory.
type MemoryLog struct {
	mu    sync.RWMutex
	convs map[types.ConversationKey][]Message
}

// NewMemoryLog returns an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{convs: make(map[types.ConversationKey][]Message)}
}

func (l *MemoryLog) Load(key types.ConversationKey) ([]Message, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Message(nil), l.convs[key]...), nil
}

func (l *MemoryLog) Append(key types.ConversationKey, m Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.convs[key] = append(l.convs[key], m)
	return nil
}

func (l *MemoryLog) Update(key types.ConversationKey, m Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	msgs := l.convs[key]
	for i := range msgs {
		if msgs[i].ref() == m.ref() {
			msgs[i] = m
			return nil
		}
	}
	return ErrNotFound
}

func (l *MemoryLog) Clear(key types.ConversationKey) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.convs, key)
	return nil
}

func (l *MemoryLog) Conversations() ([]types.ConversationKey, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	keys := make([]types.ConversationKey, 0, len(l.convs))
	for k := range l.convs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, nil
}

// messageRow is the persisted form of a Message.
type messageRow struct {
	Seq          uint   `gorm:"primaryKey;autoIncrement"`
	Conversation string `gorm:"index;not null"`
	Ref          string `gorm:"index;not null"`
	MessageID    string
	ClientID     string
	SenderID     string `gorm:"not null"`
	ReceiverID   string `gorm:"not null"`
	Text         string
	Type         string
	SentAt       time.Time
	Status       int
}

func (messageRow) TableName() string { return "messages" }

func toRow(key types.ConversationKey, m Message) messageRow {
	return messageRow{
		Conversation: string(key),
		Ref:          m.ref(),
		MessageID:    m.ID,
		ClientID:     m.ClientID,
		SenderID:     string(m.SenderID),
		ReceiverID:   string(m.ReceiverID),
		Text:         m.Text,
		Type:         string(m.Type),
		SentAt:       m.SentAt.UTC(),
		Status:       int(m.Status),
	}
}

func (r messageRow) message() Message {
	return Message{
		ID:         r.MessageID,
		ClientID:   r.ClientID,
		SenderID:   types.UserID(r.SenderID),
		ReceiverID: types.UserID(r.ReceiverID),
		Text:       r.Text,
		Type:       types.MessageType(r.Type),
		SentAt:     r.SentAt,
		Status:     Status(r.Status),
	}
}

// SQLiteLog is a LogStore backed by GORM over a pure-Go SQLite driver.
type SQLiteLog struct {
	db *gorm.DB
}

// OpenSQLiteLog opens (or creates) the log database at path and migrates it.
func OpenSQLiteLog(path string) (*SQLiteLog, error) {
	// Fail early if the parent directory does not exist.
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open message log: %w", err)
	}

	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA busy_timeout=5000;")

	if err := db.AutoMigrate(&messageRow{}); err != nil {
		return nil, fmt.Errorf("migrate message log: %w", err)
	}
	return &SQLiteLog{db: db}, nil
}

// Close releases the underlying database handle.
func (l *SQLiteLog) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Load returns messages ordered by insertion.
func (l *SQLiteLog) Load(key types.ConversationKey) ([]Message, error) {
	var rows []messageRow
	if err := l.db.Where("conversation = ?", string(key)).Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Message, len(rows))
	for i, r := range rows {
		out[i] = r.message()
	}
	return out, nil
}

func (l *SQLiteLog) Append(key types.ConversationKey, m Message) error {
	row := toRow(key, m)
	return l.db.Create(&row).Error
}

func (l *SQLiteLog) Update(key types.ConversationKey, m Message) error {
	row := toRow(key, m)
	res := l.db.Model(&messageRow{}).
		Where("conversation = ? AND ref = ?", row.Conversation, row.Ref).
		Updates(map[string]any{
			"message_id": row.MessageID,
			"text":       row.Text,
			"type":       row.Type,
			"sent_at":    row.SentAt,
			"status":     row.Status,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (l *SQLiteLog) Clear(key types.ConversationKey) error {
	return l.db.Where("conversation = ?", string(key)).Delete(&messageRow{}).Error
}

func (l *SQLiteLog) Conversations() ([]types.ConversationKey, error) {
	var keys []string
	if err := l.db.Model(&messageRow{}).Distinct().Order("conversation ASC").Pluck("conversation", &keys).Error; err != nil {
		return nil, err
	}
	out := make([]types.ConversationKey, len(keys))
	for i, k := range keys {
		out[i] = types.ConversationKey(k)
	}
	return out, nil
}
