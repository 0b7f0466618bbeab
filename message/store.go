// Package message implements the message log and pipeline surfaces from
// §3, §4.6 and §6.1/§6.3: an append-only, encrypted, numbered log with
// random-access read and rewrite-in-place of a single entry's delivery
// status.
package message

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/nacl/secretbox"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/extrahash/meshnet/identity"
	"github.com/extrahash/meshnet/internal/logx"
	"github.com/extrahash/meshnet/internal/meshnet"
)

var log = logx.Get("meshnet/message")

// Kind mirrors wire.MessageKind for the persisted log entry (§3).
type Kind uint8

const (
	KindText Kind = iota
	KindInlineImage
	KindFileAttachment
	KindInfo
)

// DeliveryStatus is one recipient's delivery state for an entry.
type DeliveryStatus int

const (
	Pending DeliveryStatus = iota
	Delivered
)

// Recipient pairs a UserId with its delivery status for one entry.
type Recipient struct {
	UserID identity.UserID
	Status DeliveryStatus
}

// Item is one message-log entry (§3): monotonically numbered from 0.
type Item struct {
	Number       uint64
	Kind         Kind
	Sender       identity.UserID
	Recipients   []Recipient
	Payload      []byte
	Thumbnail    []byte
	FileName     string
	FileSize     uint64
	LocalPath    string
	TimestampUTC int64
}

// IsDeliveredTo reports whether recipient has acknowledged this entry.
func (it *Item) IsDeliveredTo(id identity.UserID) bool {
	for _, r := range it.Recipients {
		if r.UserID == id {
			return r.Status == Delivered
		}
	}
	return false
}

// MarkDelivered flips the named recipient's status; returns false if the
// recipient is not part of this entry.
func (it *Item) MarkDelivered(id identity.UserID) bool {
	for i := range it.Recipients {
		if it.Recipients[i].UserID == id {
			it.Recipients[i].Status = Delivered
			return true
		}
	}
	return false
}

// AllDelivered reports whether every recipient has acknowledged.
func (it *Item) AllDelivered() bool {
	for _, r := range it.Recipients {
		if r.Status != Delivered {
			return false
		}
	}
	return true
}

// Store is the append-only numbered log collaborator from §6.1: random
// access read, rewrite-in-place of a numbered entry, a global mutex
// serializing read-modify-write for delivery status (§5).
type Store interface {
	Append(it *Item) error
	Get(number uint64) (*Item, bool, error)
	Count() (uint64, error)
	// WithLock runs fn holding the store-wide lock, for an atomic
	// read-modify-write delivery-status update (§4.6, §5, §9).
	WithLock(fn func() error) error
	// Rewrite replaces a numbered entry's recipient list in place, the
	// only rewrite-in-place operation §6.1 allows.
	Rewrite(it *Item) error
	Close() error
}

// indexRow is the gorm-managed metadata row; the teacher's db.go AutoMigrates
// a single struct per record and queries it with Where/Find, the pattern
// this reuses for the log's random-access index instead of a peer table.
type indexRow struct {
	Number       uint64 `gorm:"primaryKey"`
	Kind         uint8
	Sender       []byte
	Recipients   []byte // msgpack-free fixed layout: 32 bytes id + 1 byte status, repeated
	Offset       int64
	Length       int64
	Thumbnail    []byte
	FileName     string
	FileSize     uint64
	LocalPath    string
	TimestampUTC int64
}

// SQLiteStore backs §6.3's two-file layout: `<id>.index` holds the gorm
// metadata database (replacing the teacher's single p2p.sqlite with one
// scoped per message store id), `<id>.data` is an append-only file of
// nacl/secretbox-sealed payload bytes referenced by offset/length.
type SQLiteStore struct {
	mu       sync.Mutex
	db       *gorm.DB
	dataFile *os.File
	key      [32]byte
}

// OpenSQLiteStore opens (creating if absent) the index/data pair for
// storeID under profileFolder/messages/, sealing payload bytes under key.
func OpenSQLiteStore(profileFolder, storeID string, key [32]byte) (*SQLiteStore, error) {
	dir := filepath.Join(profileFolder, "messages")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, meshnet.Wrap(meshnet.KindTransportError, "message: create store dir", err)
	}

	indexPath := filepath.Join(dir, storeID+".index")
	db, err := gorm.Open(sqlite.Open(indexPath), &gorm.Config{})
	if err != nil {
		return nil, meshnet.Wrap(meshnet.KindTransportError, "message: open index", err)
	}
	if err := db.AutoMigrate(&indexRow{}); err != nil {
		return nil, meshnet.Wrap(meshnet.KindTransportError, "message: migrate index", err)
	}

	dataPath := filepath.Join(dir, storeID+".data")
	f, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, meshnet.Wrap(meshnet.KindTransportError, "message: open data file", err)
	}

	return &SQLiteStore{db: db, dataFile: f, key: key}, nil
}

func (s *SQLiteStore) WithLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

// Append writes the entry's sealed payload to the data file, then its
// metadata row to the index, inside the store-wide lock so a failed write
// never advances Count (§7).
func (s *SQLiteStore) Append(it *Item) error {
	return s.WithLock(func() error {
		sealed, nonce, err := s.seal(it.Payload)
		if err != nil {
			return err
		}
		blob := append(nonce[:], sealed...)

		off, err := s.dataFile.Seek(0, io.SeekEnd)
		if err != nil {
			return meshnet.Wrap(meshnet.KindTransportError, "message: seek data file", err)
		}
		if _, err := s.dataFile.Write(blob); err != nil {
			return meshnet.Wrap(meshnet.KindTransportError, "message: write data file", err)
		}

		row := indexRow{
			Number:       it.Number,
			Kind:         uint8(it.Kind),
			Sender:       it.Sender.Bytes(),
			Recipients:   encodeRecipients(it.Recipients),
			Offset:       off,
			Length:       int64(len(blob)),
			Thumbnail:    it.Thumbnail,
			FileName:     it.FileName,
			FileSize:     it.FileSize,
			LocalPath:    it.LocalPath,
			TimestampUTC: it.TimestampUTC,
		}
		if err := s.db.Create(&row).Error; err != nil {
			return meshnet.Wrap(meshnet.KindTransportError, "message: write index row", err)
		}
		return nil
	})
}

// Get reads one numbered entry, unsealing its payload.
func (s *SQLiteStore) Get(number uint64) (*Item, bool, error) {
	var row indexRow
	result := s.db.Where("number = ?", number).Find(&row)
	if result.Error != nil {
		return nil, false, meshnet.Wrap(meshnet.KindTransportError, "message: read index row", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, false, nil
	}

	blob := make([]byte, row.Length)
	if _, err := s.dataFile.ReadAt(blob, row.Offset); err != nil {
		return nil, false, meshnet.Wrap(meshnet.KindTransportError, "message: read data file", err)
	}
	payload, err := s.unseal(blob)
	if err != nil {
		return nil, false, err
	}

	var sender identity.UserID
	copy(sender[:], row.Sender)

	return &Item{
		Number:       row.Number,
		Kind:         Kind(row.Kind),
		Sender:       sender,
		Recipients:   decodeRecipients(row.Recipients),
		Payload:      payload,
		Thumbnail:    row.Thumbnail,
		FileName:     row.FileName,
		FileSize:     row.FileSize,
		LocalPath:    row.LocalPath,
		TimestampUTC: row.TimestampUTC,
	}, true, nil
}

// Count reports how many entries exist, i.e. the next message number.
func (s *SQLiteStore) Count() (uint64, error) {
	var n int64
	if err := s.db.Model(&indexRow{}).Count(&n).Error; err != nil {
		return 0, meshnet.Wrap(meshnet.KindTransportError, "message: count index rows", err)
	}
	return uint64(n), nil
}

// Rewrite replaces a numbered entry's recipient list, the only
// rewrite-in-place operation §6.1 allows (delivery-status updates never
// touch the sealed payload or its offset).
func (s *SQLiteStore) Rewrite(it *Item) error {
	return s.WithLock(func() error {
		result := s.db.Model(&indexRow{}).Where("number = ?", it.Number).
			Update("recipients", encodeRecipients(it.Recipients))
		if result.Error != nil {
			return meshnet.Wrap(meshnet.KindTransportError, "message: rewrite index row", result.Error)
		}
		if result.RowsAffected == 0 {
			return meshnet.New(meshnet.KindInvariantViolation, fmt.Sprintf("message: no entry numbered %d", it.Number))
		}
		return nil
	})
}

func (s *SQLiteStore) Close() error {
	return s.dataFile.Close()
}

func (s *SQLiteStore) seal(payload []byte) ([]byte, [24]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, nonce, meshnet.Wrap(meshnet.KindCryptoFailure, "message: generate nonce", err)
	}
	sealed := secretbox.Seal(nil, payload, &nonce, &s.key)
	return sealed, nonce, nil
}

func (s *SQLiteStore) unseal(blob []byte) ([]byte, error) {
	if len(blob) < 24 {
		return nil, meshnet.New(meshnet.KindCryptoFailure, "message: sealed blob too short")
	}
	var nonce [24]byte
	copy(nonce[:], blob[:24])
	payload, ok := secretbox.Open(nil, blob[24:], &nonce, &s.key)
	if !ok {
		return nil, meshnet.New(meshnet.KindCryptoFailure, "message: store payload authentication failed")
	}
	return payload, nil
}

// recipientRecordSize is 32 bytes of UserId plus 1 status byte.
const recipientRecordSize = 33

func encodeRecipients(rs []Recipient) []byte {
	out := make([]byte, 0, len(rs)*recipientRecordSize)
	for _, r := range rs {
		out = append(out, r.UserID.Bytes()...)
		out = append(out, byte(r.Status))
	}
	return out
}

func decodeRecipients(b []byte) []Recipient {
	n := len(b) / recipientRecordSize
	out := make([]Recipient, 0, n)
	for i := 0; i < n; i++ {
		start := i * recipientRecordSize
		var id identity.UserID
		copy(id[:], b[start:start+32])
		out = append(out, Recipient{UserID: id, Status: DeliveryStatus(b[start+32])})
	}
	return out
}

// timestampNow is overridable in tests that need determinism; production
// code calls time.Now().UnixMilli() directly through this indirection so
// the message pipeline (network package) never imports "time" just for
// stamping entries.
func timestampNow() int64 {
	return time.Now().UTC().UnixMilli()
}

// NewUnsent constructs an Item stamped with the current time and Pending
// status for every recipient, for the outbound path in §4.6.
func NewUnsent(number uint64, kind Kind, sender identity.UserID, recipients []identity.UserID, payload []byte) *Item {
	rs := make([]Recipient, len(recipients))
	for i, id := range recipients {
		rs[i] = Recipient{UserID: id, Status: Pending}
	}
	return &Item{
		Number:       number,
		Kind:         kind,
		Sender:       sender,
		Recipients:   rs,
		Payload:      payload,
		TimestampUTC: timestampNow(),
	}
}
