// Package store persists ledger, token book and tier-lock snapshots in LevelDB.
//
// Every successful mutation writes one batch holding the full snapshot and a journal
// record of the operation, so a restart resumes from the last committed call.
package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/yourorg/emission-ledger/internal/model"
	"github.com/yourorg/emission-ledger/internal/tierlock"
	"github.com/yourorg/emission-ledger/internal/token"
)

var (
	// ErrClosed is returned when the store is closed
	ErrClosed = errors.New("store is closed")

	// ErrNonceUsed is returned when a signer reuses a nonce
	ErrNonceUsed = errors.New("nonce already used")

	prefixState   = []byte("s") // s + name -> snapshot part
	prefixJournal = []byte("j") // j + seq -> Record
	prefixNonce   = []byte("n") // n + signer + nonce -> unix nanos
	prefixMeta    = []byte("m") // m + name -> metadata
)

var (
	keyLedger   = stateKey("ledger")
	keyTokens   = stateKey("tokens")
	keyTierLock = stateKey("tierlock")
	keySeq      = metaKey("seq")
	keySavedAt  = metaKey("saved_at")
)

// Snapshot is everything needed to resume the daemon
type Snapshot struct {
	Ledger   model.State      `json:"ledger"`
	Tokens   token.State      `json:"tokens"`
	TierLock []tierlock.Entry `json:"tier_lock"`
}

// Record is one journaled call
type Record struct {
	Seq     uint64          `json:"seq"`
	Op      string          `json:"op"`
	Caller  common.Address  `json:"caller"`
	Block   uint64          `json:"block"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Config configures the store
type Config struct {
	Path        string
	WriteBuffer int // LevelDB write buffer size in MB
	CacheSize   int // LevelDB cache size in MB
}

// DefaultConfig returns a default configuration
func DefaultConfig(path string) Config {
	return Config{
		Path:        path,
		WriteBuffer: 4,
		CacheSize:   16,
	}
}

// Store provides persistent storage for the daemon state
type Store struct {
	mu     sync.Mutex
	db     *leveldb.DB
	seq    uint64
	closed bool
}

// Open opens or creates the database at cfg.Path
func Open(cfg Config) (*Store, error) {
	opts := &opt.Options{
		WriteBuffer:        cfg.WriteBuffer * opt.MiB,
		BlockCacheCapacity: cfg.CacheSize * opt.MiB,
	}
	db, err := leveldb.OpenFile(cfg.Path, opts)
	if err != nil {
		return nil, fmt.Errorf("open leveldb store: %w", err)
	}
	return newStore(db)
}

// OpenMemory opens a store that lives only in memory
func OpenMemory() (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}
	return newStore(db)
}

func newStore(db *leveldb.DB) (*Store, error) {
	s := &Store{db: db}
	raw, err := db.Get(keySeq, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		db.Close()
		return nil, fmt.Errorf("load journal sequence: %w", err)
	default:
		s.seq = binary.BigEndian.Uint64(raw)
	}
	return s, nil
}

// Close closes the store
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Commit writes the snapshot and journals rec in one batch. The record's Seq is assigned
// here and returned.
func (s *Store) Commit(snap Snapshot, rec Record) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	batch := new(leveldb.Batch)
	if err := putJSON(batch, keyLedger, snap.Ledger); err != nil {
		return 0, err
	}
	if err := putJSON(batch, keyTokens, snap.Tokens); err != nil {
		return 0, err
	}
	if err := putJSON(batch, keyTierLock, snap.TierLock); err != nil {
		return 0, err
	}

	seq := s.seq + 1
	rec.Seq = seq
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	if err := putJSON(batch, journalKey(seq), rec); err != nil {
		return 0, err
	}
	batch.Put(keySeq, uint64Bytes(seq))
	batch.Put(keySavedAt, uint64Bytes(uint64(rec.At.UnixNano())))

	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return 0, fmt.Errorf("write snapshot: %w", err)
	}
	s.seq = seq
	return seq, nil
}

// Load returns the last committed snapshot. ok is false on an empty store.
func (s *Store) Load() (snap Snapshot, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Snapshot{}, false, ErrClosed
	}

	found, err := s.getJSON(keyLedger, &snap.Ledger)
	if err != nil || !found {
		return Snapshot{}, false, err
	}
	if _, err := s.getJSON(keyTokens, &snap.Tokens); err != nil {
		return Snapshot{}, false, err
	}
	if _, err := s.getJSON(keyTierLock, &snap.TierLock); err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

// Sequence returns the last journal sequence
func (s *Store) Sequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Journal returns up to limit records with Seq > after, oldest first
func (s *Store) Journal(after uint64, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	rng := &util.Range{Start: journalKey(after + 1), Limit: journalKey(s.seq + 1)}
	iter := s.db.NewIterator(rng, nil)
	defer iter.Release()

	var records []Record
	for iter.Next() {
		if limit > 0 && len(records) >= limit {
			break
		}
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("decode journal record %d: %w", binary.BigEndian.Uint64(iter.Key()[1:]), err)
		}
		records = append(records, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate journal: %w", err)
	}
	return records, nil
}

// UseNonce records that signer used nonce. A second use of the same pair fails with
// ErrNonceUsed.
func (s *Store) UseNonce(signer common.Address, nonce uint64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	key := nonceKey(signer, nonce)
	has, err := s.db.Has(key, nil)
	if err != nil {
		return fmt.Errorf("load nonce: %w", err)
	}
	if has {
		return fmt.Errorf("%w: %s nonce %d", ErrNonceUsed, signer.Hex(), nonce)
	}
	if err := s.db.Put(key, uint64Bytes(uint64(at.UnixNano())), nil); err != nil {
		return fmt.Errorf("store nonce: %w", err)
	}
	return nil
}

// PruneNonces deletes nonces recorded before cutoff and returns how many were removed
func (s *Store) PruneNonces(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	iter := s.db.NewIterator(util.BytesPrefix(prefixNonce), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		if int64(binary.BigEndian.Uint64(iter.Value())) < cutoff.UnixNano() {
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("iterate nonces: %w", err)
	}
	if batch.Len() == 0 {
		return 0, nil
	}
	if err := s.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("prune nonces: %w", err)
	}
	return batch.Len(), nil
}

func (s *Store) getJSON(key []byte, out interface{}) (bool, error) {
	raw, err := s.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func putJSON(batch *leveldb.Batch, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	batch.Put(key, data)
	return nil
}

func stateKey(name string) []byte {
	return append(append([]byte(nil), prefixState...), name...)
}

func metaKey(name string) []byte {
	return append(append([]byte(nil), prefixMeta...), name...)
}

func journalKey(seq uint64) []byte {
	key := make([]byte, 9)
	key[0] = prefixJournal[0]
	binary.BigEndian.PutUint64(key[1:], seq)
	return key
}

func nonceKey(signer common.Address, nonce uint64) []byte {
	key := make([]byte, 1+common.AddressLength+8)
	key[0] = prefixNonce[0]
	copy(key[1:], signer.Bytes())
	binary.BigEndian.PutUint64(key[1+common.AddressLength:], nonce)
	return key
}

func uint64Bytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
