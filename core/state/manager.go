package state

import (
	"errors"
	"fmt"
	"sort"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"formicarium/native/printing"
	"formicarium/storage"
)

// Manager provides transactional access to the printing records held in a
// key-value database.
type Manager struct {
	db storage.Database
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// Update runs fn against a staged overlay of the database. When fn returns
// nil every staged mutation is committed as one batch; otherwise nothing is
// written.
func (m *Manager) Update(fn func(printing.Tx) error) error {
	tx := newTx(m.db, false)
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

// View runs fn with read-only access. Mutations attempted inside fn fail.
func (m *Manager) View(fn func(printing.Tx) error) error {
	return fn(newTx(m.db, true))
}

var errReadOnly = errors.New("state: write in read-only transaction")

type stagedValue struct {
	value   []byte
	deleted bool
}

// Tx is a write-through overlay over the manager's database. Reads observe
// staged writes before falling back to the backing store.
type Tx struct {
	db       storage.Database
	readOnly bool
	staged   map[string]stagedValue
}

func newTx(db storage.Database, readOnly bool) *Tx {
	return &Tx{db: db, readOnly: readOnly, staged: make(map[string]stagedValue)}
}

func hashKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

func (tx *Tx) getRaw(key []byte) ([]byte, bool, error) {
	hashed := hashKey(key)
	if staged, ok := tx.staged[string(hashed)]; ok {
		if staged.deleted {
			return nil, false, nil
		}
		return staged.value, true, nil
	}
	data, err := tx.db.Get(hashed)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (tx *Tx) putRaw(key, value []byte) error {
	if tx.readOnly {
		return errReadOnly
	}
	tx.staged[string(hashKey(key))] = stagedValue{value: append([]byte(nil), value...)}
	return nil
}

func (tx *Tx) deleteRaw(key []byte) error {
	if tx.readOnly {
		return errReadOnly
	}
	tx.staged[string(hashKey(key))] = stagedValue{deleted: true}
	return nil
}

func (tx *Tx) put(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("state: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return tx.putRaw(key, encoded)
}

func (tx *Tx) get(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("state: key must not be empty")
	}
	data, ok, err := tx.getRaw(key)
	if err != nil || !ok {
		return false, err
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

func (tx *Tx) loadUint64(key []byte) (uint64, error) {
	var value uint64
	if _, err := tx.get(key, &value); err != nil {
		return 0, err
	}
	return value, nil
}

func (tx *Tx) commit() error {
	if len(tx.staged) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tx.staged))
	for key := range tx.staged {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	batch := tx.db.NewBatch()
	for _, key := range keys {
		staged := tx.staged[key]
		if staged.deleted {
			batch.Delete([]byte(key))
			continue
		}
		batch.Put([]byte(key), staged.value)
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("state: commit: %w", err)
	}
	tx.staged = make(map[string]stagedValue)
	return nil
}
