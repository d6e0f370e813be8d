package db

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"go.uber.org/zap"

	"github.com/subnetlink/node/pkg/gmp"
)

var storedPendingTransfers = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "subnetlink_db_pending_transfers_stored_total",
		Help: "Total number of pending transfers written to the database",
	})

type Database struct {
	db *badger.DB
}

func Open(path string) (*Database, error) {
	db, err := badger.Open(badger.DefaultOptions(path))
	if err != nil {
		return nil, err
	}
	return &Database{db: db}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Conn returns a pointer to the underlying database connection.
func (d *Database) Conn() *badger.DB {
	return d.db
}

// PendingTransfer is the durable form of one unconfirmed transfer: a
// transfer that has been captured and dispatched but for which the transport
// has not yet reported an outcome.
type PendingTransfer struct {
	ID        common.Hash
	Initiator gmp.Address
	Amount    *uint256.Int
	Nonce     uint64
	CreatedAt time.Time
}

// LedgerDB is the persistence interface of the pending-transfer ledger.
type LedgerDB interface {
	StorePendingTransfer(p *PendingTransfer) error
	DeletePendingTransfer(id common.Hash) error
	GetPendingTransfers(logger *zap.Logger) ([]*PendingTransfer, error)
}

// MockLedgerDB is a no-op LedgerDB for tests that do not exercise
// persistence.
type MockLedgerDB struct {
}

func (d *MockLedgerDB) StorePendingTransfer(p *PendingTransfer) error {
	return nil
}

func (d *MockLedgerDB) DeletePendingTransfer(id common.Hash) error {
	return nil
}

func (d *MockLedgerDB) GetPendingTransfers(logger *zap.Logger) ([]*PendingTransfer, error) {
	return nil, nil
}

var ErrTransferNotFound = errors.New("requested transfer not found in store")

const pendingTransferPrefix = "LINK:PXFER:"
const pendingTransferPrefixLen = len(pendingTransferPrefix)

// 0x-prefixed, hex-encoded 32 byte identifier
const transferIDLen = 2 + 64

func pendingTransferKey(id common.Hash) []byte {
	return []byte(fmt.Sprintf("%v%v", pendingTransferPrefix, id.Hex()))
}

func isPendingTransfer(keyBytes []byte) bool {
	return (len(keyBytes) == pendingTransferPrefixLen+transferIDLen) && (string(keyBytes[0:pendingTransferPrefixLen]) == pendingTransferPrefix)
}

// The standard json Marshal / Unmarshal of time.Time gets confused between
// local and UTC time, so the timestamp is stored as unix seconds.
func (p *PendingTransfer) MarshalJSON() ([]byte, error) {
	type Alias PendingTransfer
	return json.Marshal(&struct {
		CreatedAt int64
		*Alias
	}{
		CreatedAt: p.CreatedAt.Unix(),
		Alias:     (*Alias)(p),
	})
}

func (p *PendingTransfer) UnmarshalJSON(data []byte) error {
	type Alias PendingTransfer
	aux := &struct {
		CreatedAt int64
		*Alias
	}{
		Alias: (*Alias)(p),
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	p.CreatedAt = time.Unix(aux.CreatedAt, 0)
	return nil
}

func (d *Database) StorePendingTransfer(p *PendingTransfer) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal pending transfer %s: %w", p.ID.Hex(), err)
	}

	err = d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(pendingTransferKey(p.ID), b)
	})
	if err != nil {
		return fmt.Errorf("failed to commit pending transfer %s: %w", p.ID.Hex(), err)
	}

	storedPendingTransfers.Inc()

	return nil
}

func (d *Database) DeletePendingTransfer(id common.Hash) error {
	key := pendingTransferKey(id)
	if err := d.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	}); err != nil {
		return fmt.Errorf("failed to delete pending transfer %s: %w", id.Hex(), err)
	}

	return nil
}

// HasPendingTransfer reports whether a record exists for id.
func (d *Database) HasPendingTransfer(id common.Hash) (bool, error) {
	err := d.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(pendingTransferKey(id))
		return err
	})
	if err == nil {
		return true, nil
	}
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return false, err
}

// GetPendingTransfer reads a single record by identifier.
func (d *Database) GetPendingTransfer(id common.Hash) (*PendingTransfer, error) {
	var p PendingTransfer
	if err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(pendingTransferKey(id))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		return json.Unmarshal(val, &p)
	}); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	return &p, nil
}

// GetPendingTransfers is called on start up to reload the unconfirmed
// transfer ledger.
func (d *Database) GetPendingTransfers(logger *zap.Logger) ([]*PendingTransfer, error) {
	pendingTransfers := []*PendingTransfer{}
	prefixBytes := []byte(pendingTransferPrefix)
	err := d.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 10
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			item := it.Item()
			key := item.Key()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			if isPendingTransfer(key) {
				var p PendingTransfer
				err := json.Unmarshal(val, &p)
				if err != nil {
					logger.Error("failed to unmarshal pending transfer for key", zap.String("key", string(key[:])), zap.Error(err))
					continue
				}

				pendingTransfers = append(pendingTransfers, &p)
			} else {
				return fmt.Errorf("unexpected pending transfer key '%s'", string(key))
			}
		}

		return nil
	})

	return pendingTransfers, err
}
