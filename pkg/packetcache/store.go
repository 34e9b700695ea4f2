package packetcache

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/golang/snappy"

	"github.com/dd0wney/cluso-meshtopo/pkg/logging"
	"github.com/dd0wney/cluso-meshtopo/pkg/mesh"
)

// Persisted state lives under two keys. The packet blob is snappy-compressed
// JSON, the meta record is small enough to stay plain.
var (
	keyPackets = []byte("packets")
	keyMeta    = []byte("meta")
)

// StoreConfig configures the on-disk packet store.
type StoreConfig struct {
	Path       string
	InMemory   bool
	SyncWrites bool
}

// Store persists cache contents in BadgerDB so a restart does not have to
// re-fetch the full packet history from the node.
type Store struct {
	db     *badger.DB
	logger logging.Logger
}

// badgerLogger adapts our logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger logging.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error("badger: " + fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn("badger: " + fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug("badger: " + fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug("badger: " + fmt.Sprintf(format, args...))
}

// OpenStore opens (and creates if needed) the packet store.
func OpenStore(cfg StoreConfig, logger logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, mesh.NewError("store_open").Entity("directory", cfg.Path).Cause(err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	opts = opts.WithLogger(&badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, mesh.NewError("store_open").Entity("database", cfg.Path).Cause(err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Save writes the full packet set and meta record in one transaction.
func (s *Store) Save(packets []mesh.Packet, meta Meta) error {
	raw, err := json.Marshal(packets)
	if err != nil {
		return mesh.NewError("store_save").Entity("packets", "").
			Context(err.Error()).Cause(mesh.ErrEncodeFailed)
	}
	compressed := snappy.Encode(nil, raw)

	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return mesh.NewError("store_save").Meta().
			Context(err.Error()).Cause(mesh.ErrEncodeFailed)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(keyPackets, compressed); err != nil {
			return err
		}
		return txn.Set(keyMeta, rawMeta)
	})
	if err != nil {
		return mesh.NewError("store_save").Entity("packets", "").Cause(err)
	}
	return nil
}

// Load reads the persisted packet set and meta record. A store that has
// never been written returns empty results with no error.
func (s *Store) Load() ([]mesh.Packet, Meta, error) {
	var packets []mesh.Packet
	var meta Meta

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyPackets)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			raw, err := snappy.Decode(nil, val)
			if err != nil {
				return mesh.NewError("store_load").Entity("packets", "").
					Context(err.Error()).Cause(mesh.ErrDecodeFailed)
			}
			return json.Unmarshal(raw, &packets)
		}); err != nil {
			return err
		}

		item, err = txn.Get(keyMeta)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &meta)
		})
	})
	if err != nil {
		return nil, Meta{}, mesh.NewError("store_load").Entity("packets", "").Cause(err)
	}

	return packets, meta, nil
}

// Wipe removes all persisted state.
func (s *Store) Wipe() error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(keyPackets); err != nil {
			return err
		}
		return txn.Delete(keyMeta)
	})
	if err != nil {
		return mesh.NewError("store_wipe").Entity("packets", "").Cause(err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// stale reports whether a persisted meta record is too old to trust.
func stale(meta Meta, threshold time.Duration, now time.Time) bool {
	if meta.LastUpdated.IsZero() {
		return true
	}
	return now.Sub(meta.LastUpdated) > threshold
}
