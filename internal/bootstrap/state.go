package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// Status of the bootstrap on this VM. Ready is terminal: once reached it's
// never unset, not even by a later failed run.
type Status string

const (
	StatusAbsent     Status = "absent"
	StatusInProgress Status = "in-progress"
	StatusReady      Status = "ready"
	StatusFailed     Status = "failed"
)

type State struct {
	Status   Status `json:"status"`
	Instance string `json:"instance,omitempty"`

	// Runs counts how many times the sequencer started.
	Runs int `json:"runs"`

	// Steps of the latest run, in order.
	Steps []StepResult `json:"steps,omitempty"`

	// FailedStep and Error describe the latest failure, if any.
	FailedStep string `json:"failedStep,omitempty"`
	Error      string `json:"error,omitempty"`

	StartedAt time.Time `json:"startedAt"`
	ReadyAt   time.Time `json:"readyAt,omitempty"`
}

type StateStore interface {
	// GetState returns a State with StatusAbsent if nothing was saved.
	GetState(context.Context) (State, error)
	PutState(context.Context, State) error
	Close() error
}

// BadgerStore keeps the state in a badger database on the VM's disk, so it
// survives reboots and is copied into snapshots.
type BadgerStore struct {
	db *badger.DB
}

var _ StateStore = &BadgerStore{}

var stateKey = []byte("bootstrap:state")

func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil
	opts = opts.WithValueLogFileSize(1 << 20)
	return openBadger(opts)
}

// OpenMemoryStore returns a store that keeps nothing on disk.
func OpenMemoryStore() (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return openBadger(opts)
}

func openBadger(opts badger.Options) (*BadgerStore, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) GetState(ctx context.Context) (State, error) {
	out := State{Status: StatusAbsent}
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stateKey)
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &out)
		})
	})
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return State{Status: StatusAbsent}, nil
	case err != nil:
		return out, fmt.Errorf("view: %w", err)
	}
	return out, nil
}

func (s *BadgerStore) PutState(ctx context.Context, st State) error {
	byt, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(stateKey, byt)
	})
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	return nil
}
