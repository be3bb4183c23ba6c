// Package store persists node results: a durable badger-backed record store
// for audit records and denormalized search fields, and the dual writer that
// applies soft-failure semantics on top of it.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	playbook "github.com/parchmint/playbook-engine"
)

const (
	auditPrefix  = "audit/"
	searchPrefix = "search/"
)

// BadgerStore implements playbook.RecordStore on an embedded badger database.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

// BadgerOption configures the store.
type BadgerOption func(*BadgerStore)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) BadgerOption {
	return func(s *BadgerStore) {
		s.logger = logger
	}
}

// OpenBadgerStore opens (or creates) a store at path. An empty path opens an
// in-memory database, used by tests and ephemeral runs.
func OpenBadgerStore(path string, opts ...BadgerOption) (*BadgerStore, error) {
	var badgerOpts badger.Options
	if path == "" {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		badgerOpts = badger.DefaultOptions(path)
	}
	badgerOpts = badgerOpts.WithLogger(nil)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, playbook.NewStorageError("persisting", fmt.Sprintf("opening badger store at %q", path), err)
	}

	s := &BadgerStore{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// CreateAuditRecord writes the primary record and returns its generated id.
func (s *BadgerStore) CreateAuditRecord(ctx context.Context, rec playbook.AuditRecord) (string, error) {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return "", err
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	id := uuid.New().String()

	payload, err := json.Marshal(rec)
	if err != nil {
		return "", playbook.NewStorageError("persisting", "encoding audit record", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(auditPrefix+id), payload)
	})
	if err != nil {
		return "", playbook.NewStorageError("persisting", "writing audit record", err)
	}

	s.logger.Debug("audit record written", "record_id", id, "run_id", rec.RunID, "node_id", rec.NodeID)
	return id, nil
}

// AuditRecordByID fetches a previously written audit record.
func (s *BadgerStore) AuditRecordByID(ctx context.Context, id string) (*playbook.AuditRecord, error) {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return nil, err
	}

	var rec playbook.AuditRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(auditPrefix + id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("audit record not found", nil))
	}
	if err != nil {
		return nil, playbook.NewStorageError("persisting", "reading audit record", err)
	}
	return &rec, nil
}

// UpdateSearchFields merges the secondary record into the document's search
// field map, keyed by output variable.
func (s *BadgerStore) UpdateSearchFields(ctx context.Context, documentID string, fields playbook.SearchFields) error {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return err
	}
	if documentID == "" {
		return errbuilder.NotFoundErr(errbuilder.GenericErr("document id is empty", nil))
	}

	key := []byte(searchPrefix + documentID)
	err := s.db.Update(func(txn *badger.Txn) error {
		existing := make(map[string]playbook.SearchFields)
		item, err := txn.Get(key)
		switch {
		case err == nil:
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &existing)
			}); err != nil {
				return err
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		existing[fields.OutputVariable] = fields
		payload, err := json.Marshal(existing)
		if err != nil {
			return err
		}
		return txn.Set(key, payload)
	})
	if err != nil {
		return playbook.NewStorageError("persisting", "writing search fields", err)
	}

	s.logger.Debug("search fields updated", "document_id", documentID, "output_variable", fields.OutputVariable)
	return nil
}

// SearchFieldsByDocument fetches every search field recorded for a document.
func (s *BadgerStore) SearchFieldsByDocument(ctx context.Context, documentID string) (map[string]playbook.SearchFields, error) {
	if err := errbuilder.WrapIfContextDone(ctx, nil); err != nil {
		return nil, err
	}

	fields := make(map[string]playbook.SearchFields)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(searchPrefix + documentID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &fields)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, errbuilder.NotFoundErr(errbuilder.GenericErr("no search fields for document", nil))
	}
	if err != nil {
		return nil, playbook.NewStorageError("persisting", "reading search fields", err)
	}
	return fields, nil
}
