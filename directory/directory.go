// Package directory persists the custodian registry: peer profiles and
// their replication commitments. It is the durable side of custodian
// selection; the selector itself never touches disk.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/ethosengine/reach-cache/custodian"
)

var (
	bucketCustodians  = []byte("custodians")  // custodian ID -> Profile JSON
	bucketCommitments = []byte("commitments") // content ID -> []string custodian IDs
)

var (
	// ErrUnknownCustodian is returned when an operation names a custodian
	// that was never registered.
	ErrUnknownCustodian = errors.New("unknown custodian")

	// ErrCorruptProfile is returned when a stored profile fails to decode.
	ErrCorruptProfile = errors.New("corrupt custodian profile")
)

// Directory is a bbolt-backed custodian registry.
type Directory struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	noSync bool
}

// Option configures a Directory.
type Option func(*Directory)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Directory) {
		d.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(d *Directory) {
		d.now = now
	}
}

// WithNoSync disables fsync per transaction. Testing only.
func WithNoSync(noSync bool) Option {
	return func(d *Directory) {
		d.noSync = noSync
	}
}

// New creates a Directory with options. Call Open before use.
func New(opts ...Option) *Directory {
	d := &Directory{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Open opens the registry database at path.
func (d *Directory) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  d.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening directory: %w", err)
	}
	d.db = db

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketCustodians, bucketCommitments} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return err
	}

	d.logger.Debug("opened custodian directory", "path", path)
	return nil
}

// Close closes the database.
func (d *Directory) Close() error {
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

// Register stores or replaces a custodian profile. An empty ID is assigned
// a fresh UUID. Returns the profile's ID.
func (d *Directory) Register(ctx context.Context, p custodian.Profile) (string, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding profile: %w", err)
	}

	err = d.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCustodians).Put([]byte(p.ID), data)
	})
	if err != nil {
		return "", fmt.Errorf("registering custodian %s: %w", p.ID, err)
	}

	d.logger.Debug("registered custodian", "custodian_id", p.ID, "health", p.HealthScore)
	return p.ID, nil
}

// Get returns the profile for one custodian ID.
func (d *Directory) Get(ctx context.Context, custodianID string) (custodian.Profile, error) {
	var p custodian.Profile
	err := d.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketCustodians).Get([]byte(custodianID))
		if data == nil {
			return ErrUnknownCustodian
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("%w: %s", ErrCorruptProfile, custodianID)
		}
		return nil
	})
	return p, err
}

// Commit records that a custodian pledges to hold a replica of contentID.
// The custodian must already be registered.
func (d *Directory) Commit(ctx context.Context, contentID, custodianID string) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketCustodians).Get([]byte(custodianID)) == nil {
			return fmt.Errorf("committing %s: %w", custodianID, ErrUnknownCustodian)
		}

		bucket := tx.Bucket(bucketCommitments)
		ids, err := decodeIDs(bucket.Get([]byte(contentID)))
		if err != nil {
			return err
		}
		for _, id := range ids {
			if id == custodianID {
				return nil // already committed
			}
		}
		ids = append(ids, custodianID)

		data, err := json.Marshal(ids)
		if err != nil {
			return fmt.Errorf("encoding commitments: %w", err)
		}
		return bucket.Put([]byte(contentID), data)
	})
}

// Withdraw removes a custodian's commitment to contentID. Withdrawing a
// commitment that does not exist is a no-op.
func (d *Directory) Withdraw(ctx context.Context, contentID, custodianID string) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketCommitments)
		ids, err := decodeIDs(bucket.Get([]byte(contentID)))
		if err != nil {
			return err
		}

		kept := ids[:0]
		for _, id := range ids {
			if id != custodianID {
				kept = append(kept, id)
			}
		}
		if len(kept) == len(ids) {
			return nil
		}
		if len(kept) == 0 {
			return bucket.Delete([]byte(contentID))
		}

		data, err := json.Marshal(kept)
		if err != nil {
			return fmt.Errorf("encoding commitments: %w", err)
		}
		return bucket.Put([]byte(contentID), data)
	})
}

// ListCommitments returns the profiles of every custodian committed to
// contentID, each with HasCommitment set. Unknown or corrupt profiles are
// skipped, not fatal; a stale commitment must never block selection.
func (d *Directory) ListCommitments(ctx context.Context, contentID string) ([]custodian.Profile, error) {
	var profiles []custodian.Profile
	err := d.db.View(func(tx *bbolt.Tx) error {
		ids, err := decodeIDs(tx.Bucket(bucketCommitments).Get([]byte(contentID)))
		if err != nil {
			return err
		}

		custodians := tx.Bucket(bucketCustodians)
		for _, id := range ids {
			data := custodians.Get([]byte(id))
			if data == nil {
				d.logger.Warn("commitment references unknown custodian",
					"content_id", contentID, "custodian_id", id)
				continue
			}
			var p custodian.Profile
			if err := json.Unmarshal(data, &p); err != nil {
				d.logger.Warn("skipping corrupt custodian profile",
					"custodian_id", id, "error", err)
				continue
			}
			p.HasCommitment = true
			profiles = append(profiles, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return profiles, nil
}

// ListAll returns every registered profile.
func (d *Directory) ListAll(ctx context.Context) ([]custodian.Profile, error) {
	var profiles []custodian.Profile
	err := d.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCustodians).ForEach(func(k, v []byte) error {
			var p custodian.Profile
			if err := json.Unmarshal(v, &p); err != nil {
				d.logger.Warn("skipping corrupt custodian profile",
					"custodian_id", string(k), "error", err)
				return nil
			}
			profiles = append(profiles, p)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return profiles, nil
}

// RecordProbe updates a custodian's estimated latency from a network probe.
func (d *Directory) RecordProbe(ctx context.Context, custodianID string, latencyMs float64) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketCustodians)
		data := bucket.Get([]byte(custodianID))
		if data == nil {
			return fmt.Errorf("probing %s: %w", custodianID, ErrUnknownCustodian)
		}

		var p custodian.Profile
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("%w: %s", ErrCorruptProfile, custodianID)
		}
		p.EstimatedLatencyMs = latencyMs

		updated, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("encoding profile: %w", err)
		}
		return bucket.Put([]byte(custodianID), updated)
	})
}

func decodeIDs(data []byte) ([]string, error) {
	if data == nil {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("decoding commitment list: %w", err)
	}
	return ids, nil
}
