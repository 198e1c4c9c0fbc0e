package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"aqara-gateway-go/internal/device"
)

var (
	bucketDevices = []byte("devices")
	bucketGateway = []byte("gateway")
	keySession    = []byte("session")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketDevices, bucketGateway} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func putDevice(b *bolt.Bucket, d *device.Descriptor) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode device %s: %w", d.DID, err)
	}
	return b.Put([]byte(d.DID), data)
}

func (s *BoltStore) SaveDevice(d *device.Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		return putDevice(b, d)
	})
}

func (s *BoltStore) GetDevice(did string) (*device.Descriptor, error) {
	var d device.Descriptor
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data := b.Get([]byte(did))
		if data == nil {
			return fmt.Errorf("device %s: %w", did, ErrNotFound)
		}
		return json.Unmarshal(data, &d)
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *BoltStore) UpdateDevice(did string, fn func(d *device.Descriptor) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		data := b.Get([]byte(did))
		if data == nil {
			return fmt.Errorf("device %s: %w", did, ErrNotFound)
		}
		var d device.Descriptor
		if err := json.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("decode device %s: %w", did, err)
		}
		if err := fn(&d); err != nil {
			return err
		}
		// The key is the DID; fn must not move the record.
		d.DID = did
		return putDevice(b, &d)
	})
}

func (s *BoltStore) DeleteDevice(did string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketDevices)
		}
		return b.Delete([]byte(did))
	})
}

func (s *BoltStore) ListDevices() ([]*device.Descriptor, error) {
	var devices []*device.Descriptor
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b == nil {
			return nil // no bucket = no devices
		}
		devices = make([]*device.Descriptor, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var d device.Descriptor
			if err := json.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("decode device %s: %w", k, err)
			}
			devices = append(devices, &d)
			return nil
		})
	})
	return devices, err
}

func (s *BoltStore) SaveGatewayState(state *GatewayState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGateway)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketGateway)
		}
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		return b.Put(keySession, data)
	})
}

func (s *BoltStore) GetGatewayState() (*GatewayState, error) {
	var state GatewayState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGateway)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketGateway)
		}
		data := b.Get(keySession)
		if data == nil {
			return fmt.Errorf("gateway state: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
