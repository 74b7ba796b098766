package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketObjects = []byte("objects")
	bucketStates  = []byte("states")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketObjects, bucketStates} {
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

func (s *BoltStore) GetObject(id string) (*Object, error) {
	var obj Object
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketObjects).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("object %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &obj)
	})
	if err != nil {
		return nil, err
	}
	return &obj, nil
}

func (s *BoltStore) SetObject(obj *Object) error {
	if obj.ID == "" {
		return fmt.Errorf("set object: empty id")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketObjects), obj.ID, obj)
	})
}

func (s *BoltStore) ExtendObject(obj *Object) error {
	if obj.ID == "" {
		return fmt.Errorf("extend object: empty id")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketObjects)
		data := b.Get([]byte(obj.ID))
		if data == nil {
			return putJSON(b, obj.ID, obj)
		}
		var cur Object
		if err := json.Unmarshal(data, &cur); err != nil {
			return fmt.Errorf("decode object %s: %w", obj.ID, err)
		}
		mergeObject(&cur, obj)
		return putJSON(b, obj.ID, &cur)
	})
}

// mergeObject applies the ExtendObject rules to cur.
func mergeObject(cur, upd *Object) {
	if upd.Type != "" {
		cur.Type = upd.Type
	}
	if upd.Common.Name != "" {
		onlineID := cur.Common.OnlineID
		cur.Common = upd.Common
		if cur.Common.OnlineID == "" {
			cur.Common.OnlineID = onlineID
		}
	} else if upd.Common.OnlineID != "" {
		cur.Common.OnlineID = upd.Common.OnlineID
	}
	if len(upd.Native) > 0 {
		if cur.Native == nil {
			cur.Native = make(map[string]any, len(upd.Native))
		}
		for k, v := range upd.Native {
			cur.Native[k] = v
		}
	}
}

func (s *BoltStore) DeleteObject(id string, recursive bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketObjects, bucketStates} {
			b := tx.Bucket(name)
			if err := b.Delete([]byte(id)); err != nil {
				return err
			}
			if !recursive {
				continue
			}
			// Collect first: deleting while iterating a cursor skips keys.
			var keys [][]byte
			prefix := []byte(id + ".")
			c := b.Cursor()
			for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
				keys = append(keys, append([]byte(nil), k...))
			}
			for _, k := range keys {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *BoltStore) ListObjects(typ ObjectType, prefix string) ([]*Object, error) {
	var objects []*Object
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketObjects).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			var obj Object
			if err := json.Unmarshal(v, &obj); err != nil {
				return fmt.Errorf("decode object %s: %w", k, err)
			}
			if typ != "" && obj.Type != typ {
				continue
			}
			objects = append(objects, &obj)
		}
		return nil
	})
	return objects, err
}

func (s *BoltStore) GetState(id string) (*State, error) {
	var st State
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketStates).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("state %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &st)
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *BoltStore) SetState(id string, st *State) error {
	if st.TS.IsZero() {
		st.TS = time.Now()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketStates), id, st)
	})
}

func (s *BoltStore) ListStates(prefix string) (map[string]*State, error) {
	states := make(map[string]*State)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketStates).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			var st State
			if err := json.Unmarshal(v, &st); err != nil {
				return fmt.Errorf("decode state %s: %w", k, err)
			}
			states[string(k)] = &st
		}
		return nil
	})
	return states, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}
