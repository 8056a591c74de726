// Package store persists turtle branches in LevelDB.
//
// Each branch is stored under its key (the public key hex) as one record per
// layer plus a CBOR head record naming the branch length. A branch is loaded
// by importing its layers root first.
package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	dtcbor "github.com/datatrails/go-datatrails-common/cbor"
	"github.com/datatrails/go-datatrails-common/logger"
	"github.com/syndtr/goleveldb/leveldb"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/forestrie/go-turtle/layer"
	"github.com/forestrie/go-turtle/notify"
	"github.com/forestrie/go-turtle/turtle"
)

const (
	layerPrefix = "l/"
	headPrefix  = "h/"
)

// Head describes the persisted state of one branch.
type Head struct {
	// Length is the number of layers
	Length uint64 `cbor:"1,keyasint"`
	// Size is the total number of bytes, the end address of the branch
	Size uint64 `cbor:"2,keyasint"`
	// Updated is the unix time in milliseconds of the last write
	Updated int64 `cbor:"3,keyasint"`
}

type LevelStore struct {
	Log   logger.Logger
	db    *leveldb.DB
	codec dtcbor.CBORCodec
}

func NewHeadCodec() (dtcbor.CBORCodec, error) {
	codec, err := dtcbor.NewCBORCodec(
		dtcbor.NewDeterministicEncOpts(),
		dtcbor.NewDeterministicDecOpts(), // unsigned int decodes to uint64
	)
	if err != nil {
		return dtcbor.CBORCodec{}, err
	}
	return codec, nil
}

// Open opens or creates the database at path. An empty path opens an in
// memory database.
func Open(log logger.Logger, path string) (*LevelStore, error) {
	var db *leveldb.DB
	var err error
	if path == "" {
		db, err = leveldb.Open(leveldbstorage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", path, err)
	}
	return NewLevelStore(log, db)
}

func NewLevelStore(log logger.Logger, db *leveldb.DB) (*LevelStore, error) {
	codec, err := NewHeadCodec()
	if err != nil {
		return nil, err
	}
	return &LevelStore{Log: log, db: db, codec: codec}, nil
}

func (s *LevelStore) Close() error {
	return s.db.Close()
}

func layerKey(key string, index uint64) []byte {
	b := append([]byte(layerPrefix+key+"/"), make([]byte, 8)...)
	binary.BigEndian.PutUint64(b[len(b)-8:], index)
	return b
}

func headKey(key string) []byte {
	return []byte(headPrefix + key)
}

// Head returns the head record of a branch, ErrLogEmpty if there is none.
func (s *LevelStore) Head(key string) (Head, error) {
	data, err := s.db.Get(headKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Head{}, fmt.Errorf("%w: %s", ErrLogEmpty, key)
	}
	if err != nil {
		return Head{}, err
	}
	var h Head
	if err := s.codec.UnmarshalInto(data, &h); err != nil {
		return Head{}, fmt.Errorf("%w: %v", ErrCorruptHead, err)
	}
	return h, nil
}

// Save writes the layers of a branch from index from onwards. layers holds
// every layer of the branch, root first. Layers persisted beyond the new
// length, left by a truncation, are deleted. The head is written in the same
// batch.
func (s *LevelStore) Save(key string, layers [][]byte, from uint64) (Head, error) {
	previous, err := s.Head(key)
	if err != nil && !errors.Is(err, ErrLogEmpty) {
		return Head{}, err
	}
	length := uint64(len(layers))
	if from > min(previous.Length, length) {
		from = min(previous.Length, length)
	}

	batch := new(leveldb.Batch)
	for i := from; i < length; i++ {
		batch.Put(layerKey(key, i), layers[i])
	}
	for i := length; i < previous.Length; i++ {
		batch.Delete(layerKey(key, i))
	}

	h := Head{Length: length, Updated: time.Now().UnixMilli()}
	for _, b := range layers {
		h.Size += uint64(len(b))
	}
	data, err := s.codec.MarshalCBOR(h)
	if err != nil {
		return Head{}, err
	}
	batch.Put(headKey(key), data)
	if err := s.db.Write(batch, nil); err != nil {
		return Head{}, err
	}
	s.Log.Debugf("store: saved %s layers [%d, %d)", key, from, length)
	return h, nil
}

// Load returns every persisted layer of a branch, root first.
func (s *LevelStore) Load(key string) ([][]byte, error) {
	h, err := s.Head(key)
	if err != nil {
		return nil, err
	}
	layers := make([][]byte, 0, h.Length)
	iter := s.db.NewIterator(util.BytesPrefix([]byte(layerPrefix+key+"/")), nil)
	defer iter.Release()
	for iter.Next() && uint64(len(layers)) < h.Length {
		k := iter.Key()
		index := binary.BigEndian.Uint64(k[len(k)-8:])
		if index != uint64(len(layers)) {
			return nil, fmt.Errorf("%w: %s expected layer %d, found %d", ErrMissingLayer, key, len(layers), index)
		}
		layers = append(layers, append([]byte{}, iter.Value()...))
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	if uint64(len(layers)) != h.Length {
		return nil, fmt.Errorf("%w: %s has %d of %d layers", ErrMissingLayer, key, len(layers), h.Length)
	}
	return layers, nil
}

// LoadBranch imports a persisted branch. If publicKey is not nil every layer
// is verified as a signed commit chain first.
func (s *LevelStore) LoadBranch(key string, publicKey []byte, notifier notify.Notifier) (*turtle.Branch, error) {
	layers, err := s.Load(key)
	if err != nil {
		return nil, err
	}
	tip := layer.Import(layers)
	if publicKey != nil {
		if err := turtle.VerifyChain(publicKey, tip); err != nil {
			return nil, err
		}
	}
	return turtle.NewBranch(key, tip, notifier), nil
}

// Keys lists every persisted branch
func (s *LevelStore) Keys() ([]string, error) {
	var keys []string
	iter := s.db.NewIterator(util.BytesPrefix([]byte(headPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		keys = append(keys, string(iter.Key()[len(headPrefix):]))
	}
	return keys, iter.Error()
}
