// Copyright (C) 2025 Inlet AI (jinterlante@inlet.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// embeddingCacheTTL bounds how long a cached vector survives. Embeddings
// are deterministic for a fixed model, so the TTL exists to keep the
// on-disk store from growing without bound, not for freshness.
const embeddingCacheTTL = 7 * 24 * time.Hour

// EmbeddingCache is an on-disk text-to-vector cache backed by Badger.
// Keys are SHA-256 digests of the input text; values are the raw
// little-endian float32 vector bytes.
//
// # Thread Safety
//
// Safe for concurrent use; Badger handles its own locking.
type EmbeddingCache struct {
	db *badger.DB
}

// NewEmbeddingCache opens (or creates) the cache at the given directory.
func NewEmbeddingCache(dir string) (*EmbeddingCache, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedding cache at %s: %w", dir, err)
	}
	return &EmbeddingCache{db: db}, nil
}

// Close releases the underlying store.
func (c *EmbeddingCache) Close() error {
	return c.db.Close()
}

// Get returns the cached vector for text, or ok=false on a miss.
func (c *EmbeddingCache) Get(text string) ([]float32, bool) {
	key := cacheKey(text)
	var vec []float32
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			vec = decodeVector(val)
			return nil
		})
	})
	if err != nil || vec == nil {
		return nil, false
	}
	return vec, true
}

// Set stores the vector for text with the cache TTL.
func (c *EmbeddingCache) Set(text string, vec []float32) error {
	key := cacheKey(text)
	return c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(key, encodeVector(vec)).WithTTL(embeddingCacheTTL)
		return txn.SetEntry(entry)
	})
}

func cacheKey(text string) []byte {
	sum := sha256.Sum256([]byte(text))
	return sum[:]
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	if len(buf)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
