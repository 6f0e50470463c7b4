// StreamWarden - Media Server Account-Sharing Detection
// Copyright 2026 StreamWarden Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamwarden/streamwarden

package geoip

import (
	"context"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/streamwarden/streamwarden/internal/logging"
	"github.com/streamwarden/streamwarden/internal/models"
)

const diskKeyPrefix = "geo:"

// DiskCache persists resolved geolocations in Badger so provider quota
// survives restarts. Entries carry a TTL; Badger drops them on expiry.
type DiskCache struct {
	db  *badger.DB
	ttl time.Duration
}

// OpenDiskCache opens (or creates) the cache at dir.
func OpenDiskCache(dir string, ttl time.Duration) (*DiskCache, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(nil).
		WithNumVersionsToKeep(1)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open geolocation cache: %w", err)
	}
	return &DiskCache{db: db, ttl: ttl}, nil
}

// Get returns the cached location for an address, or (nil, false).
func (c *DiskCache) Get(ip string) (*models.Geolocation, bool) {
	var loc models.Geolocation
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(diskKeyPrefix + ip))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &loc)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false
	}
	if err != nil {
		logging.Warn().Err(err).Str("ip", ip).Msg("geolocation cache read failed")
		return nil, false
	}
	return &loc, true
}

// Put stores a resolved location with the cache TTL.
func (c *DiskCache) Put(loc *models.Geolocation) error {
	val, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("marshal geolocation: %w", err)
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(diskKeyPrefix+loc.IPAddress), val).WithTTL(c.ttl)
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("store geolocation: %w", err)
	}
	return nil
}

const gcInterval = 5 * time.Minute

// Serve runs Badger's value log garbage collection on a fixed interval so
// expired entries actually release disk space. Implements suture.Service.
func (c *DiskCache) Serve(ctx context.Context) error {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// RunValueLogGC rewrites at most one file per call; loop until
			// there is nothing left to reclaim.
			for {
				err := c.db.RunValueLogGC(0.5)
				if err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						logging.Warn().Err(err).Msg("geolocation cache gc failed")
					}
					break
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *DiskCache) String() string { return "geoip-cache-gc" }

// Close releases the underlying Badger store.
func (c *DiskCache) Close() error {
	return c.db.Close()
}
