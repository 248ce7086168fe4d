// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package log

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Bucket name, bumped when the value format changes.
const dbBucket = "logs-v2"

const defaultMaxKeys = 100000

// NewDB new log database.
func NewDB(dbPath string, wg *sync.WaitGroup) *DB {
	return &DB{
		dbPath:  dbPath,
		maxKeys: defaultMaxKeys,

		wg:     wg,
		saveWG: &sync.WaitGroup{},
	}
}

// DB log database. Keys are big endian timestamps in microseconds,
// values are json encoded logs. The oldest log is evicted
// once maxKeys is reached.
type DB struct {
	dbPath  string
	maxKeys int
	keyN    int // Protected by the bolt write lock.

	db *bolt.DB
	wg *sync.WaitGroup

	// Wait for last log to be saved before losing db.
	saveWG *sync.WaitGroup
}

// Init opens the database, it's closed when ctx is canceled.
func (logDB *DB) Init(ctx context.Context) error {
	db, err := bolt.Open(logDB.dbPath, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return fmt.Errorf("could not open database: %w: %v", err, logDB.dbPath)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(dbBucket))
		if err != nil {
			return err
		}
		logDB.keyN = b.Stats().KeyN
		return nil
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("could not create bucket: %v, %w", dbBucket, err)
	}

	logDB.db = db

	logDB.wg.Add(1)
	go func() {
		<-ctx.Done()
		logDB.saveWG.Wait()
		db.Close()
		logDB.wg.Done()
	}()

	return nil
}

// SaveLogs saves logs from the logger into the database until ctx is canceled.
func (logDB *DB) SaveLogs(ctx context.Context, l *Logger) {
	logDB.saveWG.Add(1)
	defer logDB.saveWG.Done()

	feed, cancel := l.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case log, ok := <-feed:
			if !ok {
				return
			}
			if err := logDB.saveLog(log); err != nil {
				// Logging the error would feed it back into this loop.
				fmt.Fprintf(os.Stderr, "could not save log: '%v' %v\n", log.Msg, err)
			}
		}
	}
}

func (logDB *DB) saveLog(log Log) error {
	value, err := json.Marshal(log)
	if err != nil {
		return err
	}

	return logDB.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(dbBucket))

		for logDB.keyN >= logDB.maxKeys {
			k, _ := b.Cursor().First()
			if k == nil {
				break
			}
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("could not delete first key: %w", err)
			}
			logDB.keyN--
		}

		// Logs from the same microsecond get the next free key.
		t := uint64(log.Time)
		for b.Get(encodeKey(t)) != nil {
			t++
		}
		if err := b.Put(encodeKey(t), value); err != nil {
			return err
		}
		logDB.keyN++
		return nil
	})
}

// Query database query. Nil slices match everything.
type Query struct {
	Levels   []Level
	Time     UnixMicro // Only logs before this time, 0 for now.
	Sources  []string
	Sessions []string
	Limit    int
}

// Match reports if the log passes the level, source and session filters.
func (q Query) Match(log Log) bool {
	return contains(q.Levels, log.Level) &&
		contains(q.Sources, log.Src) &&
		contains(q.Sessions, log.Session)
}

func contains[T comparable](list []T, v T) bool {
	if list == nil {
		return true
	}
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// Query logs in database, newest first.
func (logDB *DB) Query(q Query) ([]Log, error) {
	limit := q.Limit
	if limit == 0 {
		limit = defaultMaxKeys
	}

	var logs []Log
	err := logDB.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(dbBucket)).Cursor()

		var key, value []byte
		if q.Time == 0 {
			key, value = c.Last()
		} else {
			// Seek lands on the first key >= Time, step back once.
			c.Seek(encodeKey(uint64(q.Time)))
			key, value = c.Prev()
		}

		for ; key != nil && len(logs) < limit; key, value = c.Prev() {
			var log Log
			if err := json.Unmarshal(value, &log); err != nil {
				return fmt.Errorf("could not unmarshal log: %w", err)
			}
			if q.Match(log) {
				logs = append(logs, log)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

func encodeKey(key uint64) []byte {
	output := make([]byte, 8)
	binary.BigEndian.PutUint64(output, key)
	return output
}
