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
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func newTestDB(t *testing.T) (*DB, context.CancelFunc) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "logs.db")
	logDB := NewDB(dbPath, &sync.WaitGroup{})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, logDB.Init(ctx))
	return logDB, cancel
}

func TestQuery(t *testing.T) {
	t.Run("working", func(t *testing.T) {
		msg1 := Log{
			Level:   LevelError,
			Time:    4000,
			Src:     "s1",
			Session: "1",
			Msg:     "msg1",
		}
		msg2 := Log{
			Level: LevelWarning,
			Time:  3000,
			Src:   "s1",
			Msg:   "msg2",
		}
		msg3 := Log{
			Level:   LevelInfo,
			Time:    2000,
			Src:     "s2",
			Session: "2",
			Msg:     "msg3",
		}

		logDB, cancel := newTestDB(t)
		defer cancel()

		require.NoError(t, logDB.saveLog(msg1))
		require.NoError(t, logDB.saveLog(msg2))
		require.NoError(t, logDB.saveLog(msg3))

		cases := []struct {
			name     string
			input    Query
			expected []Log
		}{
			{
				name: "singleLevel",
				input: Query{
					Levels:  []Level{LevelWarning},
					Sources: []string{"s1"},
				},
				expected: []Log{msg2},
			},
			{
				name: "multipleLevels",
				input: Query{
					Levels:  []Level{LevelError, LevelWarning},
					Sources: []string{"s1"},
				},
				expected: []Log{msg1, msg2},
			},
			{
				name: "multipleSources",
				input: Query{
					Levels:  []Level{LevelError, LevelInfo},
					Sources: []string{"s1", "s2"},
				},
				expected: []Log{msg1, msg3},
			},
			{
				name: "singleSession",
				input: Query{
					Sessions: []string{"1"},
				},
				expected: []Log{msg1},
			},
			{
				name: "multipleSessions",
				input: Query{
					Sessions: []string{"1", "2"},
				},
				expected: []Log{msg1, msg3},
			},
			{
				name:     "all",
				input:    Query{},
				expected: []Log{msg1, msg2, msg3},
			},
			{
				name:     "limit",
				input:    Query{Limit: 2},
				expected: []Log{msg1, msg2},
			},
			{
				name: "limit2",
				input: Query{
					Levels: []Level{LevelInfo},
					Limit:  1,
				},
				expected: []Log{msg3},
			},
			{
				name:     "exactTime",
				input:    Query{Time: 4000},
				expected: []Log{msg2, msg3},
			},
			{
				name:     "time",
				input:    Query{Time: 3500},
				expected: []Log{msg2, msg3},
			},
		}

		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				logs, err := logDB.Query(tc.input)
				require.NoError(t, err)
				require.Equal(t, tc.expected, logs)
			})
		}
	})
	t.Run("empty", func(t *testing.T) {
		logDB, cancel := newTestDB(t)
		defer cancel()

		logs, err := logDB.Query(Query{})
		require.NoError(t, err)
		require.Empty(t, logs)
	})
	t.Run("unmarshalErr", func(t *testing.T) {
		logDB, cancel := newTestDB(t)
		defer cancel()

		err := logDB.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket([]byte(dbBucket))
			return b.Put([]byte("invalid"), []byte("nil"))
		})
		require.NoError(t, err)

		_, err = logDB.Query(Query{})
		require.Error(t, err)

		err = logDB.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket([]byte(dbBucket))
			return b.Put([]byte("valid"), []byte("{}"))
		})
		require.NoError(t, err)

		_, err = logDB.Query(Query{})
		require.Error(t, err)
	})
}

func TestDB(t *testing.T) {
	t.Run("maxKeys", func(t *testing.T) {
		logDB, cancel := newTestDB(t)
		defer cancel()

		logDB.maxKeys = 3
		for i := 1; i <= 5; i++ {
			require.NoError(t, logDB.saveLog(Log{Time: UnixMicro(i)}))
		}

		err := logDB.db.View(func(tx *bolt.Tx) error {
			require.Equal(t, 3, tx.Bucket([]byte(dbBucket)).Stats().KeyN)
			return nil
		})
		require.NoError(t, err)

		logs, err := logDB.Query(Query{})
		require.NoError(t, err)
		require.Equal(t, []Log{{Time: 5}, {Time: 4}, {Time: 3}}, logs)
	})
	t.Run("sameTime", func(t *testing.T) {
		logDB, cancel := newTestDB(t)
		defer cancel()

		require.NoError(t, logDB.saveLog(Log{Time: 7, Msg: "a"}))
		require.NoError(t, logDB.saveLog(Log{Time: 7, Msg: "b"}))

		logs, err := logDB.Query(Query{})
		require.NoError(t, err)
		require.Equal(t, []Log{{Time: 7, Msg: "b"}, {Time: 7, Msg: "a"}}, logs)
	})
	t.Run("reopen", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "logs.db")
		wg := &sync.WaitGroup{}
		ctx, cancel := context.WithCancel(context.Background())
		logDB := NewDB(dbPath, wg)
		require.NoError(t, logDB.Init(ctx))
		for i := 1; i <= 3; i++ {
			require.NoError(t, logDB.saveLog(Log{Time: UnixMicro(i)}))
		}
		cancel()
		wg.Wait()

		ctx2, cancel2 := context.WithCancel(context.Background())
		defer cancel2()
		logDB = NewDB(dbPath, wg)
		require.NoError(t, logDB.Init(ctx2))
		require.Equal(t, 3, logDB.keyN)

		logDB.maxKeys = 3
		require.NoError(t, logDB.saveLog(Log{Time: 4}))
		logs, err := logDB.Query(Query{})
		require.NoError(t, err)
		require.Equal(t, []Log{{Time: 4}, {Time: 3}, {Time: 2}}, logs)
	})
	t.Run("openDBerr", func(t *testing.T) {
		logDB := &DB{
			dbPath: "/dev/null",
			wg:     &sync.WaitGroup{},
		}
		require.Error(t, logDB.Init(context.Background()))
	})
	t.Run("saveLogs", func(t *testing.T) {
		logDB, cancel := newTestDB(t)
		defer cancel()

		ctx, cancel2 := context.WithCancel(context.Background())
		defer cancel2()
		logger := NewLogger()
		go logger.Start(ctx)

		feed, cancel3 := logger.Subscribe()
		defer cancel3()

		saved := make(chan struct{})
		go func() {
			logDB.SaveLogs(ctx, logger)
			close(saved)
		}()

		// The database subscriber is registered when
		// the first message arrives at the test feed.
		for {
			logger.Error().Src("test").Msg("a")
			<-feed
			logs, err := logDB.Query(Query{})
			require.NoError(t, err)
			if len(logs) > 0 {
				require.Equal(t, "a", logs[0].Msg)
				break
			}
		}
		cancel2()
		<-saved
	})
}
