package kv

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/anchal00/nextup/internal/logger"
)

type StoreTestSuite struct {
	suite.Suite
	newStore func(t *testing.T) Store
	store    Store
	ctx      context.Context
}

func (s *StoreTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.newStore(s.T())
}

func (s *StoreTestSuite) TearDownTest() {
	s.NoError(s.store.Close())
}

func TestMemoryStoreSuite(t *testing.T) {
	suite.Run(t, &StoreTestSuite{newStore: func(t *testing.T) Store {
		return NewMemoryStore()
	}})
}

func TestBadgerStoreSuite(t *testing.T) {
	suite.Run(t, &StoreTestSuite{newStore: func(t *testing.T) Store {
		store, err := NewBadgerStore(filepath.Join(t.TempDir(), "badger"))
		if err != nil {
			t.Fatalf("Failed to create BadgerStore: %v", err)
		}
		return store
	}})
}

func TestBadgerInMemoryStoreSuite(t *testing.T) {
	suite.Run(t, &StoreTestSuite{newStore: func(t *testing.T) Store {
		store, err := NewBadgerStore("", WithBadgerInMemory())
		if err != nil {
			t.Fatalf("Failed to create in-memory BadgerStore: %v", err)
		}
		return store
	}})
}

func TestBadgerOpenedWithValueLogSizeSuite(t *testing.T) {
	suite.Run(t, &StoreTestSuite{newStore: func(t *testing.T) Store {
		store, err := Open(context.Background(), "badger", filepath.Join(t.TempDir(), "badger"), "", logger.Nop(),
			WithBadgerValueLogFileSize(16<<20))
		if err != nil {
			t.Fatalf("Failed to open BadgerStore: %v", err)
		}
		return store
	}})
}

func TestBadgerRejectsBadValueLogSize(t *testing.T) {
	_, err := NewBadgerStore(filepath.Join(t.TempDir(), "badger"), WithBadgerValueLogFileSize(0))
	if err == nil {
		t.Fatal("Expected a zero value log size to be rejected")
	}
}

func TestSqliteStoreSuite(t *testing.T) {
	suite.Run(t, &StoreTestSuite{newStore: func(t *testing.T) Store {
		store, err := NewSqliteStore(filepath.Join(t.TempDir(), "nextup"), logger.Nop())
		if err != nil {
			t.Fatalf("Failed to create SqliteStore: %v", err)
		}
		return store
	}})
}

func TestPostgresStoreSuite(t *testing.T) {
	dsn := os.Getenv("NEXTUP_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("NEXTUP_TEST_POSTGRES_DSN not set")
	}
	suite.Run(t, &StoreTestSuite{newStore: func(t *testing.T) Store {
		store, err := NewPostgresStore(context.Background(), dsn)
		if err != nil {
			t.Fatalf("Failed to create PostgresStore: %v", err)
		}
		_, err = store.pool.Exec(context.Background(), `TRUNCATE nextup_kv`)
		if err != nil {
			t.Fatalf("Failed to truncate: %v", err)
		}
		return store
	}})
}

func (s *StoreTestSuite) TestGetMissingKey() {
	_, err := s.store.Get(s.ctx, "l:missing")
	s.ErrorIs(err, ErrKeyNotFound)
}

func (s *StoreTestSuite) TestPutGetDelete() {
	s.Require().NoError(s.store.Put(s.ctx, "l:1", []byte(`{"a":1}`)))
	v, err := s.store.Get(s.ctx, "l:1")
	s.Require().NoError(err)
	s.Equal(`{"a":1}`, string(v))

	s.Require().NoError(s.store.Put(s.ctx, "l:1", []byte(`{"a":2}`)))
	v, err = s.store.Get(s.ctx, "l:1")
	s.Require().NoError(err)
	s.Equal(`{"a":2}`, string(v))

	s.Require().NoError(s.store.Delete(s.ctx, "l:1"))
	_, err = s.store.Get(s.ctx, "l:1")
	s.ErrorIs(err, ErrKeyNotFound)
}

func (s *StoreTestSuite) TestDeleteMissingKeyIsNotAnError() {
	s.NoError(s.store.Delete(s.ctx, "t:never-existed"))
}

func (s *StoreTestSuite) TestListPagesThroughPrefix() {
	for i := 0; i < 5; i++ {
		s.Require().NoError(s.store.Put(s.ctx, fmt.Sprintf("l:%02d", i), []byte("x")))
	}
	s.Require().NoError(s.store.Put(s.ctx, "lv:00", []byte("0")))
	s.Require().NoError(s.store.Put(s.ctx, "t:00", []byte("x")))

	first, err := s.store.List(s.ctx, "l:", "", 2)
	s.Require().NoError(err)
	s.Equal([]string{"l:00", "l:01"}, first.Keys)
	s.Equal("l:01", first.Next)

	second, err := s.store.List(s.ctx, "l:", first.Next, 2)
	s.Require().NoError(err)
	s.Equal([]string{"l:02", "l:03"}, second.Keys)

	last, err := s.store.List(s.ctx, "l:", second.Next, 2)
	s.Require().NoError(err)
	s.Equal([]string{"l:04"}, last.Keys)
	s.Empty(last.Next)
}

func (s *StoreTestSuite) TestCompareAndSwap() {
	ok, err := s.store.CompareAndSwap(s.ctx, "lv:1", nil, []byte("0"))
	s.Require().NoError(err)
	s.True(ok, "absent key should accept a nil-old swap")

	ok, err = s.store.CompareAndSwap(s.ctx, "lv:1", nil, []byte("9"))
	s.Require().NoError(err)
	s.False(ok, "present key must reject a nil-old swap")

	ok, err = s.store.CompareAndSwap(s.ctx, "lv:1", []byte("7"), []byte("8"))
	s.Require().NoError(err)
	s.False(ok)

	ok, err = s.store.CompareAndSwap(s.ctx, "lv:1", []byte("0"), []byte("1"))
	s.Require().NoError(err)
	s.True(ok)

	v, err := s.store.Get(s.ctx, "lv:1")
	s.Require().NoError(err)
	s.Equal("1", string(v))
}

func (s *StoreTestSuite) TestConcurrentCompareAndSwapHasOneWinner() {
	s.Require().NoError(s.store.Put(s.ctx, "lv:race", []byte("0")))
	var wins atomic.Int32
	wg := sync.WaitGroup{}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := s.store.CompareAndSwap(s.ctx, "lv:race", []byte("0"), []byte(fmt.Sprintf("w%d", i)))
			if err == nil && ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	s.Equal(int32(1), wins.Load())
}

func TestPrefixEnd(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"l:", "l;"},
		{"lidx:p:", "lidx:p;"},
		{"", ""},
		{"a\xff", "b"},
	}
	for _, tc := range tests {
		if got := prefixEnd(tc.prefix); got != tc.want {
			t.Errorf("prefixEnd(%q) = %q, want %q", tc.prefix, got, tc.want)
		}
	}
}

func TestNamespaceKeys(t *testing.T) {
	if got := ListNamespace.RecordKey("R1"); got != "l:R1" {
		t.Errorf("got %q", got)
	}
	if got := TournamentNamespace.VersionKey("T1"); got != "tv:T1" {
		t.Errorf("got %q", got)
	}
	if got := ListNamespace.PlayerIndexKey("P"); got != "lidx:p:P" {
		t.Errorf("got %q", got)
	}
	if got := ListNamespace.HostIndexKey("H"); got != "lidx:h:H" {
		t.Errorf("got %q", got)
	}
	if got := CodeKey("ABCD"); got != "code:ABCD" {
		t.Errorf("got %q", got)
	}
}
