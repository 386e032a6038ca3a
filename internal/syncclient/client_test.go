package syncclient

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/anchal00/nextup/internal/hub"
	"github.com/anchal00/nextup/internal/kv"
	"github.com/anchal00/nextup/internal/logger"
	"github.com/anchal00/nextup/internal/records"
	"github.com/anchal00/nextup/internal/server"
)

type ClientTestSuite struct {
	suite.Suite
	hub    *hub.Hub
	server *httptest.Server
	client *Client
	ctx    context.Context
}

func (suite *ClientTestSuite) SetupTest() {
	log := logger.Nop()
	suite.hub = hub.New(hub.Options{Monotonic: true, Logger: log})
	store := records.NewStore(kv.NewMemoryStore(), records.Options{
		Logger:   log,
		Notifier: server.RoomNotifier{Hub: suite.hub},
	})
	s := server.New(server.Options{Records: store, Hub: suite.hub, Logger: log})
	suite.server = httptest.NewServer(s.Router)
	suite.client = NewClient(suite.server.URL, nil)
	suite.ctx = context.Background()
}

func (suite *ClientTestSuite) TearDownTest() {
	suite.hub.CloseAll()
	suite.server.Close()
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(ClientTestSuite))
}

func (suite *ClientTestSuite) createList() records.CreateResponse {
	created, err := suite.client.Create(suite.ctx, records.CreateRequest{
		Kind:   records.KindList,
		HostID: "host",
		List:   &records.ListGame{Tables: []records.Table{{}}},
	})
	suite.Require().NoError(err)
	return created
}

func (suite *ClientTestSuite) TestReadWriteRoundTrip() {
	created := suite.createList()

	rec, err := suite.client.Get(suite.ctx, records.KindList, created.ID)
	suite.Require().NoError(err)
	suite.Equal(created.Code, rec.Code)
	suite.Equal(int64(0), rec.Version)

	res, err := suite.client.Fetch(suite.ctx, records.KindList, created.ID, "")
	suite.Require().NoError(err)
	suite.True(res.Changed)
	suite.Equal(`"0"`, res.ETag)

	res, err = suite.client.Fetch(suite.ctx, records.KindList, created.ID, res.ETag)
	suite.Require().NoError(err)
	suite.False(res.Changed, "an unchanged record is a 304")

	rec.List.Enqueue("A")
	expected := int64(0)
	version, err := suite.client.Put(suite.ctx, rec, &expected)
	suite.Require().NoError(err)
	suite.Equal(int64(1), version)

	_, err = suite.client.Put(suite.ctx, rec, &expected)
	suite.ErrorIs(err, records.ErrVersionConflict)

	ref, err := suite.client.ByCode(suite.ctx, created.Code)
	suite.Require().NoError(err)
	suite.Equal(records.CodeRef{Kind: records.KindList, ID: created.ID}, ref)

	suite.Require().NoError(suite.client.Delete(suite.ctx, records.KindList, created.ID))
	_, err = suite.client.Get(suite.ctx, records.KindList, created.ID)
	suite.ErrorIs(err, records.ErrNotFound)
	_, err = suite.client.ByCode(suite.ctx, created.Code)
	suite.ErrorIs(err, records.ErrNotFound)
}

func (suite *ClientTestSuite) TestErrorsMapToSentinels() {
	_, err := suite.client.Create(suite.ctx, records.CreateRequest{Kind: records.KindList})
	suite.ErrorIs(err, records.ErrValidation)

	created := suite.createList()
	_, err = suite.client.Action(suite.ctx, records.KindList, created.ID, records.Action{Op: "shuffle"}, nil)
	suite.ErrorIs(err, records.ErrValidation)
}

func (suite *ClientTestSuite) TestUpdateRetriesOnceAfterConflict() {
	created := suite.createList()
	calls := 0
	out, err := suite.client.Update(suite.ctx, records.KindList, created.ID, func(rec *records.Record) error {
		calls++
		if calls == 1 {
			// Someone else writes between our read and our write.
			_, err := suite.client.Action(suite.ctx, records.KindList, created.ID, records.Action{Op: "enqueue", Player: "B"}, nil)
			suite.Require().NoError(err)
		}
		rec.List.Enqueue("A")
		return nil
	})
	suite.Require().NoError(err)
	suite.Equal(2, calls)
	suite.Equal(int64(2), out.Version)

	rec, err := suite.client.Get(suite.ctx, records.KindList, created.ID)
	suite.Require().NoError(err)
	suite.ElementsMatch([]string{"A", "B"}, rec.List.Members())
}

func (suite *ClientTestSuite) TestActionAutoSeats() {
	created := suite.createList()
	out, err := suite.client.Action(suite.ctx, records.KindList, created.ID, records.Action{Op: "enqueue", Players: []string{"A", "B"}}, nil)
	suite.Require().NoError(err)
	suite.Equal(int64(1), out.Version)
	suite.Equal([]string{"A"}, out.List.Tables[0].Seats)
	suite.Equal([]string{"B"}, out.List.Queue)
}

func (suite *ClientTestSuite) TestStreamDeliversWrites() {
	created := suite.createList()
	ctx, cancel := context.WithCancel(suite.ctx)
	defer cancel()
	out := make(chan Result, 4)
	errs := make(chan error, 1)
	go func() {
		errs <- WSStream{URL: suite.client.SocketURL(records.KindList, created.ID)}.Run(ctx, out)
	}()

	select {
	case res := <-out:
		suite.Equal(`"0"`, res.ETag, "the room snapshot comes first")
	case <-time.After(5 * time.Second):
		suite.FailNow("no snapshot on the stream")
	}

	_, err := suite.client.Action(suite.ctx, records.KindList, created.ID, records.Action{Op: "enqueue", Player: "A"}, nil)
	suite.Require().NoError(err)
	select {
	case res := <-out:
		suite.Equal(`"1"`, res.ETag)
		rec, err := records.DecodeRecord(res.Payload)
		suite.Require().NoError(err)
		suite.Equal([]string{"A"}, rec.List.Tables[0].Seats)
	case <-time.After(5 * time.Second):
		suite.FailNow("write never reached the stream")
	}

	cancel()
	select {
	case err := <-errs:
		suite.NoError(err, "cancelling the stream is a clean exit")
	case <-time.After(5 * time.Second):
		suite.FailNow("stream did not stop")
	}
}

func (suite *ClientTestSuite) TestEnginesFollowRecord() {
	created := suite.createList()
	shared := NewMemoryShared()
	fetcher := RecordFetcher{Client: suite.client, Kind: records.KindList, ID: created.ID}
	engines := make([]*Engine, 2)
	for i := range engines {
		engines[i] = New(Options{
			Key:       "list/" + created.ID,
			Fetcher:   fetcher,
			Shared:    shared,
			Min:       time.Second,
			Max:       5 * time.Second,
			Boost:     time.Second,
			BumpDelay: 5 * time.Millisecond,
			Settle:    10 * time.Millisecond,
		})
		engines[i].Start(suite.ctx)
		defer engines[i].Stop()
	}
	converged := func(etag string) func() bool {
		return func() bool {
			return engines[0].ETag() == etag && engines[1].ETag() == etag
		}
	}
	suite.Require().Eventually(converged(`"0"`), 5*time.Second, 10*time.Millisecond)

	_, err := suite.client.Action(suite.ctx, records.KindList, created.ID, records.Action{Op: "enqueue", Player: "A"}, nil)
	suite.Require().NoError(err)
	engines[0].Bump()
	engines[1].Bump()
	suite.Eventually(converged(`"1"`), 5*time.Second, 10*time.Millisecond)
}
