package events

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/wagerbook/pkg/storage"
)

func TestBusDispatch(t *testing.T) {
	bus := NewBus(nil)
	var typed, all []EventType
	bus.Subscribe(GameFinished, func(e Event) error {
		typed = append(typed, e.Type)
		return errors.New("handler failure does not stop dispatch")
	})
	bus.SubscribeAll(func(e Event) error {
		all = append(all, e.Type)
		return nil
	})

	bus.Publish(New(OrderPlaced, time.Now(), nil))
	bus.Publish(New(GameFinished, time.Now(), nil))

	assert.Equal(t, []EventType{GameFinished}, typed)
	assert.Equal(t, []EventType{OrderPlaced, GameFinished}, all)
}

func TestEventEnvelope(t *testing.T) {
	addr := common.HexToAddress("0xAA00000000000000000000000000000000000000")
	e := New(GameCreated, time.UnixMilli(1000), map[string]int{"stake": 50}).
		WithGame(9).WithTimeControl("3+2").WithAddresses(addr)
	other := New(GameCreated, time.UnixMilli(1000), nil)
	assert.NotEqual(t, e.ID, other.ID)
	assert.Equal(t, []byte("game:9"), e.Key())
	assert.Equal(t, []byte("order:4"), New(OrderPlaced, time.Now(), nil).WithOrder(4).Key())

	raw, err := e.Marshal()
	require.NoError(t, err)
	var back Event
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, e.ID, back.ID)
	assert.Equal(t, []common.Address{addr}, back.Addresses)
	assert.Equal(t, []byte("game:9"), partitionKey(raw))
}

func stageEvents(t *testing.T, s *storage.PebbleStore, n int) {
	t.Helper()
	b := s.NewBatch()
	for i := 1; i <= n; i++ {
		e := New(OrderPlaced, time.Now(), nil).WithOrder(uint64(i))
		e.Seq = uint64(i)
		raw, err := e.Marshal()
		require.NoError(t, err)
		require.NoError(t, b.AppendOutbox(e.Seq, raw))
	}
	require.NoError(t, b.Commit())
	require.NoError(t, b.Close())
}

func TestBroadcasterDrainsOutbox(t *testing.T) {
	s, err := storage.NewPebbleStore(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	defer s.Close()
	stageEvents(t, s, 3)

	producer := mocks.NewSyncProducer(t, nil)
	for i := 0; i < 3; i++ {
		producer.ExpectSendMessageAndSucceed()
	}
	b := NewBroadcaster(s, NewSaramaPublisherWithProducer(producer, "wagers"), time.Second, nil)
	acked := 0
	b.OnSent(func(n int) { acked += n })

	assert.Equal(t, 3, b.ReplayOnce(context.Background()))
	assert.Equal(t, 3, acked)
	n, err := s.PendingCount()
	require.NoError(t, err)
	assert.Zero(t, n)
	require.NoError(t, b.Close())
}

func TestBroadcasterStopsAtFirstFailure(t *testing.T) {
	s, err := storage.NewPebbleStore(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	defer s.Close()
	stageEvents(t, s, 3)

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	b := NewBroadcaster(s, NewSaramaPublisherWithProducer(producer, "wagers"), time.Second, nil)

	assert.Equal(t, 1, b.ReplayOnce(context.Background()))

	var pending []storage.OutboxRecord
	require.NoError(t, s.ScanPending(func(rec storage.OutboxRecord) error {
		pending = append(pending, rec)
		return nil
	}))
	require.Len(t, pending, 2)
	assert.Equal(t, uint64(2), pending[0].Seq)
	assert.Equal(t, storage.OutboxSent, pending[0].State, "attempt recorded")
	assert.Equal(t, storage.OutboxNew, pending[1].State, "later records untouched")

	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndSucceed()
	assert.Equal(t, 2, b.ReplayOnce(context.Background()))
	require.NoError(t, b.Close())
}

func TestNewPublisher(t *testing.T) {
	p, err := NewPublisher("none", nil, "")
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = NewPublisher("kafka-go", []string{"localhost:9092"}, "wagers")
	require.NoError(t, err)
	require.NotNil(t, p)
	require.NoError(t, p.Close())

	_, err = NewPublisher("pigeon", nil, "")
	assert.Error(t, err)
}
