package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"syscall"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmehdipour/teatrace/internal/config"
	"github.com/jmehdipour/teatrace/internal/model"
)

const contractAddr = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

func eventLog(t *testing.T, name string, block uint64, index uint, values ...any) types.Log {
	t.Helper()
	ev, ok := contractABI.Events[name]
	require.True(t, ok, name)
	data, err := ev.Inputs.NonIndexed().Pack(values...)
	require.NoError(t, err)
	return types.Log{
		Address:     common.HexToAddress(contractAddr),
		Topics:      []common.Hash{ev.ID},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.BigToHash(big.NewInt(int64(block*100) + int64(index))),
		Index:       index,
	}
}

func TestContractCall_PacksEveryOperation(t *testing.T) {
	ops := []model.Operation{
		model.RegisterUser{AccountAddress: "0x00000000000000000000000000000000000000aa", UserID: "7", Role: model.RoleRetailer},
		model.RecordHarvest{HarvestID: "h1", HarvestDate: "2024-05-01", Quality: "A", Quantity: "100", Location: "Assam"},
		model.RecordProcessing{HarvestID: "h1", Status: model.ProcessingPacked},
		model.CreateBatch{HarvestID: "h1", BatchID: "b1", Quantity: "0.5", PacketIDs: []string{"p1", "p2"}},
		model.CreateConsignment{ConsignmentID: "s1", BatchIDs: []string{"b1"}, Carrier: model.CarrierAir, DepartureDate: "d", ETA: "e"},
		model.UpdateConsignment{ConsignmentID: "s1", Temperature: "4", Humidity: "70", Status: model.TrackRetailer},
	}
	for _, op := range ops {
		method, args, err := contractCall(op)
		require.NoError(t, err, op.Method())
		assert.Equal(t, op.Method().String(), method)

		_, err = contractABI.Pack(method, args...)
		assert.NoError(t, err, method)
	}
}

func TestContractCall_LedgerCodes(t *testing.T) {
	_, args, err := contractCall(model.RegisterUser{AccountAddress: "0x00000000000000000000000000000000000000aa", UserID: "7", Role: model.RoleShipmentCompany})
	require.NoError(t, err)
	assert.Equal(t, uint8(2), args[2])

	_, args, err = contractCall(model.UpdateConsignment{ConsignmentID: "s1", Temperature: "4", Humidity: "70", Status: model.TrackWarehouse})
	require.NoError(t, err)
	assert.Equal(t, uint8(1), args[3])
}

func TestContractCall_RejectsBadInput(t *testing.T) {
	_, _, err := contractCall(model.RegisterUser{AccountAddress: "nope", UserID: "7", Role: model.RoleFarmer})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	_, _, err = contractCall(model.CreateBatch{HarvestID: "h1", BatchID: "b1", Quantity: "1"})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestDecode_AllEvents(t *testing.T) {
	ts := big.NewInt(1714521600)
	want := time.Unix(1714521600, 0).UTC()
	acct := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	cases := []struct {
		log  types.Log
		want model.EventPayload
	}{
		{eventLog(t, "UserRegistered", 1, 0, acct, "7", uint8(1)),
			model.UserRegistered{AccountAddress: acct.Hex(), UserID: "7", Role: model.RoleProcessingPlant}},
		{eventLog(t, "LeavesHarvested", 2, 0, "h1", "2024-05-01", "A", "100", "Assam", "7", ts),
			model.LeavesHarvested{HarvestID: "h1", Date: "2024-05-01", Quality: "A", Quantity: "100", Location: "Assam", FarmerID: "7", Timestamp: want}},
		{eventLog(t, "ProcessingDetailsUpdated", 3, 0, "h1", uint8(3), ts),
			model.ProcessingDetailsUpdated{HarvestID: "h1", Status: model.ProcessingDrying, Timestamp: want}},
		{eventLog(t, "BatchCreated", 4, 0, "b1", "h1", "0.5", []string{"p1", "p2"}, ts),
			model.BatchCreated{BatchID: "b1", HarvestID: "h1", Quantity: "0.5", PacketIDs: []string{"p1", "p2"}, Timestamp: want}},
		{eventLog(t, "PacketsCreated", 4, 1, "b1", []string{"p1", "p2"}, ts),
			model.PacketsCreated{BatchID: "b1", PacketIDs: []string{"p1", "p2"}, Timestamp: want}},
		{eventLog(t, "ConsignmentCreated", 5, 0, "s1", []string{"b1"}, "ROAD", "d", "e", ts),
			model.ConsignmentCreated{ConsignmentID: "s1", BatchIDs: []string{"b1"}, Carrier: "ROAD", DepartureDate: "d", ETA: "e", Timestamp: want}},
		{eventLog(t, "ConsignmentUpdated", 6, 0, "s1", "4", "70", uint8(2), ts),
			model.ConsignmentUpdated{ConsignmentID: "s1", Temperature: "4", Humidity: "70", Status: model.TrackRetailer, Timestamp: want}},
	}
	require.Len(t, cases, len(model.Events))

	for _, tc := range cases {
		ev, err := Decode(tc.log)
		require.NoError(t, err)
		assert.Equal(t, tc.want, ev.Payload)
		assert.Equal(t, tc.want.Event(), ev.Name)
		assert.Equal(t, tc.log.TxHash.Hex(), ev.TxHash)
		assert.Equal(t, tc.log.Index, ev.LogIndex)
	}
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode(types.Log{})
	assert.ErrorIs(t, err, ErrUnknownEvent)

	_, err = Decode(types.Log{Topics: []common.Hash{common.HexToHash("0x01")}})
	assert.ErrorIs(t, err, ErrUnknownEvent)

	lg := eventLog(t, "ConsignmentUpdated", 1, 0, "s1", "4", "70", uint8(9), big.NewInt(1))
	_, err = Decode(lg)
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	assert.ErrorIs(t, classify(context.DeadlineExceeded), ErrTimeout)
	assert.ErrorIs(t, classify(errors.New("execution reverted: harvest exists")), ErrReverted)
	assert.ErrorIs(t, classify(fmt.Errorf("dial: %w", syscall.ECONNREFUSED)), ErrUnavailable)

	plain := errors.New("insufficient funds")
	assert.Equal(t, plain, classify(plain))
	assert.NoError(t, classify(nil))

	wrapped := classify(context.DeadlineExceeded)
	assert.ErrorIs(t, wrapped, context.DeadlineExceeded)
}

type fakeSub struct{ errc chan error }

func (s *fakeSub) Unsubscribe()      {}
func (s *fakeSub) Err() <-chan error { return s.errc }

type fakeSource struct {
	head    uint64
	logs    []types.Log
	queries []ethereum.FilterQuery
	live    []types.Log
	sub     *fakeSub
}

func (f *fakeSource) BlockNumber(context.Context) (uint64, error) { return f.head, nil }

func (f *fakeSource) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.queries = append(f.queries, q)
	var out []types.Log
	for _, lg := range f.logs {
		if lg.BlockNumber >= q.FromBlock.Uint64() && lg.BlockNumber <= q.ToBlock.Uint64() {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (f *fakeSource) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	for _, lg := range f.live {
		ch <- lg
	}
	return f.sub, nil
}

func TestWatcher_BackfillInChunks(t *testing.T) {
	src := &fakeSource{
		head: 4500,
		logs: []types.Log{
			eventLog(t, "PacketsCreated", 10, 0, "b1", []string{"p1"}, big.NewInt(1)),
			{BlockNumber: 11, Topics: []common.Hash{common.HexToHash("0x02")}},
			eventLog(t, "PacketsCreated", 4200, 0, "b2", []string{"p2"}, big.NewInt(1)),
		},
	}
	w, err := NewWatcher(src, contractAddr, zap.NewNop())
	require.NoError(t, err)

	var got []string
	next, err := w.Backfill(context.Background(), 0, func(_ context.Context, ev model.LedgerEvent) error {
		got = append(got, ev.Payload.EntityKey())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(4501), next)
	assert.Equal(t, []string{"b1", "b2"}, got)
	assert.Len(t, src.queries, 3)
	assert.Equal(t, []common.Address{common.HexToAddress(contractAddr)}, src.queries[0].Addresses)
}

func TestWatcher_BackfillStopsOnHandlerError(t *testing.T) {
	src := &fakeSource{
		head: 20,
		logs: []types.Log{eventLog(t, "PacketsCreated", 12, 0, "b1", []string{"p1"}, big.NewInt(1))},
	}
	w, err := NewWatcher(src, contractAddr, zap.NewNop())
	require.NoError(t, err)

	boom := errors.New("db down")
	next, err := w.Backfill(context.Background(), 5, func(context.Context, model.LedgerEvent) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, uint64(12), next)
}

func TestWatcher_FollowReturnsOnSubscriptionError(t *testing.T) {
	sub := &fakeSub{errc: make(chan error, 1)}
	removed := eventLog(t, "PacketsCreated", 30, 1, "gone", []string{"p"}, big.NewInt(1))
	removed.Removed = true
	src := &fakeSource{
		live: []types.Log{eventLog(t, "PacketsCreated", 30, 0, "b9", []string{"p9"}, big.NewInt(1)), removed},
		sub:  sub,
	}
	w, err := NewWatcher(src, contractAddr, zap.NewNop())
	require.NoError(t, err)

	delivered := make(chan string, 2)
	go func() {
		// let the buffered logs drain before failing the subscription
		time.Sleep(50 * time.Millisecond)
		sub.errc <- errors.New("ws closed")
	}()
	err = w.Follow(context.Background(), 30, false, func(_ context.Context, ev model.LedgerEvent) error {
		delivered <- ev.Payload.EntityKey()
		return nil
	})
	require.Error(t, err)
	require.Len(t, delivered, 1)
	assert.Equal(t, "b9", <-delivered)
}

// growingChain mines new blocks right after its head is read.
type growingChain struct {
	fakeSource
	ch     chan<- types.Log
	onHead []types.Log
}

func (c *growingChain) BlockNumber(context.Context) (uint64, error) {
	head := c.head
	for _, lg := range c.onHead {
		c.logs = append(c.logs, lg)
		c.head = lg.BlockNumber
		if c.ch != nil {
			c.ch <- lg
		}
	}
	c.onHead = nil
	return head, nil
}

func (c *growingChain) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	c.ch = ch
	for _, lg := range c.live {
		ch <- lg
	}
	return c.sub, nil
}

func TestWatcher_FollowKeepsBlocksMinedDuringBackfill(t *testing.T) {
	atHead := eventLog(t, "PacketsCreated", 10, 0, "D", []string{"p4"}, big.NewInt(1))
	sub := &fakeSub{errc: make(chan error, 1)}
	src := &growingChain{
		fakeSource: fakeSource{
			head: 10,
			logs: []types.Log{
				eventLog(t, "PacketsCreated", 5, 0, "A", []string{"p1"}, big.NewInt(1)),
				atHead,
			},
			// block 10 landed after the subscription opened
			live: []types.Log{atHead},
			sub:  sub,
		},
		onHead: []types.Log{
			eventLog(t, "PacketsCreated", 11, 0, "B", []string{"p2"}, big.NewInt(1)),
			eventLog(t, "PacketsCreated", 12, 0, "C", []string{"p3"}, big.NewInt(1)),
		},
	}
	w, err := NewWatcher(src, contractAddr, zap.NewNop())
	require.NoError(t, err)

	var got []string
	err = w.Follow(context.Background(), 0, true, func(_ context.Context, ev model.LedgerEvent) error {
		got = append(got, ev.Payload.EntityKey())
		if len(got) == 4 {
			sub.errc <- errors.New("ws closed")
		}
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, []string{"A", "D", "B", "C"}, got)
}

// callBackend answers eth_call with a canned return value. Any other backend
// method panics through the nil embedded interface.
type callBackend struct {
	Backend
	out   []byte
	err   error
	calls []ethereum.CallMsg
}

func (b *callBackend) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x60, 0x80}, nil
}

func (b *callBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	b.calls = append(b.calls, msg)
	return b.out, b.err
}

func newQueryClient(t *testing.T, b *callBackend) *EthClient {
	t.Helper()
	c, err := NewEthClient(b, config.LedgerConfig{ContractAddress: contractAddr, ChainID: 1337}, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestEthClient_QueryUnpacksViewOutputs(t *testing.T) {
	m := contractABI.Methods["getHarvest"]
	out, err := m.Outputs.Pack("2024-05-01", "A", "10", "Ella", "7")
	require.NoError(t, err)
	b := &callBackend{out: out}

	got, err := newQueryClient(t, b).Query(context.Background(), "getHarvest", "h1")
	require.NoError(t, err)
	assert.Equal(t, []any{"2024-05-01", "A", "10", "Ella", "7"}, got)

	require.Len(t, b.calls, 1)
	assert.Equal(t, common.HexToAddress(contractAddr), *b.calls[0].To)
	data, err := contractABI.Pack("getHarvest", "h1")
	require.NoError(t, err)
	assert.Equal(t, data, b.calls[0].Data)
}

func TestEthClient_QueryRejectsWriteMethods(t *testing.T) {
	b := &callBackend{}

	_, err := newQueryClient(t, b).Query(context.Background(), "recordHarvest", "h1")
	assert.ErrorIs(t, err, model.ErrUnknownMethod)
	_, err = newQueryClient(t, b).Query(context.Background(), "nope")
	assert.ErrorIs(t, err, model.ErrUnknownMethod)
	assert.Empty(t, b.calls)
}

func TestEthClient_QueryClassifiesNodeErrors(t *testing.T) {
	b := &callBackend{err: errors.New("execution reverted: unknown batch")}

	_, err := newQueryClient(t, b).Query(context.Background(), "getBatch", "B404")
	assert.ErrorIs(t, err, ErrReverted)
}
