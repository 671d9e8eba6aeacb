package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/jmehdipour/teatrace/internal/model"
)

var ErrUnknownEvent = errors.New("ledger: unknown event")

// Decode turns a raw contract log into a typed ledger event.
func Decode(lg types.Log) (model.LedgerEvent, error) {
	if len(lg.Topics) == 0 {
		return model.LedgerEvent{}, ErrUnknownEvent
	}
	ev, err := contractABI.EventByID(lg.Topics[0])
	if err != nil {
		return model.LedgerEvent{}, fmt.Errorf("%w: %s", ErrUnknownEvent, lg.Topics[0].Hex())
	}

	f := fields{}
	if err := ev.Inputs.UnpackIntoMap(f, lg.Data); err != nil {
		return model.LedgerEvent{}, fmt.Errorf("unpack %s: %w", ev.Name, err)
	}

	payload, err := f.payload(model.EventName(ev.Name))
	if err != nil {
		return model.LedgerEvent{}, fmt.Errorf("decode %s: %w", ev.Name, err)
	}
	return model.LedgerEvent{
		Name:        model.EventName(ev.Name),
		TxHash:      lg.TxHash.Hex(),
		LogIndex:    lg.Index,
		BlockNumber: lg.BlockNumber,
		Payload:     payload,
	}, nil
}

type fields map[string]any

func (f fields) payload(name model.EventName) (model.EventPayload, error) {
	switch name {
	case model.EventUserRegistered:
		role, err := enum(f, "role", model.RoleFromCode)
		return model.UserRegistered{
			AccountAddress: f.address("accountAddress"),
			UserID:         f.str("userId"),
			Role:           role,
		}, err
	case model.EventLeavesHarvested:
		return model.LeavesHarvested{
			HarvestID: f.str("harvestId"),
			Date:      f.str("date"),
			Quality:   f.str("quality"),
			Quantity:  f.str("quantity"),
			Location:  f.str("location"),
			FarmerID:  f.str("farmerId"),
			Timestamp: f.time("timestamp"),
		}, nil
	case model.EventProcessingDetailsUpdated:
		status, err := enum(f, "status", model.ProcessingStatusFromCode)
		return model.ProcessingDetailsUpdated{
			HarvestID: f.str("harvestId"),
			Status:    status,
			Timestamp: f.time("timestamp"),
		}, err
	case model.EventBatchCreated:
		return model.BatchCreated{
			BatchID:   f.str("batchId"),
			HarvestID: f.str("harvestId"),
			Quantity:  f.str("quantity"),
			PacketIDs: f.strs("packetIds"),
			Timestamp: f.time("timestamp"),
		}, nil
	case model.EventPacketsCreated:
		return model.PacketsCreated{
			BatchID:   f.str("batchId"),
			PacketIDs: f.strs("packetIds"),
			Timestamp: f.time("timestamp"),
		}, nil
	case model.EventConsignmentCreated:
		return model.ConsignmentCreated{
			ConsignmentID: f.str("consignmentId"),
			BatchIDs:      f.strs("batchIds"),
			Carrier:       f.str("carrier"),
			DepartureDate: f.str("departureDate"),
			ETA:           f.str("eta"),
			Timestamp:     f.time("timestamp"),
		}, nil
	case model.EventConsignmentUpdated:
		status, err := enum(f, "status", model.TrackStatusFromCode)
		return model.ConsignmentUpdated{
			ConsignmentID: f.str("consignmentId"),
			Temperature:   f.str("temperature"),
			Humidity:      f.str("humidity"),
			Status:        status,
			Timestamp:     f.time("timestamp"),
		}, err
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}
}

func (f fields) str(k string) string {
	s, _ := f[k].(string)
	return s
}

func (f fields) strs(k string) []string {
	s, _ := f[k].([]string)
	return s
}

func (f fields) address(k string) string {
	a, _ := f[k].(common.Address)
	return a.Hex()
}

// time converts a uint256 unix seconds value.
func (f fields) time(k string) time.Time {
	v, ok := f[k].(*big.Int)
	if !ok || !v.IsInt64() {
		return time.Time{}
	}
	return time.Unix(v.Int64(), 0).UTC()
}

func enum[T any](f fields, k string, fromCode func(uint8) (T, bool)) (T, error) {
	c, _ := f[k].(uint8)
	v, ok := fromCode(c)
	if !ok {
		return v, fmt.Errorf("%s code %d out of range", k, c)
	}
	return v, nil
}
