// Package status answers "what happened to my request" from the outbox and
// the confirmed domain rows.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/jmehdipour/teatrace/internal/model"
	"github.com/jmehdipour/teatrace/internal/repository"
)

var ErrNotFound = repository.ErrNotFound

type Stores struct {
	Outbox       repository.OutboxRepository
	Users        repository.UsersRepository
	Harvests     repository.HarvestsRepository
	Processing   repository.ProcessingRepository
	Consignments repository.ConsignmentsRepository
	Events       repository.EventLogRepository
}

type Service struct {
	s Stores
}

func NewService(s Stores) *Service {
	return &Service{s: s}
}

// View is the status of one request. Result carries the confirmed entity and
// is only set once the request is COMPLETED.
type View struct {
	RequestID string             `json:"request_id"`
	Method    model.Method       `json:"method"`
	Status    model.OutboxStatus `json:"status"`
	EntityID  string             `json:"entity_id"`
	TxHash    *string            `json:"tx_hash,omitempty"`
	Error     *string            `json:"error,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
	Result    any                `json:"result,omitempty"`
}

func (s *Service) GetStatus(ctx context.Context, requestID string) (View, error) {
	rec, err := s.s.Outbox.Get(ctx, requestID)
	if err != nil {
		return View{}, err
	}
	v := View{
		RequestID: rec.RequestID,
		Method:    rec.MethodName,
		Status:    rec.Status,
		EntityID:  rec.EntityID,
		TxHash:    rec.TxHash,
		Error:     rec.ErrorMessage,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	if rec.Status != model.StatusCompleted {
		return v, nil
	}

	res, err := s.entity(ctx, rec.MethodName, rec.EntityID)
	if errors.Is(err, repository.ErrNotFound) {
		return v, nil
	}
	if err != nil {
		return View{}, fmt.Errorf("load %s %s: %w", rec.MethodName, rec.EntityID, err)
	}
	v.Result = res
	return v, nil
}

func (s *Service) entity(ctx context.Context, m model.Method, id string) (any, error) {
	switch m {
	case model.MethodRegisterUser:
		uid, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return nil, repository.ErrNotFound
		}
		u, err := s.s.Users.Get(ctx, uid)
		if err != nil {
			return nil, err
		}
		return u.View(), nil
	case model.MethodRecordHarvest:
		return s.s.Harvests.Get(ctx, id)
	case model.MethodRecordProcessing:
		return s.s.Processing.ListByHarvest(ctx, id)
	case model.MethodCreateBatch:
		return s.batch(ctx, id)
	case model.MethodCreateConsignment, model.MethodUpdateConsignment:
		return s.s.Consignments.ByShipment(ctx, id)
	}
	return nil, fmt.Errorf("%w: %s", model.ErrUnknownMethod, m)
}

func (s *Service) batch(ctx context.Context, batchID string) (*model.BatchView, error) {
	packets, err := s.s.Processing.PacketsByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if len(packets) == 0 {
		return nil, repository.ErrNotFound
	}
	harvestID, err := s.s.Processing.HarvestOfBatch(ctx, batchID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	v := &model.BatchView{
		BatchID:        batchID,
		HarvestID:      harvestID,
		PacketWeight:   packets[0].Weight,
		PacketIDs:      make([]string, 0, len(packets)),
		BlockchainHash: packets[0].BlockchainHash,
	}
	for _, p := range packets {
		v.PacketIDs = append(v.PacketIDs, p.PacketID)
	}
	return v, nil
}

// PacketHistory assembles the ledger trail of a packet: its harvest and
// processing stages, its batch, and the shipment that carries it.
func (s *Service) PacketHistory(ctx context.Context, packetID string) (model.PacketHistory, error) {
	pk, err := s.s.Processing.GetPacket(ctx, packetID)
	if err != nil {
		return model.PacketHistory{}, err
	}
	h := model.PacketHistory{PacketID: pk.PacketID}

	batchEvents, err := s.s.Events.ByEntity(ctx, pk.BatchID, model.EventBatchCreated)
	if err != nil {
		return model.PacketHistory{}, err
	}
	harvestID := ""
	if len(batchEvents) > 0 {
		var b model.BatchCreated
		if err := json.Unmarshal(batchEvents[len(batchEvents)-1].EventDetails, &b); err != nil {
			return model.PacketHistory{}, fmt.Errorf("decode batch event: %w", err)
		}
		h.Batch = &b
		harvestID = b.HarvestID
	}
	if harvestID == "" {
		harvestID, err = s.s.Processing.HarvestOfBatch(ctx, pk.BatchID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return model.PacketHistory{}, err
		}
	}

	p := pool.New().WithErrors().WithContext(ctx)
	if harvestID != "" {
		p.Go(func(ctx context.Context) error {
			return s.harvestTrail(ctx, harvestID, &h)
		})
	}
	p.Go(func(ctx context.Context) error {
		return s.shipmentTrail(ctx, pk.BatchID, &h)
	})
	if err := p.Wait(); err != nil {
		return model.PacketHistory{}, err
	}
	return h, nil
}

// harvestTrail fills Harvest and Processing.
func (s *Service) harvestTrail(ctx context.Context, harvestID string, h *model.PacketHistory) error {
	rows, err := s.s.Events.ByEntity(ctx, harvestID, model.EventLeavesHarvested, model.EventProcessingDetailsUpdated)
	if err != nil {
		return err
	}
	for _, r := range rows {
		switch r.EventName {
		case model.EventLeavesHarvested:
			var e model.LeavesHarvested
			if err := json.Unmarshal(r.EventDetails, &e); err != nil {
				return fmt.Errorf("decode harvest event: %w", err)
			}
			h.Harvest = &e
		case model.EventProcessingDetailsUpdated:
			var e model.ProcessingDetailsUpdated
			if err := json.Unmarshal(r.EventDetails, &e); err != nil {
				return fmt.Errorf("decode processing event: %w", err)
			}
			h.Processing = append(h.Processing, e)
		}
	}
	return nil
}

// shipmentTrail fills Consignment and Updates.
func (s *Service) shipmentTrail(ctx context.Context, batchID string, h *model.PacketHistory) error {
	shipmentID, err := s.s.Consignments.ShipmentOfBatch(ctx, batchID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	rows, err := s.s.Events.ByEntity(ctx, shipmentID, model.EventConsignmentCreated, model.EventConsignmentUpdated)
	if err != nil {
		return err
	}
	for _, r := range rows {
		switch r.EventName {
		case model.EventConsignmentCreated:
			var e model.ConsignmentCreated
			if err := json.Unmarshal(r.EventDetails, &e); err != nil {
				return fmt.Errorf("decode consignment event: %w", err)
			}
			h.Consignment = &e
		case model.EventConsignmentUpdated:
			var e model.ConsignmentUpdated
			if err := json.Unmarshal(r.EventDetails, &e); err != nil {
				return fmt.Errorf("decode consignment update: %w", err)
			}
			h.Updates = append(h.Updates, e)
		}
	}
	return nil
}
