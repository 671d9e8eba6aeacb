package outbox

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/jmehdipour/teatrace/internal/keys"
	"github.com/jmehdipour/teatrace/internal/model"
	"github.com/jmehdipour/teatrace/internal/repository"
	"github.com/jmehdipour/teatrace/internal/util"
)

// ledgerDate is how calendar dates travel in ledger payloads.
const ledgerDate = "2006-01-02"

// Stores groups the domain repositories the typed entry points write through.
type Stores struct {
	Users        repository.UsersRepository
	Harvests     repository.HarvestsRepository
	Processing   repository.ProcessingRepository
	Consignments repository.ConsignmentsRepository
}

// Service exposes one submit operation per ledger method.
type Service struct {
	w      *Writer
	stores Stores
	sealer *keys.Sealer
}

func NewService(w *Writer, stores Stores, sealer *keys.Sealer) *Service {
	return &Service{w: w, stores: stores, sealer: sealer}
}

type RegisterUserInput struct {
	Email    string     `json:"email"`
	Role     model.Role `json:"role"`
	Location string     `json:"location"`
}

// RegisterUser creates the user with a fresh wallet. The private key is sealed
// before it reaches the database.
func (s *Service) RegisterUser(ctx context.Context, in RegisterUserInput) (string, error) {
	email := util.NormalizeEmail(in.Email)
	if email == "" || !strings.Contains(email, "@") {
		return "", invalid("email %q", in.Email)
	}
	if !in.Role.Valid() {
		return "", invalid("role %q", in.Role)
	}

	acct, err := keys.NewAccount()
	if err != nil {
		return "", &PersistenceError{Method: model.MethodRegisterUser, Err: err}
	}
	sealed, err := s.sealer.Seal(acct.PrivateKey)
	if err != nil {
		return "", &PersistenceError{Method: model.MethodRegisterUser, Err: fmt.Errorf("seal key: %w", err)}
	}

	return s.w.Submit(ctx, func(ctx context.Context, tx *sqlx.Tx, _ string) (Draft, error) {
		id, err := s.stores.Users.Insert(ctx, tx, model.User{
			Email:         email,
			Role:          in.Role,
			Location:      in.Location,
			WalletAddress: acct.Address,
		})
		if err != nil {
			return Draft{}, fmt.Errorf("insert user: %w", err)
		}
		err = s.stores.Users.InsertWallet(ctx, tx, model.Wallet{
			WalletID:   util.New(),
			UserID:     id,
			Address:    acct.Address,
			PublicKey:  acct.PublicKey,
			PrivateKey: sealed,
		})
		if err != nil {
			return Draft{}, fmt.Errorf("insert wallet: %w", err)
		}
		return Draft{
			UserID: id,
			Operation: model.RegisterUser{
				AccountAddress: acct.Address,
				UserID:         strconv.FormatInt(id, 10),
				Role:           in.Role,
			},
		}, nil
	})
}

type RecordHarvestInput struct {
	HarvestDate time.Time       `json:"harvest_date"`
	Quality     string          `json:"quality"`
	Quantity    decimal.Decimal `json:"quantity"`
	Location    string          `json:"location"`
}

func (s *Service) RecordHarvest(ctx context.Context, userID int64, in RecordHarvestInput) (string, error) {
	if !in.Quantity.IsPositive() {
		return "", invalid("quantity %s", in.Quantity)
	}
	if in.HarvestDate.IsZero() {
		return "", invalid("harvest date is empty")
	}

	return s.w.Submit(ctx, func(ctx context.Context, tx *sqlx.Tx, _ string) (Draft, error) {
		h := model.Harvest{
			HarvestID:   util.NewHarvestID(),
			UserID:      userID,
			HarvestDate: in.HarvestDate.UTC(),
			Quality:     in.Quality,
			Quantity:    in.Quantity,
			Location:    in.Location,
		}
		if err := s.stores.Harvests.Insert(ctx, tx, h); err != nil {
			return Draft{}, fmt.Errorf("insert harvest: %w", err)
		}
		return Draft{
			UserID: userID,
			Operation: model.RecordHarvest{
				HarvestID:   h.HarvestID,
				HarvestDate: h.HarvestDate.Format(ledgerDate),
				Quality:     h.Quality,
				Quantity:    h.Quantity.String(),
				Location:    h.Location,
			},
		}, nil
	})
}

// RecordProcessing appends a processing stage to an existing harvest.
func (s *Service) RecordProcessing(ctx context.Context, userID int64, harvestID string, status model.ProcessingStatus) (string, error) {
	if !status.Valid() {
		return "", invalid("processing status %q", status)
	}
	if _, err := s.stores.Harvests.Get(ctx, harvestID); err != nil {
		return "", rejectOrPersist(model.MethodRecordProcessing, err)
	}

	return s.w.Submit(ctx, func(ctx context.Context, tx *sqlx.Tx, requestID string) (Draft, error) {
		err := s.stores.Processing.InsertStage(ctx, tx, model.Processing{
			RequestID:        requestID,
			HarvestID:        harvestID,
			ProcessType:      status,
			PackagingPlantID: userID,
		})
		if err != nil {
			return Draft{}, fmt.Errorf("insert processing: %w", err)
		}
		return Draft{
			UserID:    userID,
			Operation: model.RecordProcessing{HarvestID: harvestID, Status: status},
		}, nil
	})
}

type CreateBatchInput struct {
	HarvestID    string          `json:"harvest_id"`
	PacketWeight decimal.Decimal `json:"packet_weight"`
	NoOfPackets  int             `json:"no_of_packets"`
}

// CreateBatch packs a harvest into NoOfPackets packets of PacketWeight each
// and links the harvest's processing rows to the new batch.
func (s *Service) CreateBatch(ctx context.Context, userID int64, in CreateBatchInput) (string, error) {
	if in.NoOfPackets <= 0 {
		return "", invalid("no of packets %d", in.NoOfPackets)
	}
	if !in.PacketWeight.IsPositive() {
		return "", invalid("packet weight %s", in.PacketWeight)
	}
	if _, err := s.stores.Harvests.Get(ctx, in.HarvestID); err != nil {
		return "", rejectOrPersist(model.MethodCreateBatch, err)
	}

	return s.w.Submit(ctx, func(ctx context.Context, tx *sqlx.Tx, _ string) (Draft, error) {
		batchID := util.NewBatchID()
		ids := util.NewPacketIDs(in.NoOfPackets)

		packets := make([]model.Packet, 0, len(ids))
		for _, id := range ids {
			packets = append(packets, model.Packet{PacketID: id, BatchID: batchID, Weight: in.PacketWeight})
		}
		if err := s.stores.Processing.InsertPackets(ctx, tx, packets); err != nil {
			return Draft{}, fmt.Errorf("insert packets: %w", err)
		}
		if err := s.stores.Processing.LinkBatch(ctx, tx, in.HarvestID, batchID, len(ids)); err != nil {
			return Draft{}, fmt.Errorf("link batch: %w", err)
		}
		return Draft{
			UserID: userID,
			Operation: model.CreateBatch{
				HarvestID: in.HarvestID,
				BatchID:   batchID,
				Quantity:  strconv.Itoa(len(ids)),
				PacketIDs: ids,
			},
		}, nil
	})
}

type CreateConsignmentInput struct {
	BatchIDs      []string          `json:"batch_ids"`
	Carrier       model.Carrier     `json:"carrier"`
	Status        model.TrackStatus `json:"status"`
	DepartureDate time.Time         `json:"departure_date"`
	ETA           time.Time         `json:"eta"`
}

// CreateConsignment ships one or more batches under a new shipment id, one row
// per batch.
func (s *Service) CreateConsignment(ctx context.Context, userID int64, in CreateConsignmentInput) (string, error) {
	if len(in.BatchIDs) == 0 {
		return "", invalid("batch ids are empty")
	}
	if !in.Carrier.Valid() {
		return "", invalid("carrier %q", in.Carrier)
	}
	if in.Status == "" {
		in.Status = model.TrackTransit
	}
	if !in.Status.Valid() {
		return "", invalid("track status %q", in.Status)
	}
	if in.DepartureDate.IsZero() || !in.ETA.After(in.DepartureDate) {
		return "", invalid("eta must be after departure date")
	}

	return s.w.Submit(ctx, func(ctx context.Context, tx *sqlx.Tx, _ string) (Draft, error) {
		shipmentID := util.NewShipmentID()
		rows := make([]model.Consignment, 0, len(in.BatchIDs))
		for _, b := range in.BatchIDs {
			rows = append(rows, model.Consignment{
				ShipmentID:          shipmentID,
				BatchID:             b,
				StoragePlantID:      userID,
				Carrier:             in.Carrier,
				Status:              in.Status,
				DepartureDate:       in.DepartureDate.UTC(),
				ExpectedArrivalDate: in.ETA.UTC(),
			})
		}
		if err := s.stores.Consignments.InsertMany(ctx, tx, rows); err != nil {
			return Draft{}, fmt.Errorf("insert consignments: %w", err)
		}
		return Draft{
			UserID: userID,
			Operation: model.CreateConsignment{
				ConsignmentID: shipmentID,
				BatchIDs:      in.BatchIDs,
				Carrier:       in.Carrier,
				DepartureDate: in.DepartureDate.UTC().Format(ledgerDate),
				ETA:           in.ETA.UTC().Format(ledgerDate),
			},
		}, nil
	})
}

type UpdateConsignmentInput struct {
	Temperature string            `json:"temperature"`
	Humidity    string            `json:"humidity"`
	Status      model.TrackStatus `json:"status"`
}

// UpdateConsignment moves a shipment to a new track status and records the
// environment reading that came with it.
func (s *Service) UpdateConsignment(ctx context.Context, userID int64, shipmentID string, in UpdateConsignmentInput) (string, error) {
	if !in.Status.Valid() {
		return "", invalid("track status %q", in.Status)
	}

	return s.w.Submit(ctx, func(ctx context.Context, tx *sqlx.Tx, requestID string) (Draft, error) {
		n, err := s.stores.Consignments.UpdateStatus(ctx, tx, shipmentID, in.Status)
		if err != nil {
			return Draft{}, fmt.Errorf("update consignment: %w", err)
		}
		if n == 0 {
			return Draft{}, repository.ErrNotFound
		}
		err = s.stores.Consignments.InsertReading(ctx, tx, model.EnvironmentReading{
			RequestID:   requestID,
			ShipmentID:  shipmentID,
			Track:       in.Status,
			Temperature: in.Temperature,
			Humidity:    in.Humidity,
		})
		if err != nil {
			return Draft{}, fmt.Errorf("insert reading: %w", err)
		}
		return Draft{
			UserID: userID,
			Operation: model.UpdateConsignment{
				ConsignmentID: shipmentID,
				Temperature:   in.Temperature,
				Humidity:      in.Humidity,
				Status:        in.Status,
			},
		}, nil
	})
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{model.ErrInvalidArgument}, args...)...)
}
