package ledger

import (
	_ "embed"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/jmehdipour/teatrace/internal/model"
)

//go:embed supplychain.abi.json
var supplyChainABI string

var contractABI = mustParseABI(supplyChainABI)

func mustParseABI(s string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return a
}

// eventIDs returns the topic0 of every subscribed event.
func eventIDs() []common.Hash {
	ids := make([]common.Hash, 0, len(model.Events))
	for _, name := range model.Events {
		ids = append(ids, contractABI.Events[string(name)].ID)
	}
	return ids
}

// contractCall maps an operation onto its contract method and ledger-native arguments.
func contractCall(op model.Operation) (string, []any, error) {
	if err := op.Validate(); err != nil {
		return "", nil, err
	}
	switch o := op.(type) {
	case model.RegisterUser:
		if !common.IsHexAddress(o.AccountAddress) {
			return "", nil, model.ErrInvalidArgument
		}
		return "registerUser", []any{common.HexToAddress(o.AccountAddress), o.UserID, o.Role.Code()}, nil
	case model.RecordHarvest:
		return "recordHarvest", []any{o.HarvestID, o.HarvestDate, o.Quality, o.Quantity, o.Location}, nil
	case model.RecordProcessing:
		return "recordProcessing", []any{o.HarvestID, o.Status.Code()}, nil
	case model.CreateBatch:
		return "createBatch", []any{o.HarvestID, o.BatchID, o.Quantity, o.PacketIDs}, nil
	case model.CreateConsignment:
		return "createConsignment", []any{o.ConsignmentID, o.BatchIDs, string(o.Carrier), o.DepartureDate, o.ETA}, nil
	case model.UpdateConsignment:
		return "updateConsignment", []any{o.ConsignmentID, o.Temperature, o.Humidity, o.Status.Code()}, nil
	default:
		return "", nil, model.ErrUnknownMethod
	}
}
