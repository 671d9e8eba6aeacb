package model

import "strings"

// Role is a supply chain participant. Ledger codes follow the contract's enum order.
type Role string

const (
	RoleFarmer          Role = "FARMER"
	RoleProcessingPlant Role = "PROCESSING_PLANT"
	RoleShipmentCompany Role = "SHIPMENT_COMPANY"
	RoleRetailer        Role = "RETAILER"
	RoleConsumer        Role = "CONSUMER"
)

var roleCodes = []Role{RoleFarmer, RoleProcessingPlant, RoleShipmentCompany, RoleRetailer, RoleConsumer}

func (r Role) String() string { return string(r) }

func (r Role) Valid() bool {
	_, ok := indexOf(roleCodes, r)
	return ok
}

// Code returns the ledger-native value of the role.
func (r Role) Code() uint8 {
	i, _ := indexOf(roleCodes, r)
	return uint8(i)
}

func RoleFromCode(c uint8) (Role, bool) { return fromCode(roleCodes, c) }

// ParseRole normalizes input; returns (value, true) if valid.
func ParseRole(s string) (Role, bool) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	return r, r.Valid()
}

// ProcessingStatus is a processing stage recorded against a harvest.
type ProcessingStatus string

const (
	ProcessingWithering  ProcessingStatus = "WITHERING"
	ProcessingRolling    ProcessingStatus = "ROLLING"
	ProcessingFermenting ProcessingStatus = "FERMENTING"
	ProcessingDrying     ProcessingStatus = "DRYING"
	ProcessingSorting    ProcessingStatus = "SORTING"
	ProcessingPacked     ProcessingStatus = "PACKED"
)

var processingCodes = []ProcessingStatus{
	ProcessingWithering, ProcessingRolling, ProcessingFermenting,
	ProcessingDrying, ProcessingSorting, ProcessingPacked,
}

func (p ProcessingStatus) String() string { return string(p) }

func (p ProcessingStatus) Valid() bool {
	_, ok := indexOf(processingCodes, p)
	return ok
}

func (p ProcessingStatus) Code() uint8 {
	i, _ := indexOf(processingCodes, p)
	return uint8(i)
}

func ProcessingStatusFromCode(c uint8) (ProcessingStatus, bool) { return fromCode(processingCodes, c) }

func ParseProcessingStatus(s string) (ProcessingStatus, bool) {
	p := ProcessingStatus(strings.ToUpper(strings.TrimSpace(s)))
	return p, p.Valid()
}

// TrackStatus is where a consignment currently is.
type TrackStatus string

const (
	TrackTransit   TrackStatus = "TRANSIT"
	TrackWarehouse TrackStatus = "WAREHOUSE"
	TrackRetailer  TrackStatus = "RETAILER"
)

var trackCodes = []TrackStatus{TrackTransit, TrackWarehouse, TrackRetailer}

func (t TrackStatus) String() string { return string(t) }

func (t TrackStatus) Valid() bool {
	_, ok := indexOf(trackCodes, t)
	return ok
}

func (t TrackStatus) Code() uint8 {
	i, _ := indexOf(trackCodes, t)
	return uint8(i)
}

func TrackStatusFromCode(c uint8) (TrackStatus, bool) { return fromCode(trackCodes, c) }

func ParseTrackStatus(s string) (TrackStatus, bool) {
	t := TrackStatus(strings.ToUpper(strings.TrimSpace(s)))
	return t, t.Valid()
}

type Carrier string

const (
	CarrierRoad Carrier = "ROAD"
	CarrierRail Carrier = "RAIL"
	CarrierAir  Carrier = "AIR"
)

func (c Carrier) String() string { return string(c) }

func (c Carrier) Valid() bool {
	return c == CarrierRoad || c == CarrierRail || c == CarrierAir
}

func ParseCarrier(s string) (Carrier, bool) {
	c := Carrier(strings.ToUpper(strings.TrimSpace(s)))
	return c, c.Valid()
}

func indexOf[T comparable](list []T, v T) (int, bool) {
	for i, x := range list {
		if x == v {
			return i, true
		}
	}
	return 0, false
}

func fromCode[T any](list []T, c uint8) (T, bool) {
	if int(c) >= len(list) {
		var zero T
		return zero, false
	}
	return list[c], true
}
