package model

// PacketHistory is the audit trail of one packet, assembled from the event log.
// Sections are nil when the matching event has not been observed yet.
type PacketHistory struct {
	PacketID    string                     `json:"packet_id"`
	Harvest     *LeavesHarvested           `json:"harvest,omitempty"`
	Processing  []ProcessingDetailsUpdated `json:"processing,omitempty"`
	Batch       *BatchCreated              `json:"batch,omitempty"`
	Consignment *ConsignmentCreated        `json:"consignment,omitempty"`
	Updates     []ConsignmentUpdated       `json:"updates,omitempty"`
}
