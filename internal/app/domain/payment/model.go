// Package payment defines the domain model for premium-access payments.
package payment

import "time"

// Instrument selects which fungible asset a payment uses.
type Instrument string

const (
	NativeCoin    Instrument = "native"
	FungibleToken Instrument = "token"
)

// Status is the lifecycle state of a payment transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Transaction is a client-constructed transfer. The chain owns finality;
// the gateway only projects the observed outcome.
type Transaction struct {
	Instrument Instrument
	Amount     uint64
	Sender     string
	Receiver   string
	Signature  string
	Status     Status
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
