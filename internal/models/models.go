package models

import (
	"fmt"
	"time"
)

// Coord is a WGS84 point. Lat is in [-90, 90], Lng in [-180, 180].
type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Capability is a waste category a collector is equipped to handle.
type Capability string

const (
	CapHousehold    Capability = "household"
	CapRecycling    Capability = "recycling"
	CapOrganic      Capability = "organic"
	CapElectronic   Capability = "electronic"
	CapConstruction Capability = "construction"
	CapHazardous    Capability = "hazardous"
)

var capabilities = map[Capability]bool{
	CapHousehold:    true,
	CapRecycling:    true,
	CapOrganic:      true,
	CapElectronic:   true,
	CapConstruction: true,
	CapHazardous:    true,
}

// ParseCapability validates a wire value against the known waste categories.
func ParseCapability(s string) (Capability, error) {
	c := Capability(s)
	if !capabilities[c] {
		return "", fmt.Errorf("unknown waste category %q", s)
	}
	return c, nil
}

func (c Capability) String() string { return string(c) }

// JobStatus is the lifecycle state of a pickup job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobAssigned   JobStatus = "assigned"
	JobAccepted   JobStatus = "accepted"
	JobInProgress JobStatus = "in_progress"
	JobArrived    JobStatus = "arrived"
	JobCompleted  JobStatus = "completed"
	JobCancelled  JobStatus = "cancelled"
)

var jobStatuses = map[JobStatus]bool{
	JobPending:    true,
	JobAssigned:   true,
	JobAccepted:   true,
	JobInProgress: true,
	JobArrived:    true,
	JobCompleted:  true,
	JobCancelled:  true,
}

func ParseJobStatus(s string) (JobStatus, error) {
	st := JobStatus(s)
	if !jobStatuses[st] {
		return "", fmt.Errorf("unknown job status %q", s)
	}
	return st, nil
}

func (s JobStatus) String() string { return string(s) }

// Terminal reports whether no further transitions are allowed from s.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobCancelled
}

// Assigned reports whether s is a state in which a collector holds the job.
func (s JobStatus) Assigned() bool {
	switch s {
	case JobAssigned, JobAccepted, JobInProgress, JobArrived:
		return true
	}
	return false
}

// PaymentStatus tracks the customer payment on a job. Dispatch requires
// PaymentPaid; the payment lifecycle itself is owned by the gateway.
type PaymentStatus string

const (
	PaymentUnpaid     PaymentStatus = "unpaid"
	PaymentProcessing PaymentStatus = "processing"
	PaymentPaid       PaymentStatus = "paid"
	PaymentRefunded   PaymentStatus = "refunded"
)

var paymentStatuses = map[PaymentStatus]bool{
	PaymentUnpaid:     true,
	PaymentProcessing: true,
	PaymentPaid:       true,
	PaymentRefunded:   true,
}

func ParsePaymentStatus(s string) (PaymentStatus, error) {
	ps := PaymentStatus(s)
	if !paymentStatuses[ps] {
		return "", fmt.Errorf("unknown payment status %q", s)
	}
	return ps, nil
}

// Job is one waste pickup order. CollectorID is nil exactly while the job
// is unassigned (pending, or terminal without ever being assigned).
type Job struct {
	ID            string        `json:"id"`
	CustomerID    string        `json:"customer_id"`
	Capability    Capability    `json:"capability"`
	Pickup        Coord         `json:"pickup"`
	Address       string        `json:"address,omitempty"`
	Price         float64       `json:"price"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	PaymentRef    string        `json:"payment_ref,omitempty"`
	Status        JobStatus     `json:"status"`
	CollectorID   *string       `json:"collector_id,omitempty"`
	EtaMinutes    int           `json:"eta_minutes,omitempty"`
	CancelReason  string        `json:"cancel_reason,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	AssignedAt    *time.Time    `json:"assigned_at,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
}

// Presence is the live availability record for one collector.
type Presence struct {
	CollectorID  string       `json:"collector_id"`
	Online       bool         `json:"online"`
	Location     *Coord       `json:"location,omitempty"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	JobID        *string      `json:"job_id,omitempty"` // set while busy
	LastSeen     time.Time    `json:"last_seen"`
}

// Handles reports whether the collector declared the given category.
func (p Presence) Handles(c Capability) bool {
	for _, pc := range p.Capabilities {
		if pc == c {
			return true
		}
	}
	return false
}

// Match is the outcome of a nearest-collector search.
type Match struct {
	CollectorID string  `json:"collector_id"`
	DistanceKm  float64 `json:"distance_km"`
	EtaMinutes  int     `json:"eta_minutes"`
}

// PresenceReport is the wire form of a collector heartbeat as published to
// the ingest topic and consumed by presenced.
type PresenceReport struct {
	CollectorID  string       `json:"collector_id"`
	Online       bool         `json:"online"`
	Location     *Coord       `json:"location,omitempty"`
	Capabilities []Capability `json:"capabilities,omitempty"`
	ReportedAt   time.Time    `json:"reported_at"`
}
