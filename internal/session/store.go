package session

import (
	"sync"
	"time"
)

// VerificationStatus is the state of a driver's document check.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
)

// Vehicle is the vehicle identified for the signed-in user.
type Vehicle struct {
	Plate    string `json:"plate"`
	ID       string `json:"id,omitempty"`
	VIN      string `json:"vin"`
	Make     string `json:"make"`
	Model    string `json:"model"`
	FuelType string `json:"fuel_type"`
	ImageURL string `json:"image_url"`
	Year     string `json:"year"`
}

// DriverVerification records a confirmed driving document.
type DriverVerification struct {
	Status         VerificationStatus `json:"status"`
	DocumentNumber string             `json:"document_number"`
	VerifiedAt     time.Time          `json:"verified_at"`
}

// Context is the application-wide state a user's confirmed captures write into.
type Context struct {
	Vehicle            *Vehicle            `json:"vehicle,omitempty"`
	DriverVerification *DriverVerification `json:"driver_verification,omitempty"`
}

// Reader is the read-only view handed to screens and handlers.
type Reader interface {
	Snapshot(userID string) Context
}

// Writer is handed to the confirmation gate only.
type Writer interface {
	SetVehicle(userID string, v Vehicle)
	SetDriverVerification(userID string, d DriverVerification)
}

// Store keeps one Context per user in memory.
//
// There is a single writer per user (the confirmation gate). Reads may happen
// concurrently from any goroutine; snapshots are copies. Last write wins.
type Store struct {
	mu    sync.RWMutex
	users map[string]*Context
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{users: make(map[string]*Context)}
}

// Snapshot returns a copy of the user's context. Unknown users get an empty one.
func (s *Store) Snapshot(userID string) Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ctx, ok := s.users[userID]
	if !ok {
		return Context{}
	}
	out := Context{}
	if ctx.Vehicle != nil {
		v := *ctx.Vehicle
		out.Vehicle = &v
	}
	if ctx.DriverVerification != nil {
		d := *ctx.DriverVerification
		out.DriverVerification = &d
	}
	return out
}

// SetVehicle implements Writer.
func (s *Store) SetVehicle(userID string, v Vehicle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(userID).Vehicle = &v
}

// SetDriverVerification implements Writer.
func (s *Store) SetDriverVerification(userID string, d DriverVerification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry(userID).DriverVerification = &d
}

// Clear forgets everything known about the user, e.g. on sign-out.
func (s *Store) Clear(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, userID)
}

func (s *Store) entry(userID string) *Context {
	ctx, ok := s.users[userID]
	if !ok {
		ctx = &Context{}
		s.users[userID] = ctx
	}
	return ctx
}
