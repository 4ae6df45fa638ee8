package gate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/ekko-capture/internal/capture"
	"github.com/example/ekko-capture/internal/extract"
	"github.com/example/ekko-capture/internal/logging"
	"github.com/example/ekko-capture/internal/lookup"
	"github.com/example/ekko-capture/internal/session"
)

// DefaultCountry is the registration country plates are decoded against.
const DefaultCountry = "FR"

// Store is the part of the session store the gate needs: it reads to detect
// repeated commits and is the only component that writes.
type Store interface {
	session.Reader
	session.Writer
}

// Option configures a Gate.
type Option func(*Gate)

// WithCountry overrides the plate lookup country.
func WithCountry(country string) Option {
	return func(g *Gate) {
		if country != "" {
			g.country = strings.ToUpper(country)
		}
	}
}

// WithClock overrides the time source for verification timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// Gate commits accepted fields into the user's session context.
type Gate struct {
	store   Store
	decoder lookup.PlateDecoder
	country string
	now     func() time.Time
	logger  *zap.Logger

	locks sync.Map // userID -> *sync.Mutex
}

// New builds a Gate. decoder may be nil when only document numbers are committed.
func New(store Store, decoder lookup.PlateDecoder, logger *zap.Logger, opts ...Option) *Gate {
	g := &Gate{
		store:   store,
		decoder: decoder,
		country: DefaultCountry,
		now:     time.Now,
		logger:  logger.Named("confirmation_gate"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Commit validates field and writes it into the user's context. Committing a field
// the context already holds is a no-op.
func (g *Gate) Commit(ctx context.Context, userID string, field *capture.ExtractedField) error {
	if field == nil {
		return fmt.Errorf("commit: %w", capture.ErrNoFieldFound)
	}
	if err := extract.Validate(field.Grammar, field.Value); err != nil {
		return err
	}

	mu := g.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	if g.alreadyCommitted(userID, field) {
		g.logger.Debug("field already committed", zap.String("user_id", userID), zap.String("grammar", string(field.Grammar)))
		return nil
	}

	switch field.Grammar {
	case capture.GrammarPlateFR:
		return g.commitPlate(ctx, userID, field.Value)
	case capture.GrammarDocumentNumber:
		g.store.SetDriverVerification(userID, session.DriverVerification{
			Status:         session.VerificationVerified,
			DocumentNumber: field.Value,
			VerifiedAt:     g.now().UTC(),
		})
		g.logger.Info("driver document verified", zap.String("user_id", userID), zap.String("source", string(field.Source)))
		return nil
	default:
		return fmt.Errorf("commit: unsupported grammar %q", field.Grammar)
	}
}

func (g *Gate) commitPlate(ctx context.Context, userID, plate string) error {
	if g.decoder == nil {
		return logging.NewOperationError("gate.commit_plate", "", fmt.Errorf("no plate decoder configured"))
	}
	v, err := g.decoder.Decode(ctx, plate, g.country)
	if err != nil {
		return logging.NewOperationError("gate.commit_plate", "", err)
	}
	if v == nil {
		g.logger.Info("no vehicle information found", zap.String("user_id", userID), zap.String("plate", plate))
		return capture.ErrVehicleNotFound
	}
	g.store.SetVehicle(userID, session.Vehicle{
		Plate:    plate,
		ID:       v.ID,
		VIN:      v.VIN,
		Make:     v.Make,
		Model:    v.Model,
		FuelType: v.FuelType,
		ImageURL: lookup.PNGImageURL(v.ImageURL),
		Year:     yearOrNA(v.Year),
	})
	g.logger.Info("vehicle identified", zap.String("user_id", userID), zap.String("make", v.Make), zap.String("model", v.Model))
	return nil
}

func (g *Gate) alreadyCommitted(userID string, field *capture.ExtractedField) bool {
	snap := g.store.Snapshot(userID)
	switch field.Grammar {
	case capture.GrammarPlateFR:
		return snap.Vehicle != nil && snap.Vehicle.Plate == field.Value
	case capture.GrammarDocumentNumber:
		return snap.DriverVerification != nil &&
			snap.DriverVerification.Status == session.VerificationVerified &&
			snap.DriverVerification.DocumentNumber == field.Value
	}
	return false
}

func (g *Gate) userLock(userID string) *sync.Mutex {
	mu, _ := g.locks.LoadOrStore(userID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func yearOrNA(year string) string {
	if strings.TrimSpace(year) == "" {
		return "N/A"
	}
	return year
}
