package reconciler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/BearBump/ShipBox/internal/broker/messages"
	"github.com/BearBump/ShipBox/internal/cache/rediscache"
	"github.com/BearBump/ShipBox/internal/integrations/carrier"
	"github.com/BearBump/ShipBox/internal/models"
)

type Repository interface {
	ClaimDueShipments(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Shipment, error)
	GetNote(ctx context.Context, noteID uuid.UUID) (*models.Note, error)
}

type Producer interface {
	PublishShipmentUpdated(ctx context.Context, topic string, msg messages.ShipmentUpdated) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// Reconciler is the worker loop: claim due shipments, talk to the carrier,
// publish the outcome. It never writes shipment rows itself; all state
// transitions go through kafka and the ship-api consumer so there is a single
// writer path.
type Reconciler struct {
	repo     Repository
	carriers *carrier.Registry
	producer Producer
	rl       RateLimiter

	topic string

	planner *Planner

	pollInterval       time.Duration
	batchSize          int
	concurrency        int
	lease              time.Duration
	rateLimitPerMinute int64
	carrierRateLimits  map[string]int64
	pendingMaxAttempts int32
	publishAttempts    int

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalClaimed        atomic.Int64
	totalProcessed      atomic.Int64
	totalErrors         atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, carriers *carrier.Registry, producer Producer, rl RateLimiter, topic string) *Reconciler {
	return &Reconciler{
		repo: repo, carriers: carriers, producer: producer, rl: rl, topic: topic,
		planner:            NewPlanner(DefaultPlannerConfig(), nil),
		pollInterval:       2 * time.Second,
		batchSize:          100,
		concurrency:        10,
		lease:              120 * time.Second,
		rateLimitPerMinute: 120,
		carrierRateLimits:  map[string]int64{},
		pendingMaxAttempts: 5,
		publishAttempts:    10,
		triggerCh:          make(chan struct{}, 1),
		startedAtUnixNano:  time.Now().UTC().UnixNano(),
	}
}

func (r *Reconciler) WithSettings(pollInterval time.Duration, batchSize, concurrency int, lease time.Duration, rlPerMin int64) *Reconciler {
	if pollInterval > 0 {
		r.pollInterval = pollInterval
	}
	if batchSize > 0 {
		r.batchSize = batchSize
	}
	if concurrency > 0 {
		r.concurrency = concurrency
	}
	if lease > 0 {
		r.lease = lease
	}
	if rlPerMin > 0 {
		r.rateLimitPerMinute = rlPerMin
	}
	return r
}

func (r *Reconciler) WithPlanner(cfg PlannerConfig) *Reconciler {
	r.planner = NewPlanner(cfg, nil)
	return r
}

// WithCarrierRateLimits overrides the per-minute budget for specific
// carriers; others keep the global limit.
func (r *Reconciler) WithCarrierRateLimits(limits map[string]int64) *Reconciler {
	for code, lim := range limits {
		if lim > 0 {
			r.carrierRateLimits[code] = lim
		}
	}
	return r
}

func (r *Reconciler) WithPendingMaxAttempts(n int32) *Reconciler {
	if n > 0 {
		r.pendingMaxAttempts = n
	}
	return r
}

// Trigger forces an immediate cycle (best-effort, non-blocking).
func (r *Reconciler) Trigger() {
	r.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case r.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt      time.Time  `json:"startedAt"`
	LastCycleAt    *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt  *time.Time `json:"lastTriggerAt,omitempty"`
	TotalClaimed   int64      `json:"totalClaimed"`
	TotalProcessed int64      `json:"totalProcessed"`
	TotalErrors    int64      `json:"totalErrors"`
	InFlight       int64      `json:"inFlight"`
	LastError      string     `json:"lastError,omitempty"`
}

func (r *Reconciler) Stats() Stats {
	st := Stats{
		StartedAt:      time.Unix(0, r.startedAtUnixNano).UTC(),
		TotalClaimed:   r.totalClaimed.Load(),
		TotalProcessed: r.totalProcessed.Load(),
		TotalErrors:    r.totalErrors.Load(),
		InFlight:       r.inFlight.Load(),
	}
	if n := r.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := r.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	r.lastErrorMu.Lock()
	st.LastError = r.lastError
	r.lastErrorMu.Unlock()
	return st
}

func (r *Reconciler) Run(ctx context.Context) error {
	t := time.NewTicker(r.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			r.runOnce(ctx)
		case <-r.triggerCh:
			r.runOnce(ctx)
		}
	}
}

func (r *Reconciler) runOnce(ctx context.Context) {
	now := time.Now().UTC()
	r.lastCycleUnixNano.Store(now.UnixNano())

	items, err := r.repo.ClaimDueShipments(ctx, now, r.batchSize, r.lease)
	if err != nil {
		slog.Error("claim due shipments", "error", err.Error())
		r.noteError(err)
		return
	}
	r.totalClaimed.Add(int64(len(items)))

	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup
	for _, sh := range items {
		sem <- struct{}{}
		wg.Add(1)
		shCopy := sh
		r.inFlight.Add(1)
		go func() {
			defer func() {
				r.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			if err := r.processOne(ctx, shCopy); err != nil {
				r.totalErrors.Add(1)
				r.noteError(err)
				slog.Error("process shipment", "shipment_id", shCopy.ID, "error", err.Error())
			}
			r.totalProcessed.Add(1)
		}()
	}
	wg.Wait()
}

func (r *Reconciler) noteError(err error) {
	r.lastErrorMu.Lock()
	r.lastError = err.Error()
	r.lastErrorMu.Unlock()
}

func (r *Reconciler) processOne(ctx context.Context, sh *models.Shipment) error {
	now := time.Now().UTC()

	if r.rl != nil && r.rateLimitPerMinute > 0 {
		limit := r.rateLimitPerMinute
		if l, ok := r.carrierRateLimits[sh.Carrier]; ok {
			limit = l
		}
		allowed, n, err := r.rl.Allow(ctx, rediscache.CarrierMinuteKey(sh.Carrier, now), limit, 70*time.Second)
		if err != nil {
			return err
		}
		if !allowed {
			// Бюджет на минуту исчерпан: немного тормозим, lease вернёт
			// запись в очередь, если не успеем.
			slog.Warn("carrier rate limit exceeded", "carrier", sh.Carrier, "count", n)
			time.Sleep(500 * time.Millisecond)
		}
	}

	client, err := r.carriers.Get(sh.Carrier)
	if err != nil {
		return err
	}

	var msg messages.ShipmentUpdated
	if sh.Status == models.ShipmentStatusPendingCreation {
		msg = r.recoverPending(ctx, client, sh, now)
	} else {
		msg = r.pollTracking(ctx, client, sh, now)
	}

	return r.publish(ctx, msg)
}

// recoverPending re-submits a stale pending_creation record under its
// original idempotency key. The carrier dedups on that key, so a record
// whose first attempt actually succeeded comes back with the identifiers of
// the already-existing shipment instead of a duplicate.
func (r *Reconciler) recoverPending(ctx context.Context, client carrier.Client, sh *models.Shipment, now time.Time) messages.ShipmentUpdated {
	msg := messages.ShipmentUpdated{ShipmentID: sh.ID, CheckedAt: now}

	note, err := r.repo.GetNote(ctx, sh.NoteID)
	if err != nil {
		return r.pendingFailure(msg, sh, now, err, false)
	}

	res, err := client.CreateShipment(ctx, carrier.CreateShipmentInput{
		IdempotencyKey: sh.ID.String(),
		Recipient:      recipientFromNote(note),
		Package:        carrier.Package{}.WithDefaults(),
	})
	if err != nil {
		// Постоянный отказ перевозчика не лечится повторами.
		return r.pendingFailure(msg, sh, now, err, !carrier.IsTransient(err))
	}

	if res.CarrierShipmentID != "" {
		msg.CarrierShipmentID = &res.CarrierShipmentID
	}
	if res.TrackingNumber != "" {
		msg.TrackingNumber = &res.TrackingNumber
	}
	if res.LabelData != "" {
		msg.LabelData = &res.LabelData
	}
	if res.LabelImageURL != "" {
		msg.LabelImageURL = &res.LabelImageURL
	}
	msg.NextCheckAt = now.Add(r.planner.NextCheckDelay(carrier.TrackingCreated))
	return msg
}

func (r *Reconciler) pendingFailure(msg messages.ShipmentUpdated, sh *models.Shipment, now time.Time, err error, permanent bool) messages.ShipmentUpdated {
	e := err.Error()
	msg.Error = &e
	nextFail := sh.CheckFailCount + 1
	msg.CheckFailCount = &nextFail
	msg.NextCheckAt = now.Add(r.planner.BackoffDelay(nextFail))
	if permanent || nextFail >= r.pendingMaxAttempts {
		msg.CreationExhausted = true
	}
	return msg
}

func (r *Reconciler) pollTracking(ctx context.Context, client carrier.Client, sh *models.Shipment, now time.Time) messages.ShipmentUpdated {
	msg := messages.ShipmentUpdated{ShipmentID: sh.ID, CheckedAt: now}

	if sh.TrackingNumber == nil || *sh.TrackingNumber == "" {
		// created without a tracking number should not happen; park it on the
		// unknown schedule instead of erroring every cycle
		msg.Status = carrier.TrackingUnknown
		msg.NextCheckAt = now.Add(r.planner.NextCheckDelay(carrier.TrackingUnknown))
		return msg
	}

	ts, err := client.GetTrackingStatus(ctx, *sh.TrackingNumber)
	if err != nil {
		e := err.Error()
		msg.Error = &e
		nextFail := sh.CheckFailCount + 1
		msg.CheckFailCount = &nextFail
		msg.NextCheckAt = now.Add(r.planner.BackoffDelay(nextFail))
		return msg
	}

	msg.Status = ts.Status
	msg.LastKnownEvent = ts.LastKnownEvent
	msg.NextCheckAt = now.Add(r.planner.NextCheckDelay(ts.Status))
	return msg
}

func (r *Reconciler) publish(ctx context.Context, msg messages.ShipmentUpdated) error {
	// Kafka может быть не готова сразу после старта docker compose.
	// Для устойчивости делаем небольшой retry.
	var pubErr error
	for i := 0; i < r.publishAttempts; i++ {
		if err := r.producer.PublishShipmentUpdated(ctx, r.topic, msg); err == nil {
			return nil
		} else {
			pubErr = err
			time.Sleep(time.Duration(150*(i+1)) * time.Millisecond)
		}
	}
	return pubErr
}

func recipientFromNote(n *models.Note) carrier.Recipient {
	r := carrier.Recipient{}
	if n.RecipientName != nil {
		r.Name = *n.RecipientName
	}
	if n.RecipientAddressLine1 != nil {
		r.AddressLine1 = *n.RecipientAddressLine1
	}
	if n.RecipientAddressLine2 != nil {
		r.AddressLine2 = *n.RecipientAddressLine2
	}
	if n.RecipientCity != nil {
		r.City = *n.RecipientCity
	}
	if n.RecipientPostalCode != nil {
		r.PostalCode = *n.RecipientPostalCode
	}
	if n.RecipientCountry != nil {
		r.Country = *n.RecipientCountry
	}
	return r
}
