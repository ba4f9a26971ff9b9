package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/aleksmv/tradehall/internal/listing"
	"github.com/aleksmv/tradehall/pkg/events"
)

// Validation and settlement errors
var (
	ErrInvalidDuration   = fmt.Errorf("listing duration must be positive")
	ErrInvalidStartPrice = fmt.Errorf("start price must be greater than 0")
	ErrInvalidKind       = fmt.Errorf("unknown listing kind")
	ErrListingNotFound   = fmt.Errorf("listing not found")
	ErrListingNotActive  = fmt.Errorf("listing is not accepting bids")
	ErrBidTooLow         = fmt.Errorf("bid amount must be higher than current price")
	ErrSelfBid           = fmt.Errorf("seller cannot bid on their own listing")
	ErrInvalidSubject    = fmt.Errorf("subject is not owned by seller")
	ErrAlreadyEscrowed   = fmt.Errorf("subject is already held in escrow")
	ErrNotYetExpired     = fmt.Errorf("listing has not expired yet")
	ErrInsufficientFunds = fmt.Errorf("winner has insufficient funds")
	ErrBusy              = fmt.Errorf("listing is busy, try again")
)

// Lock contention is expected and transient: retry a couple of times
// with a short backoff before surfacing ErrBusy.
const (
	lockAttempts = 3
	lockBackoff  = 50 * time.Millisecond
)

// clampDuration converts a requested duration into the effective one.
// Durations above the maximum window are clamped, non-positive ones
// are rejected.
func clampDuration(d time.Duration) (time.Duration, error) {
	if d <= 0 {
		return 0, ErrInvalidDuration
	}
	if d > listing.MaxDuration {
		return listing.MaxDuration, nil
	}
	return d, nil
}

// validateBidAmount checks if the bid amount beats the current price.
// Ties are rejected.
func validateBidAmount(bidAmount, currentPrice int64) error {
	if bidAmount <= currentPrice {
		return ErrBidTooLow
	}
	return nil
}

// isLockTimeout reports whether err is a Postgres lock_not_available
// error raised by the transaction's lock_timeout.
func isLockTimeout(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "55P03"
}

// Engine is the settlement state machine: it opens listings into
// escrow, accepts bids under a per-listing row lock, and resolves
// expired listings into atomic fund/custody transfers.
type Engine struct {
	txManager   TransactionManager
	listings    ListingRepository
	bids        BidRepository
	ledger      LedgerPort
	custody     CustodyPort
	outbox      OutboxRepository
	invalidator Invalidator
}

// NewEngine creates a new settlement engine.
func NewEngine(
	txManager TransactionManager,
	listings ListingRepository,
	bids BidRepository,
	ledger LedgerPort,
	custody CustodyPort,
	outbox OutboxRepository,
	invalidator Invalidator,
) *Engine {
	return &Engine{
		txManager:   txManager,
		listings:    listings,
		bids:        bids,
		ledger:      ledger,
		custody:     custody,
		outbox:      outbox,
		invalidator: invalidator,
	}
}

// Open moves the subject into escrow and creates an active listing in
// one transaction. The close time is fixed here and never extended.
func (e *Engine) Open(ctx context.Context, cmd OpenCommand) (*listing.Listing, error) {
	if !cmd.Kind.IsValid() {
		return nil, ErrInvalidKind
	}
	if cmd.StartPrice <= 0 {
		return nil, ErrInvalidStartPrice
	}
	duration, err := clampDuration(cmd.Duration)
	if err != nil {
		return nil, err
	}

	tx, err := e.txManager.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if holdErr := e.custody.Hold(ctx, tx, cmd.SubjectID, cmd.SellerID); holdErr != nil {
		return nil, holdErr
	}

	now := time.Now()
	lst := &listing.Listing{
		ID:           uuid.New(),
		Kind:         cmd.Kind,
		SellerID:     cmd.SellerID,
		SubjectID:    cmd.SubjectID,
		StartPrice:   cmd.StartPrice,
		CurrentPrice: cmd.StartPrice,
		Currency:     listing.DefaultCurrency,
		Status:       listing.StatusActive,
		CreatedAt:    now,
		CloseAt:      now.Add(duration),
	}

	if createErr := e.listings.CreateListing(ctx, tx, lst); createErr != nil {
		return nil, fmt.Errorf("failed to create listing: %w", createErr)
	}

	if outboxErr := e.saveEvent(ctx, tx, EventTypeListingOpened, ListingOpenedEvent{
		ListingID:  lst.ID,
		SellerID:   lst.SellerID,
		Kind:       lst.Kind,
		SubjectID:  lst.SubjectID,
		StartPrice: lst.StartPrice,
		CloseAt:    lst.CloseAt,
		OpenedAt:   lst.CreatedAt,
	}); outboxErr != nil {
		return nil, outboxErr
	}

	if commitErr := tx.Commit(ctx); commitErr != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", commitErr)
	}

	e.invalidator.Invalidate(ctx, ActiveViewCacheKey)

	return lst, nil
}

// PlaceBid accepts a bid under the listing's exclusive row lock. Two
// bidders racing on the same listing are serialized by the lock; lock
// timeouts are retried with a bounded backoff before ErrBusy.
func (e *Engine) PlaceBid(ctx context.Context, cmd PlaceBidCommand) (*Bid, error) {
	for attempt := 1; ; attempt++ {
		bid, err := e.placeBidOnce(ctx, cmd)
		if err == nil || !isLockTimeout(err) {
			return bid, err
		}
		if attempt >= lockAttempts {
			return nil, ErrBusy
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * lockBackoff):
		}
	}
}

func (e *Engine) placeBidOnce(ctx context.Context, cmd PlaceBidCommand) (*Bid, error) {
	tx, err := e.txManager.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	lst, err := e.listings.GetListingByIDForUpdate(ctx, tx, cmd.ListingID)
	if err != nil {
		return nil, err
	}

	if lst.SellerID == cmd.BidderID {
		return nil, ErrSelfBid
	}
	if !lst.AcceptsBids(time.Now()) {
		return nil, ErrListingNotActive
	}
	if valErr := validateBidAmount(cmd.Amount, lst.CurrentPrice); valErr != nil {
		return nil, valErr
	}

	bid := &Bid{
		ID:        uuid.New(),
		ListingID: cmd.ListingID,
		BidderID:  cmd.BidderID,
		Amount:    cmd.Amount,
		PlacedAt:  time.Now(),
	}

	if saveErr := e.bids.SaveBid(ctx, tx, bid); saveErr != nil {
		return nil, fmt.Errorf("failed to save bid: %w", saveErr)
	}

	if updateErr := e.listings.UpdateCurrentPrice(ctx, tx, cmd.ListingID, cmd.Amount); updateErr != nil {
		return nil, fmt.Errorf("failed to update current price: %w", updateErr)
	}

	if outboxErr := e.saveEvent(ctx, tx, EventTypeBidAccepted, BidAcceptedEvent{
		BidID:     bid.ID,
		ListingID: bid.ListingID,
		BidderID:  bid.BidderID,
		Amount:    bid.Amount,
		PlacedAt:  bid.PlacedAt,
	}); outboxErr != nil {
		return nil, outboxErr
	}

	if commitErr := tx.Commit(ctx); commitErr != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", commitErr)
	}

	e.invalidator.Invalidate(ctx, ListingCacheKey(cmd.ListingID), ActiveViewCacheKey)

	return bid, nil
}

// Close settles an expired listing: funds and custody move in one
// transaction and the status flips to a terminal state. Idempotent; a
// listing that is already terminal returns its recorded result without
// side effects.
func (e *Engine) Close(ctx context.Context, listingID uuid.UUID) (*SettlementResult, error) {
	for attempt := 1; ; attempt++ {
		result, err := e.closeOnce(ctx, listingID)
		if err == nil || !isLockTimeout(err) {
			return result, err
		}
		if attempt >= lockAttempts {
			return nil, ErrBusy
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * lockBackoff):
		}
	}
}

func (e *Engine) closeOnce(ctx context.Context, listingID uuid.UUID) (*SettlementResult, error) {
	tx, err := e.txManager.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	lst, err := e.listings.GetListingByIDForUpdate(ctx, tx, listingID)
	if err != nil {
		return nil, err
	}

	// The loser of a close race observes the terminal status here and
	// returns the recorded result.
	if lst.Status.IsTerminal() {
		return resultFromListing(lst), nil
	}

	now := time.Now()
	if now.Before(lst.CloseAt) {
		return nil, ErrNotYetExpired
	}

	top, err := e.bids.GetHighestBid(ctx, tx, listingID)
	if err != nil {
		return nil, fmt.Errorf("failed to load winning bid: %w", err)
	}

	if top == nil {
		result, cancelErr := e.cancelListing(ctx, tx, lst, now, NoteNoBids)
		if cancelErr != nil {
			return nil, cancelErr
		}
		if commitErr := tx.Commit(ctx); commitErr != nil {
			return nil, fmt.Errorf("failed to commit transaction: %w", commitErr)
		}
		e.invalidator.Invalidate(ctx, ListingCacheKey(listingID), ActiveViewCacheKey)
		return result, nil
	}

	debitErr := e.ledger.Debit(ctx, tx, top.BidderID, top.Amount)
	if errors.Is(debitErr, ErrInsufficientFunds) {
		// Degrade to cancelled-with-forfeited-bid: the subject goes
		// back to the seller and the failure is recorded for
		// administrative follow-up.
		result, cancelErr := e.cancelListing(ctx, tx, lst, now, NoteInsufficientFunds)
		if cancelErr != nil {
			return nil, cancelErr
		}
		if outboxErr := e.saveEvent(ctx, tx, EventTypeSettlementFailed, SettlementFailedEvent{
			ListingID: lst.ID,
			BidderID:  top.BidderID,
			Amount:    top.Amount,
			Reason:    NoteInsufficientFunds,
			FailedAt:  now,
		}); outboxErr != nil {
			return nil, outboxErr
		}
		if commitErr := tx.Commit(ctx); commitErr != nil {
			return nil, fmt.Errorf("failed to commit transaction: %w", commitErr)
		}
		e.invalidator.Invalidate(ctx, ListingCacheKey(listingID), ActiveViewCacheKey)
		return result, ErrInsufficientFunds
	}
	if debitErr != nil {
		return nil, fmt.Errorf("failed to debit winner: %w", debitErr)
	}

	if creditErr := e.ledger.Credit(ctx, tx, lst.SellerID, top.Amount); creditErr != nil {
		return nil, fmt.Errorf("failed to credit seller: %w", creditErr)
	}

	if releaseErr := e.custody.Release(ctx, tx, lst.SubjectID, top.BidderID); releaseErr != nil {
		return nil, fmt.Errorf("failed to release subject to winner: %w", releaseErr)
	}

	winnerID := top.BidderID
	if settleErr := e.listings.MarkSettled(ctx, tx, lst.ID, listing.StatusClosed, now, &winnerID, ""); settleErr != nil {
		return nil, fmt.Errorf("failed to mark listing closed: %w", settleErr)
	}

	if outboxErr := e.saveEvent(ctx, tx, EventTypeListingSettled, ListingSettledEvent{
		ListingID: lst.ID,
		Status:    listing.StatusClosed,
		WinnerID:  &winnerID,
		SalePrice: top.Amount,
		ClosedAt:  now,
	}); outboxErr != nil {
		return nil, outboxErr
	}

	if commitErr := tx.Commit(ctx); commitErr != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", commitErr)
	}

	e.invalidator.Invalidate(ctx, ListingCacheKey(listingID), ActiveViewCacheKey)

	return &SettlementResult{
		ListingID: lst.ID,
		Status:    listing.StatusClosed,
		WinnerID:  &winnerID,
		SalePrice: top.Amount,
		ClosedAt:  now,
	}, nil
}

// cancelListing returns the subject to the seller and flips the
// listing to cancelled within the caller's transaction.
func (e *Engine) cancelListing(ctx context.Context, tx pgx.Tx, lst *listing.Listing, now time.Time, note string) (*SettlementResult, error) {
	if returnErr := e.custody.Return(ctx, tx, lst.SubjectID, lst.SellerID); returnErr != nil {
		return nil, fmt.Errorf("failed to return subject to seller: %w", returnErr)
	}
	if settleErr := e.listings.MarkSettled(ctx, tx, lst.ID, listing.StatusCancelled, now, nil, note); settleErr != nil {
		return nil, fmt.Errorf("failed to mark listing cancelled: %w", settleErr)
	}
	if outboxErr := e.saveEvent(ctx, tx, EventTypeListingSettled, ListingSettledEvent{
		ListingID: lst.ID,
		Status:    listing.StatusCancelled,
		ClosedAt:  now,
		Note:      note,
	}); outboxErr != nil {
		return nil, outboxErr
	}
	return &SettlementResult{
		ListingID: lst.ID,
		Status:    listing.StatusCancelled,
		ClosedAt:  now,
		Note:      note,
	}, nil
}

// GetListing returns the read-side view of a listing. Read-only, no
// locking, tolerant of slight staleness.
func (e *Engine) GetListing(ctx context.Context, listingID uuid.UUID) (*listing.View, error) {
	return e.listings.GetView(ctx, listingID)
}

// ListActive returns active listing views with pagination.
func (e *Engine) ListActive(ctx context.Context, limit, offset int) ([]*listing.View, error) {
	return e.listings.ListActiveViews(ctx, limit, offset)
}

// GetBidHistory returns the bid history for a listing, most recent
// first.
func (e *Engine) GetBidHistory(ctx context.Context, listingID uuid.UUID) ([]*Bid, error) {
	return e.bids.GetBidsByListingID(ctx, listingID)
}

func (e *Engine) saveEvent(ctx context.Context, tx pgx.Tx, eventType EventType, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}
	event := &events.OutboxEvent{
		ID:        uuid.New(),
		EventType: eventType.String(),
		Payload:   body,
		Status:    events.OutboxStatusPending,
		CreatedAt: time.Now(),
	}
	if saveErr := e.outbox.SaveEvent(ctx, tx, event); saveErr != nil {
		return fmt.Errorf("failed to save outbox event: %w", saveErr)
	}
	return nil
}

// resultFromListing rebuilds the settlement result recorded on a
// terminal listing row.
func resultFromListing(lst *listing.Listing) *SettlementResult {
	result := &SettlementResult{
		ListingID: lst.ID,
		Status:    lst.Status,
		WinnerID:  lst.WinnerID,
		Note:      lst.SettleNote,
	}
	if lst.ClosedAt != nil {
		result.ClosedAt = *lst.ClosedAt
	}
	if lst.Status == listing.StatusClosed {
		result.SalePrice = lst.CurrentPrice
	}
	return result
}
