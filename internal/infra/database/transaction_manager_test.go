package database

import (
	"github.com/aleksmv/tradehall/internal/settlement"
	"github.com/aleksmv/tradehall/internal/sweeper"
	"github.com/aleksmv/tradehall/pkg/events"
)

// The settlement, sweeper, and relay packages each declare the
// transaction manager interface they consume; the pgx implementation
// must satisfy all of them without this package appearing in their
// import graphs.
var (
	_ settlement.TransactionManager = (*PostgresTransactionManager)(nil)
	_ sweeper.TransactionManager    = (*PostgresTransactionManager)(nil)
	_ events.TransactionManager     = (*PostgresTransactionManager)(nil)
)

var (
	_ settlement.ListingRepository = (*PostgresListingRepository)(nil)
	_ settlement.BidRepository     = (*PostgresBidRepository)(nil)
	_ settlement.LedgerPort        = (*PostgresLedgerRepository)(nil)
	_ settlement.CustodyPort       = (*PostgresCustodyRepository)(nil)
	_ settlement.OutboxRepository  = (*PostgresOutboxRepository)(nil)
	_ events.OutboxRepository      = (*PostgresOutboxRepository)(nil)
	_ sweeper.ExpiredLister        = (*PostgresListingRepository)(nil)
)
