package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/aleksmv/tradehall/internal/listing"
	"github.com/aleksmv/tradehall/internal/settlement"
	"github.com/aleksmv/tradehall/pkg/auth"
)

const testIssuer = "tradehall-identity"

type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) Open(ctx context.Context, cmd settlement.OpenCommand) (*listing.Listing, error) {
	args := m.Called(ctx, cmd)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*listing.Listing), args.Error(1)
}

func (m *MockEngine) PlaceBid(ctx context.Context, cmd settlement.PlaceBidCommand) (*settlement.Bid, error) {
	args := m.Called(ctx, cmd)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*settlement.Bid), args.Error(1)
}

func (m *MockEngine) Close(ctx context.Context, listingID uuid.UUID) (*settlement.SettlementResult, error) {
	args := m.Called(ctx, listingID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*settlement.SettlementResult), args.Error(1)
}

func (m *MockEngine) GetListing(ctx context.Context, listingID uuid.UUID) (*listing.View, error) {
	args := m.Called(ctx, listingID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*listing.View), args.Error(1)
}

func (m *MockEngine) ListActive(ctx context.Context, limit, offset int) ([]*listing.View, error) {
	args := m.Called(ctx, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*listing.View), args.Error(1)
}

func (m *MockEngine) GetBidHistory(ctx context.Context, listingID uuid.UUID) ([]*settlement.Bid, error) {
	args := m.Called(ctx, listingID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*settlement.Bid), args.Error(1)
}

// fakeViewCache is an in-memory ViewCache for read-through tests.
type fakeViewCache struct {
	views map[string]*listing.View
	lists map[string][]*listing.View
}

func newFakeViewCache() *fakeViewCache {
	return &fakeViewCache{
		views: make(map[string]*listing.View),
		lists: make(map[string][]*listing.View),
	}
}

func (c *fakeViewCache) Get(_ context.Context, key string) (*listing.View, error) {
	return c.views[key], nil
}

func (c *fakeViewCache) Set(_ context.Context, key string, view *listing.View) error {
	c.views[key] = view
	return nil
}

func (c *fakeViewCache) GetList(_ context.Context, key string) ([]*listing.View, error) {
	return c.lists[key], nil
}

func (c *fakeViewCache) SetList(_ context.Context, key string, views []*listing.View) error {
	c.lists[key] = views
	return nil
}

type routerFixture struct {
	engine  *MockEngine
	cache   *fakeViewCache
	router  http.Handler
	signKey *rsa.PrivateKey
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err, "Failed to generate signing key")

	engine := new(MockEngine)
	viewCache := newFakeViewCache()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := NewHandler(engine, viewCache, logger)
	router := NewRouter(h, auth.NewVerifierFromKey(&key.PublicKey, testIssuer))

	return &routerFixture{
		engine:  engine,
		cache:   viewCache,
		router:  router,
		signKey: key,
	}
}

func (f *routerFixture) token(t *testing.T, userID uuid.UUID, role string) string {
	t.Helper()

	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			Issuer:    testIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Role: role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(f.signKey)
	require.NoError(t, err, "Failed to sign token")
	return signed
}

func (f *routerFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Health(t *testing.T) {
	f := newRouterFixture(t)
	rec := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_OpenListing(t *testing.T) {
	f := newRouterFixture(t)
	sellerID := uuid.New()
	subjectID := uuid.New()

	t.Run("requires a token", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/v1/listings", "", map[string]any{})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("seller comes from the token, not the body", func(t *testing.T) {
		created := &listing.Listing{
			ID:           uuid.New(),
			Kind:         listing.KindItem,
			SellerID:     sellerID,
			SubjectID:    subjectID,
			StartPrice:   1000,
			CurrentPrice: 1000,
			Status:       listing.StatusActive,
		}
		f.engine.On("Open", mock.Anything, mock.MatchedBy(func(cmd settlement.OpenCommand) bool {
			return cmd.SellerID == sellerID &&
				cmd.SubjectID == subjectID &&
				cmd.Duration == 2*time.Hour
		})).Return(created, nil).Once()

		rec := f.do(t, http.MethodPost, "/v1/listings", f.token(t, sellerID, auth.RoleUser), map[string]any{
			"kind":             "item",
			"subject_id":       subjectID.String(),
			"start_price":      1000,
			"duration_seconds": 7200,
		})

		require.Equal(t, http.StatusCreated, rec.Code)
		f.engine.AssertExpectations(t)

		var got listing.Listing
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, created.ID, got.ID)
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/listings", bytes.NewReader([]byte("{not json")))
		req.Header.Set("Authorization", "Bearer "+f.token(t, sellerID, auth.RoleUser))
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestHandler_PlaceBid_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"listing not found", settlement.ErrListingNotFound, http.StatusNotFound},
		{"bid too low", settlement.ErrBidTooLow, http.StatusConflict},
		{"self bid", settlement.ErrSelfBid, http.StatusConflict},
		{"listing not active", settlement.ErrListingNotActive, http.StatusConflict},
		{"engine busy", settlement.ErrBusy, http.StatusServiceUnavailable},
		{"unexpected failure", errors.New("connection reset"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRouterFixture(t)
			bidderID := uuid.New()
			listingID := uuid.New()

			f.engine.On("PlaceBid", mock.Anything, mock.Anything).Return(nil, tt.err).Once()

			rec := f.do(t, http.MethodPost, "/v1/listings/"+listingID.String()+"/bids",
				f.token(t, bidderID, auth.RoleUser), map[string]any{"amount": 1500})

			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestHandler_PlaceBid(t *testing.T) {
	f := newRouterFixture(t)
	bidderID := uuid.New()
	listingID := uuid.New()

	bid := &settlement.Bid{
		ID:        uuid.New(),
		ListingID: listingID,
		BidderID:  bidderID,
		Amount:    1500,
		PlacedAt:  time.Now(),
	}
	f.engine.On("PlaceBid", mock.Anything, settlement.PlaceBidCommand{
		ListingID: listingID,
		BidderID:  bidderID,
		Amount:    1500,
	}).Return(bid, nil).Once()

	rec := f.do(t, http.MethodPost, "/v1/listings/"+listingID.String()+"/bids",
		f.token(t, bidderID, auth.RoleUser), map[string]any{"amount": 1500})

	require.Equal(t, http.StatusCreated, rec.Code)
	f.engine.AssertExpectations(t)
}

func TestHandler_CloseListing(t *testing.T) {
	listingID := uuid.New()
	winnerID := uuid.New()

	t.Run("requires admin role", func(t *testing.T) {
		f := newRouterFixture(t)
		rec := f.do(t, http.MethodPost, "/v1/listings/"+listingID.String()+"/close",
			f.token(t, uuid.New(), auth.RoleUser), nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		f.engine.AssertNotCalled(t, "Close")
	})

	t.Run("admin close", func(t *testing.T) {
		f := newRouterFixture(t)
		f.engine.On("Close", mock.Anything, listingID).Return(&settlement.SettlementResult{
			ListingID: listingID,
			Status:    listing.StatusClosed,
			WinnerID:  &winnerID,
			SalePrice: 1500,
			ClosedAt:  time.Now(),
		}, nil).Once()

		rec := f.do(t, http.MethodPost, "/v1/listings/"+listingID.String()+"/close",
			f.token(t, uuid.New(), auth.RoleAdmin), nil)

		require.Equal(t, http.StatusOK, rec.Code)

		var got settlementResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, listing.StatusClosed, got.Status)
		assert.Equal(t, int64(1500), got.SalePrice)
	})

	t.Run("insufficient funds still reports the terminal result", func(t *testing.T) {
		f := newRouterFixture(t)
		f.engine.On("Close", mock.Anything, listingID).Return(&settlement.SettlementResult{
			ListingID: listingID,
			Status:    listing.StatusCancelled,
			SalePrice: 0,
			ClosedAt:  time.Now(),
			Note:      settlement.NoteInsufficientFunds,
		}, settlement.ErrInsufficientFunds).Once()

		rec := f.do(t, http.MethodPost, "/v1/listings/"+listingID.String()+"/close",
			f.token(t, uuid.New(), auth.RoleAdmin), nil)

		require.Equal(t, http.StatusOK, rec.Code)

		var got settlementResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, listing.StatusCancelled, got.Status)
		assert.Equal(t, settlement.NoteInsufficientFunds, got.Note)
	})

	t.Run("not yet expired", func(t *testing.T) {
		f := newRouterFixture(t)
		f.engine.On("Close", mock.Anything, listingID).
			Return(nil, settlement.ErrNotYetExpired).Once()

		rec := f.do(t, http.MethodPost, "/v1/listings/"+listingID.String()+"/close",
			f.token(t, uuid.New(), auth.RoleAdmin), nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestHandler_GetListing(t *testing.T) {
	f := newRouterFixture(t)
	listingID := uuid.New()
	view := &listing.View{
		ID:           listingID,
		Kind:         listing.KindItem,
		CurrentPrice: 1200,
		Status:       listing.StatusActive,
	}

	t.Run("invalid id", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/v1/listings/not-a-uuid", "", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("miss populates the cache", func(t *testing.T) {
		f.engine.On("GetListing", mock.Anything, listingID).Return(view, nil).Once()

		rec := f.do(t, http.MethodGet, "/v1/listings/"+listingID.String(), "", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		cached := f.cache.views[settlement.ListingCacheKey(listingID)]
		require.NotNil(t, cached)
		assert.Equal(t, view.CurrentPrice, cached.CurrentPrice)
	})

	t.Run("hit skips the database", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/v1/listings/"+listingID.String(), "", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		// Only the miss above reached the engine.
		f.engine.AssertNumberOfCalls(t, "GetListing", 1)
	})

	t.Run("not found", func(t *testing.T) {
		missingID := uuid.New()
		f.engine.On("GetListing", mock.Anything, missingID).
			Return(nil, settlement.ErrListingNotFound).Once()

		rec := f.do(t, http.MethodGet, "/v1/listings/"+missingID.String(), "", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandler_ListActive(t *testing.T) {
	views := []*listing.View{
		{ID: uuid.New(), Status: listing.StatusActive, CurrentPrice: 1000},
	}

	t.Run("default page is cached", func(t *testing.T) {
		f := newRouterFixture(t)
		f.engine.On("ListActive", mock.Anything, 20, 0).Return(views, nil).Once()

		rec := f.do(t, http.MethodGet, "/v1/listings", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		rec = f.do(t, http.MethodGet, "/v1/listings", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		f.engine.AssertNumberOfCalls(t, "ListActive", 1)
	})

	t.Run("non-default page bypasses the cache", func(t *testing.T) {
		f := newRouterFixture(t)
		f.engine.On("ListActive", mock.Anything, 50, 10).Return(views, nil).Twice()

		for i := 0; i < 2; i++ {
			rec := f.do(t, http.MethodGet, "/v1/listings?limit=50&offset=10", "", nil)
			require.Equal(t, http.StatusOK, rec.Code)
		}
		f.engine.AssertExpectations(t)
	})

	t.Run("limit is capped", func(t *testing.T) {
		f := newRouterFixture(t)
		f.engine.On("ListActive", mock.Anything, 100, 0).Return(views, nil).Once()

		rec := f.do(t, http.MethodGet, "/v1/listings?limit=5000", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		f.engine.AssertExpectations(t)
	})

	t.Run("empty result is an empty array", func(t *testing.T) {
		f := newRouterFixture(t)
		f.engine.On("ListActive", mock.Anything, 20, 0).Return([]*listing.View(nil), nil).Once()

		rec := f.do(t, http.MethodGet, "/v1/listings", "", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, "[]", rec.Body.String())
	})
}

func TestHandler_GetBidHistory(t *testing.T) {
	f := newRouterFixture(t)
	listingID := uuid.New()

	f.engine.On("GetBidHistory", mock.Anything, listingID).
		Return([]*settlement.Bid(nil), nil).Once()

	rec := f.do(t, http.MethodGet, "/v1/listings/"+listingID.String()+"/bids", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}
