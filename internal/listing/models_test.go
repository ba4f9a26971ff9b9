package listing

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestStatus_IsValid(t *testing.T) {
	tests := []struct {
		name   string
		status Status
		want   bool
	}{
		{
			name:   "valid status - active",
			status: StatusActive,
			want:   true,
		},
		{
			name:   "valid status - closed",
			status: StatusClosed,
			want:   true,
		},
		{
			name:   "valid status - cancelled",
			status: StatusCancelled,
			want:   true,
		},
		{
			name:   "invalid status - unknown",
			status: Status("archived"),
			want:   false,
		},
		{
			name:   "invalid status - empty string",
			status: Status(""),
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.IsValid())
		})
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusActive.IsTerminal())
	assert.True(t, StatusClosed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
}

func TestKind_IsValid(t *testing.T) {
	assert.True(t, KindItem.IsValid())
	assert.True(t, KindCharacter.IsValid())
	assert.False(t, Kind("pet").IsValid())
	assert.False(t, Kind("").IsValid())
}

func TestListing_AcceptsBids(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		status  Status
		closeAt time.Time
		want    bool
	}{
		{
			name:    "active and not expired",
			status:  StatusActive,
			closeAt: now.Add(time.Hour),
			want:    true,
		},
		{
			name:    "active but expired, not yet swept",
			status:  StatusActive,
			closeAt: now.Add(-time.Minute),
			want:    false,
		},
		{
			name:    "active and closing exactly now",
			status:  StatusActive,
			closeAt: now,
			want:    false,
		},
		{
			name:    "closed",
			status:  StatusClosed,
			closeAt: now.Add(time.Hour),
			want:    false,
		},
		{
			name:    "cancelled",
			status:  StatusCancelled,
			closeAt: now.Add(time.Hour),
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := &Listing{
				ID:      uuid.New(),
				Status:  tt.status,
				CloseAt: tt.closeAt,
			}
			assert.Equal(t, tt.want, l.AcceptsBids(now))
		})
	}
}

func TestListing_IsOwnedBy(t *testing.T) {
	sellerID := uuid.New()
	l := &Listing{SellerID: sellerID}

	assert.True(t, l.IsOwnedBy(sellerID))
	assert.False(t, l.IsOwnedBy(uuid.New()))
}
