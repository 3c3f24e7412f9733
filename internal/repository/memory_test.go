package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/totoapp/delivery-core/internal/model"
)

func seedDelivery(t *testing.T, store *MemoryStore, status model.DeliveryStatus, courierID string) *model.Delivery {
	t.Helper()
	d := &model.Delivery{
		ID:          "delivery-1",
		RequesterID: "requester-1",
		CourierID:   courierID,
		Status:      status,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := store.CreateDelivery(context.Background(), d); err != nil {
		t.Fatalf("failed to seed delivery: %v", err)
	}
	return d
}

func TestDuplicateUsageViolatesLedger(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, err := store.PurchaseCredit(ctx, "courier-1", 5, 3500, time.Now().AddDate(0, 0, 90), "test purchase"); err != nil {
		t.Fatalf("purchase failed: %v", err)
	}

	if _, err := store.ConsumeCredit(ctx, "courier-1", "delivery-1"); err != nil {
		t.Fatalf("first consume failed: %v", err)
	}
	// A second usage row for the same delivery must be refused loudly.
	if _, err := store.ConsumeCredit(ctx, "courier-1", "delivery-1"); !errors.Is(err, model.ErrLedgerIntegrity) {
		t.Fatalf("expected ErrLedgerIntegrity, got %v", err)
	}
}

func TestCheckpointJumps(t *testing.T) {
	ctx := context.Background()

	// Pickup completes from accepted or pickupInProgress.
	for _, from := range []model.DeliveryStatus{model.StatusAccepted, model.StatusPickupInProgress} {
		store := NewMemoryStore()
		seedDelivery(t, store, from, "courier-1")

		d, err := store.CompleteCheckpoint(ctx, "delivery-1", model.ProofPickup)
		if err != nil {
			t.Fatalf("pickup checkpoint from %s failed: %v", from, err)
		}
		if d.Status != model.StatusPickedUp || d.PickedUpAt == nil {
			t.Fatalf("unexpected delivery after pickup from %s: %+v", from, d)
		}
	}

	// Delivery completes from pickedUp or deliveryInProgress.
	for _, from := range []model.DeliveryStatus{model.StatusPickedUp, model.StatusDeliveryInProgress} {
		store := NewMemoryStore()
		seedDelivery(t, store, from, "courier-1")

		d, err := store.CompleteCheckpoint(ctx, "delivery-1", model.ProofDelivery)
		if err != nil {
			t.Fatalf("delivery checkpoint from %s failed: %v", from, err)
		}
		if d.Status != model.StatusDelivered || d.DeliveredAt == nil {
			t.Fatalf("unexpected delivery after handoff from %s: %+v", from, d)
		}
	}

	// Neither checkpoint applies to a pending delivery.
	store := NewMemoryStore()
	seedDelivery(t, store, model.StatusPending, "")
	if _, err := store.CompleteCheckpoint(ctx, "delivery-1", model.ProofPickup); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := store.CompleteCheckpoint(ctx, "delivery-1", model.ProofDelivery); !errors.Is(err, model.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestLocationSamplesKeepInsertionOrder(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for i := 0; i < 3; i++ {
		if err := store.AppendLocationSample(ctx, &model.LocationSample{
			DeliveryID: "delivery-1",
			CourierID:  "courier-1",
			Latitude:   12.37 + float64(i)*0.01,
			Longitude:  -1.52,
		}); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	samples, err := store.ListLocationSamples(ctx, "delivery-1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(samples) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(samples))
	}
	for i, sample := range samples {
		if sample.ID == "" || sample.RecordedAt.IsZero() {
			t.Fatalf("sample %d missing id or timestamp: %+v", i, sample)
		}
		want := 12.37 + float64(i)*0.01
		if sample.Latitude != want {
			t.Fatalf("expected sample %d latitude %f, got %f", i, want, sample.Latitude)
		}
	}
}
