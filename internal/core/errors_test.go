package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelMatching(t *testing.T) {
	err := newError(ErrInsufficientStock, "medicine 7: have 2, want 5")
	if !errors.Is(err, ErrInsufficientStock) {
		t.Error("constructed error must match its sentinel")
	}
	if errors.Is(err, ErrCreditLimitExceeded) {
		t.Error("error must not match a different sentinel")
	}

	wrapped := fmt.Errorf("submit sale: %w", err)
	if !errors.Is(wrapped, ErrInsufficientStock) {
		t.Error("fmt.Errorf wrapping must preserve sentinel identity")
	}
}

func TestWrappedCauseStaysInspectable(t *testing.T) {
	cause := errors.New("connection reset")
	err := persistence(cause, "append event")
	if !errors.Is(err, ErrPersistence) {
		t.Error("persistence error must match ErrPersistence")
	}
	if !errors.Is(err, cause) {
		t.Error("original cause must survive wrapping")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{newError(ErrUnknownEntity, "medicine 99"), KindValidation},
		{newError(ErrCreditLimitExceeded, "customer MR-1"), KindPolicy},
		{newError(ErrReservationExpired, "token abc"), KindConflict},
		{persistence(errors.New("timeout"), "commit"), KindPersistence},
		{newError(ErrRollbackFailed, "medicine:7"), KindFault},
		{fmt.Errorf("outer: %w", newError(ErrOverDelivery, "order 3")), KindPolicy},
		{errors.New("something unrelated"), KindPersistence},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestErrorMessageShape(t *testing.T) {
	err := newError(ErrOverDelivery, "order 3: received 12 of 10")
	want := "OverDelivery: order 3: received 12 of 10"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
	if ErrOverDelivery.Error() != "OverDelivery" {
		t.Errorf("bare sentinel should render its code, got %q", ErrOverDelivery.Error())
	}
}
