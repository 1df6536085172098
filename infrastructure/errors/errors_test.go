package errors

import (
	stderrors "errors"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "error without underlying error",
			err:  New(ClassValidation, CodeMalformedPacket, "test message"),
			want: "[validation/MALFORMED_PACKET] test message",
		},
		{
			name: "error with underlying error",
			err:  Wrap(ClassFatal, CodeCorruptState, "test message", stderrors.New("underlying")),
			want: "[fatal/CORRUPT_STATE] test message: underlying",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	underlying := stderrors.New("underlying error")
	err := Wrap(ClassFatal, CodeCorruptState, "test", underlying)

	if got := err.Unwrap(); got != underlying {
		t.Errorf("Unwrap() = %v, want %v", got, underlying)
	}
}

func TestError_With(t *testing.T) {
	err := New(ClassExecution, CodeFuelExhausted, "ran out of fuel").
		With("service_id", "svc-1").
		With("workflow_id", "wf-1")

	if err.Context["service_id"] != "svc-1" || err.Context["workflow_id"] != "wf-1" {
		t.Fatalf("With() did not attach context: %#v", err.Context)
	}
}

func TestAsAndIsClass(t *testing.T) {
	err := FuelExhausted("svc-1", "wf-1")
	var wrapped error = err

	got, ok := As(wrapped)
	if !ok || got.Code != CodeFuelExhausted {
		t.Fatalf("As() = %#v, %v", got, ok)
	}

	if !IsClass(wrapped, ClassExecution) {
		t.Fatalf("IsClass() = false, want true")
	}
	if IsClass(wrapped, ClassFatal) {
		t.Fatalf("IsClass() = true, want false")
	}
}

func TestServiceUnknownAndPaused(t *testing.T) {
	if ServiceUnknown("svc-x").Code != CodeServiceUnknown {
		t.Fatal("ServiceUnknown code mismatch")
	}
	if ServicePaused("svc-x").Code != CodeServicePaused {
		t.Fatal("ServicePaused code mismatch")
	}
}

func TestInsufficientQuorumAndBadOrdering(t *testing.T) {
	err := InsufficientQuorum(2, 3)
	if err.Context["signed_weight"] != uint64(2) || err.Context["threshold_weight"] != uint64(3) {
		t.Fatalf("InsufficientQuorum context = %#v", err.Context)
	}
	if BadOrdering().Code != CodeBadOrdering {
		t.Fatal("BadOrdering code mismatch")
	}
}
