package breaker

import (
	"context"
	"errors"
	"net"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Category classifies a failure for breaker accounting.
type Category int

const (
	// CategoryNone is not a backend failure (programming error, caller
	// cancellation). It is never counted and always propagates.
	CategoryNone Category = iota
	// CategoryConnectivity covers network, RPC and connection failures,
	// including timeouts talking to the backend.
	CategoryConnectivity
	// CategoryTransient covers generic runtime faults during a backend call.
	CategoryTransient
)

// String returns the label used in logs and metrics.
func (c Category) String() string {
	switch c {
	case CategoryConnectivity:
		return "connectivity"
	case CategoryTransient:
		return "transient"
	default:
		return "none"
	}
}

// DefaultExpected are the categories that count toward the failure threshold.
var DefaultExpected = []Category{CategoryConnectivity, CategoryTransient}

// Classifier maps an error returned by a guarded operation to a Category.
type Classifier func(error) Category

// taggedError carries a category assigned at the call site.
type taggedError struct {
	category Category
	err      error
}

func (e *taggedError) Error() string { return e.err.Error() }
func (e *taggedError) Unwrap() error { return e.err }

// Tag attaches a category to err. The original error stays reachable through
// errors.Is and errors.As. Tag returns nil for a nil error.
func Tag(category Category, err error) error {
	if err == nil {
		return nil
	}
	return &taggedError{category: category, err: err}
}

// Connectivity tags err as a backend connectivity failure.
func Connectivity(err error) error { return Tag(CategoryConnectivity, err) }

// Transient tags err as a transient backend fault.
func Transient(err error) error { return Tag(CategoryTransient, err) }

// Permanent tags err as not being a backend failure.
func Permanent(err error) error { return Tag(CategoryNone, err) }

// CategoryOf returns the category tagged on err, if any.
func CategoryOf(err error) (Category, bool) {
	var tagged *taggedError
	if errors.As(err, &tagged) {
		return tagged.category, true
	}
	return CategoryNone, false
}

// DefaultClassifier honours explicit tags first, then recognises context,
// network and gRPC status errors. Anything else returned by a guarded backend
// call is treated as a transient fault.
func DefaultClassifier(err error) Category {
	if err == nil {
		return CategoryNone
	}
	if c, ok := CategoryOf(err); ok {
		return c
	}

	// Client gave up; says nothing about the backend.
	if errors.Is(err, context.Canceled) {
		return CategoryNone
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryConnectivity
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return CategoryConnectivity
	}

	if st, ok := status.FromError(err); ok {
		return classifyCode(st.Code())
	}

	return CategoryTransient
}

func classifyCode(code codes.Code) Category {
	switch code {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return CategoryConnectivity
	case codes.Internal, codes.Unknown, codes.DataLoss:
		return CategoryTransient
	case codes.Canceled, codes.InvalidArgument, codes.NotFound, codes.AlreadyExists,
		codes.PermissionDenied, codes.FailedPrecondition, codes.OutOfRange,
		codes.Unimplemented, codes.Unauthenticated:
		return CategoryNone
	default:
		return CategoryTransient
	}
}
