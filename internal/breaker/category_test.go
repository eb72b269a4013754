package breaker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestTag(t *testing.T) {
	base := errors.New("dial tcp 127.0.0.1:4317: connect: connection refused")

	assert.Nil(t, Tag(CategoryConnectivity, nil))

	tagged := Connectivity(base)
	assert.Equal(t, base.Error(), tagged.Error())
	assert.ErrorIs(t, tagged, base)

	cat, ok := CategoryOf(fmt.Errorf("export spans: %w", tagged))
	assert.True(t, ok)
	assert.Equal(t, CategoryConnectivity, cat)

	_, ok = CategoryOf(base)
	assert.False(t, ok)
}

func TestDefaultClassifier(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"tagged transient", Transient(errors.New("x")), CategoryTransient},
		{"tagged permanent wins over grpc code", Permanent(status.Error(codes.Unavailable, "down")), CategoryNone},
		{"canceled", context.Canceled, CategoryNone},
		{"wrapped canceled", fmt.Errorf("export: %w", context.Canceled), CategoryNone},
		{"deadline", context.DeadlineExceeded, CategoryConnectivity},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("refused")}, CategoryConnectivity},
		{"grpc unavailable", status.Error(codes.Unavailable, "connection refused"), CategoryConnectivity},
		{"grpc resource exhausted", status.Error(codes.ResourceExhausted, "quota"), CategoryConnectivity},
		{"grpc internal", status.Error(codes.Internal, "oops"), CategoryTransient},
		{"grpc invalid argument", status.Error(codes.InvalidArgument, "bad span"), CategoryNone},
		{"grpc unauthenticated", status.Error(codes.Unauthenticated, "bad key"), CategoryNone},
		{"plain error", errors.New("batch export failed"), CategoryTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultClassifier(tt.err))
		})
	}
}

func TestCategory_String(t *testing.T) {
	assert.Equal(t, "none", CategoryNone.String())
	assert.Equal(t, "connectivity", CategoryConnectivity.String())
	assert.Equal(t, "transient", CategoryTransient.String())
}
