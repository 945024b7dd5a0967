package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"coursepay/internal/apperr"
	"coursepay/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var fastPolicy = Policy{
	MaxAttempts:     3,
	Timeout:         time.Second,
	InitialInterval: time.Millisecond,
	MaxInterval:     time.Millisecond,
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(NewWalletGateway(nil))

	g, err := reg.Get(model.PaymentMethodWallet)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentMethodWallet, g.Method())

	_, err = reg.Ledger(model.PaymentMethodWallet)
	assert.NoError(t, err)

	_, err = reg.Remote(model.PaymentMethodWallet)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = reg.Get(model.PaymentMethodStripe)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestCall_RetriesTransientThenSucceeds(t *testing.T) {
	attempts := 0
	v, err := call(context.Background(), fastPolicy, "test", "op", zaptest.NewLogger(t),
		func(error) bool { return true },
		func(context.Context) (string, error) {
			attempts++
			if attempts < 3 {
				return "", errors.New("connection reset")
			}
			return "ok", nil
		})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, attempts)
}

func TestCall_ExhaustedIsGatewayUnavailable(t *testing.T) {
	attempts := 0
	_, err := call(context.Background(), fastPolicy, "test", "op", zaptest.NewLogger(t),
		func(error) bool { return true },
		func(context.Context) (int, error) {
			attempts++
			return 0, errors.New("timeout")
		})
	assert.True(t, errors.Is(err, apperr.ErrGatewayUnavailable))
	assert.Equal(t, 3, attempts)
}

func TestCall_PermanentStopsAtOnce(t *testing.T) {
	attempts := 0
	_, err := call(context.Background(), fastPolicy, "test", "op", zaptest.NewLogger(t),
		func(error) bool { return false },
		func(context.Context) (int, error) {
			attempts++
			return 0, errors.New("bad request")
		})
	assert.True(t, errors.Is(err, apperr.ErrGatewayUnavailable))
	assert.Equal(t, 1, attempts)
}

func TestCall_KeepsTaxonomyErrors(t *testing.T) {
	_, err := call(context.Background(), fastPolicy, "test", "op", zaptest.NewLogger(t),
		func(error) bool { return false },
		func(context.Context) (int, error) {
			return 0, apperr.ErrInvalidSignature
		})
	assert.Equal(t, apperr.KindInvalidSignature, apperr.KindOf(err))
}

func TestCall_AttemptTimeout(t *testing.T) {
	p := fastPolicy
	p.Timeout = 10 * time.Millisecond
	p.MaxAttempts = 2
	_, err := call(context.Background(), p, "test", "op", zaptest.NewLogger(t),
		func(error) bool { return true },
		func(ctx context.Context) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, apperr.KindGatewayUnavailable, apperr.KindOf(err))
}

func TestExpandURL(t *testing.T) {
	assert.Equal(t, "https://x/ok?o=ORD1", expandURL("https://x/ok?o={ORDER_NO}", "ORD1"))
	assert.Equal(t, "https://x/ok", expandURL("https://x/ok", "ORD1"))
}
