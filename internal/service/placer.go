package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/alanyoungcy/dydxrelay/internal/domain"
)

// orderPlacer submits orders with per-call timeouts and at-most-once
// semantics. It is shared by the webhook pipeline and manual closes.
type orderPlacer struct {
	gateway     domain.ExchangeGateway
	cfg         ExecutionConfig
	logger      *slog.Logger
	now         func() time.Time
	newClientID func() uint32
}

func newOrderPlacer(gateway domain.ExchangeGateway, cfg ExecutionConfig, logger *slog.Logger) *orderPlacer {
	return &orderPlacer{
		gateway:     gateway,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
		newClientID: rand.Uint32,
	}
}

func (o *orderPlacer) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.cfg.CallTimeout > 0 {
		return context.WithTimeout(ctx, o.cfg.CallTimeout)
	}
	return context.WithCancel(ctx)
}

// unknownOutcome reports whether a failed submission may still have reached
// the exchange.
func unknownOutcome(err error) bool {
	return domain.IsTransient(err) || errors.Is(err, context.DeadlineExceeded)
}

func (o *orderPlacer) blockHeight(ctx context.Context) (uint64, error) {
	var err error
	for attempt := 0; attempt < o.cfg.Submit.attempts(); attempt++ {
		if attempt > 0 {
			if serr := sleepCtx(ctx, o.cfg.Submit.Delay(attempt-1)); serr != nil {
				return 0, serr
			}
		}
		callCtx, cancel := o.callCtx(ctx)
		var h uint64
		h, err = o.gateway.LatestBlockHeight(callCtx)
		cancel()
		if err == nil {
			return h, nil
		}
		if !unknownOutcome(err) {
			break
		}
	}
	return 0, fmt.Errorf("latest block height: %w", err)
}

// submit places req at most once. A failure with an unknown outcome is
// followed by a lookup of req.ClientID; the order is only resubmitted when
// the exchange positively reports it absent.
func (o *orderPlacer) submit(ctx context.Context, creds *domain.Credentials, req domain.OrderRequest) (domain.OrderAck, error) {
	for attempt := 0; ; attempt++ {
		callCtx, cancel := o.callCtx(ctx)
		ack, err := o.gateway.SubmitOrder(callCtx, creds, req)
		cancel()
		if err == nil {
			return ack, nil
		}
		if !unknownOutcome(err) {
			return domain.OrderAck{}, err
		}

		lookupCtx, cancel := o.callCtx(ctx)
		st, qerr := o.gateway.FindOrderByClientID(lookupCtx, creds, req.Symbol, req.ClientID)
		cancel()
		switch {
		case qerr == nil:
			o.logger.WarnContext(ctx, "submission outcome recovered by client id",
				slog.String("user", creds.UserAddress),
				slog.String("order_id", st.OrderID),
				slog.String("error", err.Error()),
			)
			return domain.OrderAck{OrderID: st.OrderID}, nil
		case !errors.Is(qerr, domain.ErrNotFound):
			return domain.OrderAck{}, domain.Transient("submit order",
				fmt.Errorf("outcome unknown for client id %d: %w", req.ClientID, errors.Join(err, qerr)))
		}

		if attempt+1 >= o.cfg.Submit.attempts() {
			return domain.OrderAck{}, err
		}
		delay := o.cfg.Submit.Delay(attempt)
		o.logger.WarnContext(ctx, "order not on exchange, resubmitting",
			slog.String("user", creds.UserAddress),
			slog.String("symbol", req.Symbol),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if err := sleepCtx(ctx, delay); err != nil {
			return domain.OrderAck{}, err
		}
	}
}

// awaitFill polls the entry until it fills, ends without a fill, or the
// confirmation window passes. Partial IOC fills count as fills.
func (o *orderPlacer) awaitFill(ctx context.Context, creds *domain.Credentials, orderID string) (domain.OrderStatus, bool, error) {
	deadline := o.now().Add(o.cfg.ConfirmTimeout)
	var last domain.OrderStatus
	for {
		callCtx, cancel := o.callCtx(ctx)
		st, err := o.gateway.GetOrderStatus(callCtx, creds, orderID)
		cancel()
		switch {
		case err == nil && (st.Filled() || (st.Done() && st.FilledSize > 0)):
			return st, true, nil
		case err == nil && st.Done():
			return st, false, domain.Terminal("entry order",
				fmt.Errorf("order %s ended %s without a fill", orderID, st.State))
		case err == nil:
			last = st
		default:
			o.logger.DebugContext(ctx, "entry status unavailable",
				slog.String("order_id", orderID),
				slog.String("error", err.Error()),
			)
		}
		if !o.now().Before(deadline) {
			return last, false, nil
		}
		if err := sleepCtx(ctx, o.cfg.ConfirmInterval); err != nil {
			return last, false, nil
		}
	}
}
