package market

import (
	"context"
	"log/slog"
	"time"

	"github.com/atmx/freight-exchange/internal/heartbeat"
	"github.com/atmx/freight-exchange/internal/metrics"
	"github.com/atmx/freight-exchange/internal/model"
)

// dispatch drains the order queue until it is closed. Each order is
// auctioned among every registered seller on behalf of the destination
// warehouse.
func (e *Exchange) dispatch(ctx context.Context, worker int) {
	defer e.workers.Done()
	for order := range e.orders {
		e.auctionOrder(ctx, worker, order)
	}
}

func (e *Exchange) auctionOrder(ctx context.Context, worker int, order model.Order) {
	if order.Expired(time.Now().UTC()) {
		metrics.OrdersDropped.WithLabelValues("expired").Inc()
		slog.Warn("order expired before auction",
			"order_id", order.ID,
			"deadline", order.Deadline,
			"worker", worker,
		)
		return
	}

	buyer := heartbeat.BuyerID(order.Destination)
	sellers := e.Orchestrator.Collector().SellerIDs()
	a, err := e.Orchestrator.RunAuction(ctx, order, buyer, sellers, model.Weights{})
	if err != nil {
		slog.Error("dispatch auction failed", "order_id", order.ID, "worker", worker, "err", err)
		return
	}
	slog.Debug("order dispatched",
		"order_id", order.ID,
		"auction_id", a.ID,
		"status", a.Status,
		"worker", worker,
	)
}
