package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/vietddude/ticketbot/internal/core/domain"
	"github.com/vietddude/ticketbot/internal/infra/storage"
	"github.com/vietddude/ticketbot/internal/metrics"
)

// FailureRecorder writes failures to the failed-order store, computing the
// retryable flag through the Classifier on every call.
type FailureRecorder struct {
	repo       storage.FailedOrderRepository
	classifier *Classifier
	log        *slog.Logger
}

// NewFailureRecorder creates a new recorder.
func NewFailureRecorder(repo storage.FailedOrderRepository, classifier *Classifier) *FailureRecorder {
	return &FailureRecorder{
		repo:       repo,
		classifier: classifier,
		log:        slog.Default().With("component", "recorder"),
	}
}

// Record upserts the failure of order with reason.
func (r *FailureRecorder) Record(
	ctx context.Context,
	order domain.PurchaseOrder,
	reason string,
) (*domain.FailedOrder, error) {
	retryable := r.classifier.ShouldRetry(reason, order.Payload)

	fo, err := r.repo.RecordFailure(ctx, domain.FailureInput{
		OrderID:     order.OrderID,
		WebsiteName: order.WebsiteName,
		Payload:     order.Payload,
		WebhookURL:  order.WebhookURL,
		Reason:      reason,
		Status:      domain.FailedOrderStatusFailed,
		Retryable:   retryable,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record failure of order %s: %w", order.OrderID, err)
	}

	metrics.FailuresRecorded.WithLabelValues(order.WebsiteName, strconv.FormatBool(retryable)).Inc()
	r.log.Info("Failure recorded",
		"orderId", order.OrderID,
		"website", order.WebsiteName,
		"failureCount", fo.FailureCount,
		"retryable", retryable,
		"reason", reason,
	)
	return fo, nil
}
