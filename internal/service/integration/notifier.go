package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/scanbridge/gradescan/internal/models"
	"github.com/scanbridge/gradescan/pkg/token"
)

// PendingNotification announces a document that needs manual assignment.
// Each candidate carries a signed one-click link so the recipient can assign
// the document without logging in.
type PendingNotification struct {
	DocumentID string                `json:"document_id"`
	FileName   string                `json:"file_name"`
	Reasons    []string              `json:"reasons,omitempty"`
	Candidates []AssignmentCandidate `json:"candidates,omitempty"`
	IssuedAt   time.Time             `json:"issued_at"`
}

type AssignmentCandidate struct {
	StudentID   string `json:"student_id"`
	StudentName string `json:"student_name"`
	AssignURL   string `json:"assign_url"`
}

// Notifier publishes pipeline events that a human should see. Publishing is
// best-effort; the pipeline treats failures as log-worthy, not fatal.
type Notifier interface {
	NotifyPending(ctx context.Context, doc *models.ScannedDocument, reasons []string, candidates []models.Student) error
	Close() error
}

type rabbitNotifier struct {
	channel    *amqp.Channel
	exchange   string
	routingKey string
	signer     *token.Signer
	baseURL    string
	logger     zerolog.Logger
}

func NewRabbitNotifier(channel *amqp.Channel, exchange, routingKey string, signer *token.Signer, baseURL string, logger zerolog.Logger) (Notifier, error) {
	err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &rabbitNotifier{
		channel:    channel,
		exchange:   exchange,
		routingKey: routingKey,
		signer:     signer,
		baseURL:    baseURL,
		logger:     logger,
	}, nil
}

func (n *rabbitNotifier) NotifyPending(ctx context.Context, doc *models.ScannedDocument, reasons []string, candidates []models.Student) error {
	notification := PendingNotification{
		DocumentID: doc.ID,
		FileName:   doc.FileName,
		Reasons:    reasons,
		IssuedAt:   time.Now(),
	}

	assignToken := n.signer.Generate(doc.ID)
	for _, student := range candidates {
		notification.Candidates = append(notification.Candidates, AssignmentCandidate{
			StudentID:   student.ID,
			StudentName: student.Name,
			AssignURL:   fmt.Sprintf("%s/assign/%s/%s", n.baseURL, assignToken, student.ID),
		})
	}

	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	err = n.channel.PublishWithContext(ctx, n.exchange, n.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	n.logger.Info().
		Str("document_id", doc.ID).
		Int("candidates", len(notification.Candidates)).
		Msg("Published pending-document notification")

	return nil
}

func (n *rabbitNotifier) Close() error {
	return n.channel.Close()
}

// noopNotifier is used when messaging is disabled in config.
type noopNotifier struct{}

func NewNoopNotifier() Notifier {
	return noopNotifier{}
}

func (noopNotifier) NotifyPending(ctx context.Context, doc *models.ScannedDocument, reasons []string, candidates []models.Student) error {
	return nil
}

func (noopNotifier) Close() error {
	return nil
}
