// Package messaging implements sending and reading direct messages. A send
// stores the message first and publishes it for live delivery only after the
// store has accepted it.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"dm-service/internal/attachments"
	"dm-service/internal/models"
	"dm-service/internal/observability"
	"dm-service/internal/repositories"
)

const MaxPageSize = 200

// Publisher hands stored messages to the live delivery bus.
type Publisher interface {
	Publish(ctx context.Context, event models.LiveEvent)
}

// Options holds content policy.
type Options struct {
	// AllowEmpty accepts messages with neither text nor attachment.
	AllowEmpty bool
}

// SendRequest is a send attempt by an authenticated sender.
type SendRequest struct {
	SenderID   int64 `validate:"required,gt=0"`
	ReceiverID int64 `validate:"required,gt=0,nefield=SenderID"`
	Text       *string
	Attachment *attachments.Upload
}

// Page selects a slice of a conversation.
type Page struct {
	Limit  int `validate:"gte=0,lte=200"`
	Before *models.Cursor
}

// PageResult is a conversation slice in ascending order. NextBefore is set
// when older messages may exist.
type PageResult struct {
	Messages   []models.Message
	NextBefore *models.Cursor
}

type Service struct {
	store     repositories.MessageRepository
	directory repositories.UserDirectory
	resolver  attachments.Resolver
	bus       Publisher
	opts      Options
	validate  *validator.Validate
	tracer    trace.Tracer
	log       *zap.Logger
}

func NewService(store repositories.MessageRepository, directory repositories.UserDirectory, resolver attachments.Resolver, bus Publisher, opts Options, log *zap.Logger) *Service {
	return &Service{
		store:     store,
		directory: directory,
		resolver:  resolver,
		bus:       bus,
		opts:      opts,
		validate:  validator.New(),
		tracer:    otel.Tracer("dm-service/messaging"),
		log:       log,
	}
}

// SendMessage validates, resolves the attachment, stores the message and then
// publishes it to the receiver. Either the message is stored with its
// attachment resolved or nothing is stored.
func (s *Service) SendMessage(ctx context.Context, req SendRequest) (models.Message, error) {
	ctx, span := s.tracer.Start(ctx, "messaging.SendMessage", trace.WithAttributes(
		attribute.Int64("dm.sender_id", req.SenderID),
		attribute.Int64("dm.receiver_id", req.ReceiverID),
		attribute.Bool("dm.has_attachment", req.Attachment != nil),
	))
	defer span.End()

	msg, err := s.send(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.IncMessageSent(resultLabel(err))
		return models.Message{}, err
	}
	span.SetAttributes(attribute.Int64("dm.message_id", msg.ID))
	observability.IncMessageSent("ok")
	return msg, nil
}

func (s *Service) send(ctx context.Context, req SendRequest) (models.Message, error) {
	if err := s.validate.Struct(req); err != nil {
		return models.Message{}, translate(err)
	}

	text := req.Text
	if text != nil && strings.TrimSpace(*text) == "" {
		text = nil
	}
	if text == nil && req.Attachment == nil && !s.opts.AllowEmpty {
		return models.Message{}, invalid("message must contain text or an image")
	}

	var attachmentURL *string
	if req.Attachment != nil {
		url, err := s.resolveAttachment(ctx, *req.Attachment)
		if err != nil {
			return models.Message{}, err
		}
		attachmentURL = &url
	}

	msg, err := s.store.Append(ctx, repositories.NewMessage{
		SenderID:      req.SenderID,
		ReceiverID:    req.ReceiverID,
		Text:          text,
		AttachmentURL: attachmentURL,
	})
	if err != nil {
		if attachmentURL != nil {
			s.discardAttachment(ctx, *attachmentURL)
		}
		s.log.Error("append message failed",
			zap.Int64("sender_id", req.SenderID),
			zap.Int64("receiver_id", req.ReceiverID),
			zap.Error(err))
		return models.Message{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	s.bus.Publish(ctx, models.NewLiveEvent(msg))
	s.publishCreated(ctx, msg)
	return msg, nil
}

func (s *Service) resolveAttachment(ctx context.Context, upload attachments.Upload) (string, error) {
	if s.resolver == nil {
		return "", fmt.Errorf("%w: no attachment store configured", ErrAttachmentUploadFailed)
	}
	url, err := s.resolver.Resolve(ctx, upload)
	if err != nil {
		s.log.Warn("attachment upload failed", zap.String("filename", upload.Filename), zap.Error(err))
		return "", fmt.Errorf("%w: %w", ErrAttachmentUploadFailed, err)
	}
	return url, nil
}

// discardAttachment removes an upload whose message could not be stored.
// Failure only leaves an unreferenced object behind, so it is logged.
func (s *Service) discardAttachment(ctx context.Context, url string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.resolver.Discard(ctx, url); err != nil {
		s.log.Warn("orphaned attachment left in store", zap.String("url", url), zap.Error(err))
	}
}

func (s *Service) publishCreated(ctx context.Context, msg models.Message) {
	traceID := trace.SpanContextFromContext(ctx).TraceID()
	headers := observability.BuildHeaders("", "")
	if traceID.IsValid() {
		headers = observability.BuildHeaders("", traceID.String())
	}
	payload := map[string]interface{}{
		"message_id":     msg.ID,
		"sender_id":      msg.SenderID,
		"receiver_id":    msg.ReceiverID,
		"has_text":       msg.Text != nil,
		"has_attachment": msg.AttachmentURL != nil,
		"created_at":     msg.CreatedAt,
	}
	if err := observability.PublishEvent(ctx, observability.RoutingKeyMessageCreated,
		observability.NewEnvelope("message_events", "message_created", payload), headers); err != nil {
		s.log.Warn("publish message_created failed", zap.Int64("message_id", msg.ID), zap.Error(err))
	}
}

// ListMessages returns the conversation between userA and userB in ascending
// (created_at, id) order.
func (s *Service) ListMessages(ctx context.Context, userA, userB int64, page Page) (PageResult, error) {
	ctx, span := s.tracer.Start(ctx, "messaging.ListMessages")
	defer span.End()

	if userA <= 0 || userB <= 0 {
		return PageResult{}, invalid("both users must be set")
	}
	if err := s.validate.Struct(page); err != nil {
		return PageResult{}, translate(err)
	}

	msgs, err := s.store.ListConversation(ctx, userA, userB, repositories.ListOptions{Limit: page.Limit, Before: page.Before})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.log.Error("list conversation failed", zap.Int64("user_a", userA), zap.Int64("user_b", userB), zap.Error(err))
		return PageResult{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}

	result := PageResult{Messages: msgs}
	if page.Limit > 0 && len(msgs) == page.Limit {
		cur := models.CursorOf(msgs[0])
		result.NextBefore = &cur
	}
	return result, nil
}

// ListConversationPartners returns every user the caller may message.
func (s *Service) ListConversationPartners(ctx context.Context, excluding int64) ([]models.UserSummary, error) {
	users, err := s.directory.ListUsersExcept(ctx, excluding)
	if err != nil {
		s.log.Error("list users failed", zap.Int64("user_id", excluding), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return users, nil
}

func translate(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return invalid(err.Error())
	}
	fe := verrs[0]
	switch {
	case fe.Tag() == "nefield":
		return invalid("cannot send a message to yourself")
	case fe.Tag() == "required" || fe.Tag() == "gt":
		return invalid(fieldName(fe.Field()) + " is required")
	default:
		return invalid(fmt.Sprintf("%s is out of range", fieldName(fe.Field())))
	}
}

func fieldName(field string) string {
	switch field {
	case "SenderID":
		return "sender_id"
	case "ReceiverID":
		return "receiver_id"
	case "Limit":
		return "limit"
	default:
		return strings.ToLower(field)
	}
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrAttachmentUploadFailed):
		return "attachment"
	case errors.Is(err, ErrStorageUnavailable):
		return "storage"
	default:
		return "error"
	}
}
