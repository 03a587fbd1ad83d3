package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"dm-service/internal/attachments"
	"dm-service/internal/messaging"
	"dm-service/internal/models"
	"dm-service/internal/telemetry"
)

// MessageService is the messaging surface the HTTP layer drives.
type MessageService interface {
	SendMessage(ctx context.Context, req messaging.SendRequest) (models.Message, error)
	ListMessages(ctx context.Context, userA, userB int64, page messaging.Page) (messaging.PageResult, error)
	ListConversationPartners(ctx context.Context, excluding int64) ([]models.UserSummary, error)
}

// MessageHandler manages direct message endpoints.
type MessageHandler struct {
	service   MessageService
	audit     *telemetry.AuditEmitter
	maxUpload int64
}

// NewMessageHandler builds a MessageHandler. maxUpload bounds the decoded
// image size read from a request.
func NewMessageHandler(service MessageService, audit *telemetry.AuditEmitter, maxUpload int64) *MessageHandler {
	return &MessageHandler{service: service, audit: audit, maxUpload: maxUpload}
}

// Register wires the message routes behind the given middleware.
func (h *MessageHandler) Register(r gin.IRouter, authMiddleware gin.HandlerFunc, sendLimiter gin.HandlerFunc) {
	group := r.Group("/api/messages", authMiddleware)
	group.GET("/users", h.ListPartners)
	group.GET("/:id", h.GetMessages)
	if sendLimiter != nil {
		group.POST("/send/:id", sendLimiter, h.SendMessage)
	} else {
		group.POST("/send/:id", h.SendMessage)
	}
}

// ListPartners returns every user the caller can message.
func (h *MessageHandler) ListPartners(c *gin.Context) {
	userID := c.GetInt64("userID")

	users, err := h.service.ListConversationPartners(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, users)
}

type messagesResponse struct {
	Messages   []models.Message `json:"messages"`
	NextBefore string           `json:"next_before,omitempty"`
}

// GetMessages returns the conversation with the user named in the path.
func (h *MessageHandler) GetMessages(c *gin.Context) {
	peerID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || peerID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}

	page := messaging.Page{}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		page.Limit = limit
	}
	if raw := c.Query("before"); raw != "" {
		cursor, err := models.ParseCursor(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before cursor"})
			return
		}
		page.Before = &cursor
	}

	result, err := h.service.ListMessages(c.Request.Context(), c.GetInt64("userID"), peerID, page)
	if err != nil {
		h.respondError(c, err)
		return
	}

	resp := messagesResponse{Messages: result.Messages}
	if resp.Messages == nil {
		resp.Messages = []models.Message{}
	}
	if result.NextBefore != nil {
		resp.NextBefore = result.NextBefore.Encode()
	}
	c.JSON(http.StatusOK, resp)
}

type sendMessageRequest struct {
	Message *string `json:"message"`
	Image   *string `json:"image"`
}

// SendMessage stores a message for the user named in the path. The body is
// JSON with an optional base64 or data-URL image, or a multipart form with a
// "message" field and an "image" file.
func (h *MessageHandler) SendMessage(c *gin.Context) {
	receiverID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || receiverID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}
	senderID := c.GetInt64("userID")

	if h.maxUpload > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes())
	}

	req := messaging.SendRequest{SenderID: senderID, ReceiverID: receiverID}
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		err = h.bindMultipart(c, &req)
	} else {
		err = h.bindJSON(c, &req)
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.service.SendMessage(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.emitAudit(c, "INFO", fmt.Sprintf("message %d sent to user %d", msg.ID, receiverID))
	c.JSON(http.StatusCreated, msg)
}

// bodyHeadroom covers the text field, JSON or multipart framing and a data
// URL prefix on top of the encoded image.
const bodyHeadroom = 64 << 10

// maxBodyBytes bounds a send request so an oversized image is refused while
// reading instead of after buffering. Base64 inflates the image by 4/3.
func (h *MessageHandler) maxBodyBytes() int64 {
	return h.maxUpload*4/3 + bodyHeadroom
}

func tooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

func (h *MessageHandler) bindJSON(c *gin.Context, req *messaging.SendRequest) error {
	var body sendMessageRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		if tooLarge(err) {
			return errors.New("image too large")
		}
		return errors.New("invalid request body")
	}
	req.Text = body.Message
	if body.Image == nil || *body.Image == "" {
		return nil
	}
	data, err := decodeImage(*body.Image)
	if err != nil {
		return err
	}
	if h.maxUpload > 0 && int64(len(data)) > h.maxUpload {
		return errors.New("image too large")
	}
	req.Attachment = &attachments.Upload{Data: data}
	return nil
}

func (h *MessageHandler) bindMultipart(c *gin.Context, req *messaging.SendRequest) error {
	if text, ok := c.GetPostForm("message"); ok {
		req.Text = &text
	}
	file, err := c.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return nil
	}
	if err != nil {
		if tooLarge(err) {
			return errors.New("image too large")
		}
		return errors.New("invalid multipart form")
	}
	if h.maxUpload > 0 && file.Size > h.maxUpload {
		return errors.New("image too large")
	}
	f, err := file.Open()
	if err != nil {
		return errors.New("unreadable image")
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return errors.New("unreadable image")
	}
	req.Attachment = &attachments.Upload{Filename: file.Filename, Data: data}
	return nil
}

// decodeImage accepts "data:<mime>;base64,<payload>" or bare base64.
func decodeImage(raw string) ([]byte, error) {
	payload := raw
	if strings.HasPrefix(raw, "data:") {
		idx := strings.Index(raw, ",")
		if idx < 0 || !strings.HasSuffix(raw[:idx], ";base64") {
			return nil, errors.New("invalid image data url")
		}
		payload = raw[idx+1:]
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, errors.New("image is not valid base64")
	}
	return data, nil
}

func (h *MessageHandler) respondError(c *gin.Context, err error) {
	var verr *messaging.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Reason})
	case errors.Is(err, messaging.ErrAttachmentUploadFailed) && attachments.IsRejection(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": rejectionReason(err)})
	case errors.Is(err, messaging.ErrAttachmentUploadFailed):
		h.emitAudit(c, "WARN", "attachment upload failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to upload image"})
	case errors.Is(err, messaging.ErrStorageUnavailable):
		h.emitAudit(c, "ERROR", "message store unavailable")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "message store unavailable"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, attachments.ErrEmpty):
		return attachments.ErrEmpty.Error()
	case errors.Is(err, attachments.ErrTooLarge):
		return attachments.ErrTooLarge.Error()
	default:
		return attachments.ErrUnsupportedType.Error()
	}
}

func (h *MessageHandler) emitAudit(c *gin.Context, level, text string) {
	if h.audit == nil {
		return
	}
	h.audit.Emit(c.Request.Context(), level, text, requestIDFromContext(c), userIDFromContext(c))
}
