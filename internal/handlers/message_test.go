package handlers

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dm-service/internal/attachments"
	"dm-service/internal/messaging"
	"dm-service/internal/mocks"
	"dm-service/internal/models"
	"dm-service/internal/telemetry"
)

func setupMessageRouter(handler *MessageHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handler.Register(r, func(c *gin.Context) {
		c.Set("userID", int64(1))
		c.Next()
	}, nil)
	return r
}

func strPtr(s string) *string { return &s }

func TestListPartnersSuccess(t *testing.T) {
	service := new(mocks.MessageServiceMock)
	router := setupMessageRouter(NewMessageHandler(service, nil, 0))

	service.On("ListConversationPartners", mock.Anything, int64(1)).
		Return([]models.UserSummary{{ID: 2, FullName: "Bob", Email: "bob@example.com"}}, nil).Once()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/messages/users", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var users []models.UserSummary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&users))
	require.Len(t, users, 1)
	assert.Equal(t, int64(2), users[0].ID)
	service.AssertExpectations(t)
}

func TestListPartnersStorageError(t *testing.T) {
	service := new(mocks.MessageServiceMock)
	router := setupMessageRouter(NewMessageHandler(service, nil, 0))

	service.On("ListConversationPartners", mock.Anything, int64(1)).
		Return(nil, fmt.Errorf("%w: db down", messaging.ErrStorageUnavailable)).Once()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/messages/users", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	service.AssertExpectations(t)
}

func TestGetMessagesWithCursor(t *testing.T) {
	service := new(mocks.MessageServiceMock)
	router := setupMessageRouter(NewMessageHandler(service, nil, 0))

	cursor := models.Cursor{CreatedAt: time.Date(2024, 1, 2, 3, 4, 5, 6000, time.UTC), ID: 9}
	next := models.Cursor{CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), ID: 4}
	msgs := []models.Message{{ID: 4, SenderID: 2, ReceiverID: 1, Text: strPtr("hi"), CreatedAt: next.CreatedAt}}
	service.On("ListMessages", mock.Anything, int64(1), int64(2), messaging.Page{Limit: 1, Before: &cursor}).
		Return(messaging.PageResult{Messages: msgs, NextBefore: &next}, nil).Once()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/messages/2?limit=1&before="+cursor.Encode(), nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Messages   []models.Message `json:"messages"`
		NextBefore string           `json:"next_before"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "hi", *resp.Messages[0].Text)
	assert.Equal(t, next.Encode(), resp.NextBefore)
	service.AssertExpectations(t)
}

func TestGetMessagesEmptyConversationRendersArray(t *testing.T) {
	service := new(mocks.MessageServiceMock)
	router := setupMessageRouter(NewMessageHandler(service, nil, 0))
	service.On("ListMessages", mock.Anything, int64(1), int64(3), messaging.Page{}).
		Return(messaging.PageResult{}, nil).Once()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/messages/3", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"messages":[]}`, rec.Body.String())
}

func TestGetMessagesBadInput(t *testing.T) {
	router := setupMessageRouter(NewMessageHandler(new(mocks.MessageServiceMock), nil, 0))

	for _, path := range []string{"/api/messages/abc", "/api/messages/2?limit=x", "/api/messages/2?before=nope"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}

func TestSendMessageJSON(t *testing.T) {
	service := new(mocks.MessageServiceMock)
	router := setupMessageRouter(NewMessageHandler(service, nil, 0))

	stored := models.Message{ID: 10, SenderID: 1, ReceiverID: 2, Text: strPtr("hi"), CreatedAt: time.Now().UTC()}
	service.On("SendMessage", mock.Anything, messaging.SendRequest{SenderID: 1, ReceiverID: 2, Text: strPtr("hi")}).
		Return(stored, nil).Once()

	req := httptest.NewRequest(http.MethodPost, "/api/messages/send/2", bytes.NewBufferString(`{"message":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var got models.Message
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, int64(10), got.ID)
	service.AssertExpectations(t)
}

func TestSendMessageJSONDataURLImage(t *testing.T) {
	service := new(mocks.MessageServiceMock)
	router := setupMessageRouter(NewMessageHandler(service, nil, 1024))

	raw := []byte("\x89PNG\r\n\x1a\n")
	body := fmt.Sprintf(`{"image":"data:image/png;base64,%s"}`, base64.StdEncoding.EncodeToString(raw))
	service.On("SendMessage", mock.Anything, mock.MatchedBy(func(r messaging.SendRequest) bool {
		return r.Text == nil && r.Attachment != nil && bytes.Equal(r.Attachment.Data, raw)
	})).Return(models.Message{ID: 11, AttachmentURL: strPtr("https://cdn/img1")}, nil).Once()

	req := httptest.NewRequest(http.MethodPost, "/api/messages/send/2", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	service.AssertExpectations(t)
}

func TestSendMessageMultipart(t *testing.T) {
	service := new(mocks.MessageServiceMock)
	router := setupMessageRouter(NewMessageHandler(service, nil, 1024))

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("message", "look"))
	fw, err := mw.CreateFormFile("image", "cat.png")
	require.NoError(t, err)
	_, err = fw.Write([]byte("png-bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	service.On("SendMessage", mock.Anything, mock.MatchedBy(func(r messaging.SendRequest) bool {
		return r.Text != nil && *r.Text == "look" && r.Attachment != nil &&
			r.Attachment.Filename == "cat.png" && string(r.Attachment.Data) == "png-bytes"
	})).Return(models.Message{ID: 12}, nil).Once()

	req := httptest.NewRequest(http.MethodPost, "/api/messages/send/2", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	service.AssertExpectations(t)
}

func TestSendMessageRejectsOversizedImage(t *testing.T) {
	service := new(mocks.MessageServiceMock)
	router := setupMessageRouter(NewMessageHandler(service, nil, 2))

	body := fmt.Sprintf(`{"image":"%s"}`, base64.StdEncoding.EncodeToString([]byte("too big")))
	req := httptest.NewRequest(http.MethodPost, "/api/messages/send/2", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	service.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything)
}

func TestSendMessageRefusesOversizedBodyWhileReading(t *testing.T) {
	service := new(mocks.MessageServiceMock)
	handler := NewMessageHandler(service, nil, 16)
	router := setupMessageRouter(handler)
	huge := strings.Repeat("A", int(handler.maxBodyBytes())+1024)

	t.Run("json", func(t *testing.T) {
		body := fmt.Sprintf(`{"image":"%s"}`, huge)
		req := httptest.NewRequest(http.MethodPost, "/api/messages/send/2", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "image too large")
	})

	t.Run("multipart", func(t *testing.T) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("image", "big.png")
		require.NoError(t, err)
		_, err = fw.Write([]byte(huge))
		require.NoError(t, err)
		require.NoError(t, mw.Close())

		req := httptest.NewRequest(http.MethodPost, "/api/messages/send/2", &buf)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	service.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything)
}

func TestSendMessageErrorMapping(t *testing.T) {
	cases := map[string]struct {
		err  error
		code int
	}{
		"validation": {&messaging.ValidationError{Reason: "cannot send a message to yourself"}, http.StatusBadRequest},
		"rejection":  {fmt.Errorf("%w: %w", messaging.ErrAttachmentUploadFailed, attachments.ErrUnsupportedType), http.StatusBadRequest},
		"upload":     {fmt.Errorf("%w: timeout", messaging.ErrAttachmentUploadFailed), http.StatusBadGateway},
		"storage":    {fmt.Errorf("%w: db down", messaging.ErrStorageUnavailable), http.StatusServiceUnavailable},
		"unexpected": {assert.AnError, http.StatusInternalServerError},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			service := new(mocks.MessageServiceMock)
			publisher := new(mocks.PublisherMock)
			publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
			audit := telemetry.NewAuditEmitter(publisher, "audit.dm", "dm-service", "test", zap.NewNop())
			router := setupMessageRouter(NewMessageHandler(service, audit, 0))

			service.On("SendMessage", mock.Anything, mock.Anything).Return(nil, tc.err).Once()

			req := httptest.NewRequest(http.MethodPost, "/api/messages/send/2", bytes.NewBufferString(`{"message":"x"}`))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, tc.code, rec.Code)
			var body map[string]string
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestSendMessageInvalidReceiver(t *testing.T) {
	router := setupMessageRouter(NewMessageHandler(new(mocks.MessageServiceMock), nil, 0))

	req := httptest.NewRequest(http.MethodPost, "/api/messages/send/zero", bytes.NewBufferString(`{"message":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDecodeImage(t *testing.T) {
	data, err := decodeImage("data:image/gif;base64," + base64.StdEncoding.EncodeToString([]byte("GIF89a")))
	require.NoError(t, err)
	assert.Equal(t, []byte("GIF89a"), data)

	_, err = decodeImage("data:image/gif,GIF89a")
	assert.Error(t, err)
	_, err = decodeImage("%%%")
	assert.Error(t, err)
}

func TestDebugRoutesAuditTest(t *testing.T) {
	gin.SetMode(gin.TestMode)
	publisher := new(mocks.PublisherMock)
	publisher.On("Publish", mock.Anything, "audit.dm", mock.Anything, mock.Anything).Return(nil).Once()
	r := gin.New()
	RegisterDebugRoutes(r, telemetry.NewAuditEmitter(publisher, "audit.dm", "dm-service", "test", zap.NewNop()), sessionCount(3), true)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/audit-test?level=warn", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	publisher.AssertExpectations(t)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/sessions", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"active":3}`, rec.Body.String())
}

type sessionCount int

func (n sessionCount) Active() int { return int(n) }

func TestDebugRoutesDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterDebugRoutes(r, nil, nil, false)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/sessions", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
