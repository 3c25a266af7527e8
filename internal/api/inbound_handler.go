package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/medapply/replyrelay/internal/email/inbound/postmaster"
	"github.com/medapply/replyrelay/internal/metrics"
	"github.com/medapply/replyrelay/internal/middleware"
)

type deliveryProcessor interface {
	Process(ctx context.Context, d postmaster.Delivery) (postmaster.Result, error)
}

// InboundHandler accepts the mail provider's inbound webhook.
type InboundHandler struct {
	processor      deliveryProcessor
	metrics        *metrics.Metrics
	logger         *log.Logger
	maxUploadBytes int64
	now            func() time.Time
}

// NewInboundHandler builds the webhook handler.
func NewInboundHandler(p deliveryProcessor, m *metrics.Metrics, logger *log.Logger, maxUploadBytes int64) *InboundHandler {
	if logger == nil {
		logger = log.Default()
	}
	if maxUploadBytes <= 0 {
		maxUploadBytes = 32 << 20
	}
	return &InboundHandler{processor: p, metrics: m, logger: logger, maxUploadBytes: maxUploadBytes, now: time.Now}
}

// Handle handles POST <webhook path>.
func (h *InboundHandler) Handle(c *gin.Context) {
	start := time.Now()
	requestID := middleware.GetRequestID(c)

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	delivery, err := h.parse(c)
	if err != nil {
		h.logger.Printf("inbound: request %s unreadable: %v", requestID, err)
		h.metrics.Delivery("bad_request", time.Since(start))
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Invalid form payload"})
		return
	}

	result, err := h.processor.Process(c.Request.Context(), delivery)
	if err != nil {
		status, outcome, message := classify(err)
		h.logger.Printf("inbound: request %s recipient=%q rejected (%d): %v", requestID, delivery.Recipient, status, err)
		h.metrics.Delivery(outcome, time.Since(start))
		c.JSON(status, gin.H{"success": false, "error": message})
		return
	}

	h.metrics.Delivery(result.Action, time.Since(start))
	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"action":         result.Action,
		"route":          result.Route,
		"message_id":     result.StoredID,
		"application_id": result.ApplicationID,
		"confidence":     string(result.Confidence),
		"duplicate":      result.Duplicate,
		"forwarded":      result.Forwarded,
	})
}

// classify maps processing errors onto HTTP status, metrics outcome and a
// client-safe message.
func classify(err error) (int, string, string) {
	switch {
	case errors.Is(err, postmaster.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized", "Signature verification failed"
	case errors.Is(err, postmaster.ErrRecipientUnrecognized):
		return http.StatusBadRequest, "unrecognized", "Recipient address not recognized"
	case errors.Is(err, postmaster.ErrAliasNotFound):
		return http.StatusNotFound, "not_found", "Recipient alias not found"
	case errors.Is(err, postmaster.ErrNotFound):
		return http.StatusNotFound, "not_found", "Application not found"
	default:
		return http.StatusInternalServerError, "error", "Failed to process inbound message"
	}
}

func (h *InboundHandler) parse(c *gin.Context) (postmaster.Delivery, error) {
	req := c.Request
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		if err := req.ParseMultipartForm(h.maxUploadBytes); err != nil {
			return postmaster.Delivery{}, fmt.Errorf("parse multipart form: %w", err)
		}
	} else if err := req.ParseForm(); err != nil {
		return postmaster.Delivery{}, fmt.Errorf("parse form: %w", err)
	}

	form := formValues{c: c}
	d := postmaster.Delivery{
		Timestamp:  form.get("timestamp"),
		Token:      form.get("token"),
		Signature:  form.get("signature"),
		Recipient:  form.get("recipient"),
		Sender:     form.get("sender"),
		From:       form.get("from", "From"),
		Subject:    form.get("subject", "Subject"),
		BodyPlain:  form.get("body-plain", "stripped-text"),
		BodyHTML:   form.get("body-html", "stripped-html"),
		MessageID:  form.get("Message-Id", "message-id", "Message-ID"),
		InReplyTo:  form.get("In-Reply-To", "in-reply-to"),
		References: form.get("References", "references"),
		Payload:    snapshot(req),
		ReceivedAt: h.now().UTC(),
	}
	fillFromMessageHeaders(&d, form.get("message-headers"))

	attachments, err := readAttachments(req.MultipartForm, form.get("attachment-count"))
	if err != nil {
		return postmaster.Delivery{}, err
	}
	d.Attachments = attachments
	return d, nil
}

type formValues struct {
	c *gin.Context
}

// get returns the first non-empty value among keys.
func (f formValues) get(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(f.c.PostForm(k)); v != "" {
			return v
		}
	}
	return ""
}

// fillFromMessageHeaders completes threading fields from the provider's
// JSON encoded [[name, value], ...] header list.
func fillFromMessageHeaders(d *postmaster.Delivery, raw string) {
	if raw == "" {
		return
	}
	var pairs [][]string
	if err := json.Unmarshal([]byte(raw), &pairs); err != nil {
		return
	}
	for _, pair := range pairs {
		if len(pair) != 2 {
			continue
		}
		value := strings.TrimSpace(pair[1])
		switch strings.ToLower(pair[0]) {
		case "message-id":
			if d.MessageID == "" {
				d.MessageID = value
			}
		case "in-reply-to":
			if d.InReplyTo == "" {
				d.InReplyTo = value
			}
		case "references":
			if d.References == "" {
				d.References = value
			}
		}
	}
}

// snapshot keeps the first value of every text field; file parts are not copied.
func snapshot(req *http.Request) map[string]string {
	out := make(map[string]string, len(req.PostForm))
	for k, vs := range req.PostForm {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

// readAttachments reads attachment-1..N when the count is given, otherwise
// every file part.
func readAttachments(form *multipart.Form, countField string) ([]postmaster.Attachment, error) {
	if form == nil || len(form.File) == 0 {
		return nil, nil
	}
	var headers []*multipart.FileHeader
	if n, err := strconv.Atoi(countField); err == nil && n > 0 {
		for i := 1; i <= n; i++ {
			if files := form.File["attachment-"+strconv.Itoa(i)]; len(files) > 0 {
				headers = append(headers, files[0])
			}
		}
	} else {
		for _, files := range form.File {
			headers = append(headers, files...)
		}
	}

	attachments := make([]postmaster.Attachment, 0, len(headers))
	for _, fh := range headers {
		data, err := readFile(fh)
		if err != nil {
			return nil, fmt.Errorf("read attachment %s: %w", fh.Filename, err)
		}
		attachments = append(attachments, postmaster.Attachment{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Data:        data,
		})
	}
	return attachments, nil
}

func readFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}
