package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/orders_backend/config"
	"bitbucket.org/mmdatafocus/orders_backend/utils"
	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type uploadSignRequest struct {
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

type uploadCompleteRequest struct {
	ObjectKey string `json:"objectKey"`
}

type uploadSignResponse struct {
	UploadURL string            `json:"uploadUrl"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	ObjectKey string            `json:"objectKey"`
	AccessURL string            `json:"accessUrl"`
	ExpiresAt string            `json:"expiresAt"`
}

type uploadCompleteResponse struct {
	ImageURL           string `json:"imageUrl"`
	ThumbnailURL       string `json:"thumbnailUrl"`
	ObjectKey          string `json:"objectKey"`
	ThumbnailObjectKey string `json:"thumbnailObjectKey"`
}

const maxUploadSizeBytes int64 = 5 * 1024 * 1024

// Slip images only; attachments like PDFs are not accepted here.
var imageMimeTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
}

// signUploadHandler returns a signed PUT URL for a slip image. The object key
// is minted server-side under the caller's business so a client can never
// claim another tenant's evidence.
func signUploadHandler(c *gin.Context) {
	logger := config.GetLogger()
	requestID := requestIDFromHeaders(c)

	businessId, ok := utils.GetBusinessIdFromContext(c.Request.Context())
	if !ok || businessId == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req uploadSignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	if req.FileName == "" || req.MimeType == "" || req.Size <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "fileName, mimeType and size are required"})
		return
	}
	if req.Size > maxUploadSizeBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file size exceeds 5MB limit"})
		return
	}
	if !imageMimeTypes[req.MimeType] {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported image type"})
		return
	}

	ext := strings.ToLower(filepath.Ext(req.FileName))
	if ext == "" {
		ext = extensionFromMimeType(req.MimeType)
	}
	if ext == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file extension is required"})
		return
	}

	objectKey := path.Join(businessId, "slips", uuid.New().String()+ext)

	signed, err := utils.SignUpload(c.Request.Context(), objectKey, req.MimeType, 15*time.Minute)
	if err != nil {
		logUploadError(logger, err, requestID)
		message := "failed to sign upload"
		if !strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
			message = fmt.Sprintf("failed to sign upload: %v", err)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": message})
		return
	}

	logger.WithFields(logrus.Fields{
		"business_id": businessId,
		"mime_type":   req.MimeType,
		"size":        req.Size,
		"object_key":  objectKey,
	}).Info("[upload.sign]")

	c.JSON(http.StatusOK, gin.H{
		"data": uploadSignResponse{
			UploadURL: signed.UploadURL,
			Method:    signed.Method,
			Headers:   signed.Headers,
			ObjectKey: signed.ObjectKey,
			AccessURL: signed.AccessURL,
			ExpiresAt: signed.ExpiresAt.UTC().Format(time.RFC3339),
		},
	})
}

// completeUploadHandler confirms the object landed in the bucket and builds a
// thumbnail for the review dashboard. Evidence submission happens separately
// against the order; this endpoint only prepares the image.
func completeUploadHandler(c *gin.Context) {
	logger := config.GetLogger()
	requestID := requestIDFromHeaders(c)

	businessId, ok := utils.GetBusinessIdFromContext(c.Request.Context())
	if !ok || businessId == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req uploadCompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if req.ObjectKey == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "objectKey is required"})
		return
	}
	if !strings.HasPrefix(req.ObjectKey, businessId+"/") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid object key"})
		return
	}

	ctx := c.Request.Context()
	exists, err := utils.ObjectExists(ctx, req.ObjectKey)
	if err != nil {
		logUploadError(logger, err, requestID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage check failed"})
		return
	}
	if !exists {
		c.JSON(http.StatusBadRequest, gin.H{"error": "object not found; upload it first"})
		return
	}

	thumbnailKey, err := createThumbnail(ctx, req.ObjectKey)
	if err != nil {
		logUploadError(logger, err, requestID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate thumbnail"})
		return
	}

	logger.WithFields(logrus.Fields{
		"object_key": req.ObjectKey,
		"status":     "completed",
	}).Info("[upload.complete]")

	c.JSON(http.StatusOK, gin.H{"data": uploadCompleteResponse{
		ImageURL:           utils.BuildObjectAccessURL(req.ObjectKey),
		ThumbnailURL:       utils.BuildObjectAccessURL(thumbnailKey),
		ObjectKey:          req.ObjectKey,
		ThumbnailObjectKey: thumbnailKey,
	}})
}

func createThumbnail(ctx context.Context, objectKey string) (string, error) {
	data, err := utils.DownloadFileFromGCS(ctx, objectKey)
	if err != nil {
		return "", err
	}
	if int64(len(data)) > maxUploadSizeBytes {
		return "", errors.New("file size exceeds 5MB limit")
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	thumbnail := imaging.Resize(img, 200, 0, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumbnail, imaging.JPEG); err != nil {
		return "", err
	}

	thumbnailKey := thumbnailObjectKey(objectKey)
	if err := utils.UploadFileToGCS(ctx, thumbnailKey, &buf); err != nil {
		return "", err
	}
	return thumbnailKey, nil
}

func thumbnailObjectKey(objectKey string) string {
	dir := path.Dir(objectKey)
	filename := path.Base(objectKey)
	return path.Join(dir, "thumbnails", filename)
}

func extensionFromMimeType(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	default:
		return ""
	}
}

func logUploadError(logger *logrus.Logger, err error, requestID string) {
	logger.WithFields(logrus.Fields{
		"error":      err.Error(),
		"request_id": requestID,
	}).Error("[upload.error]")
}

func requestIDFromHeaders(c *gin.Context) string {
	if id := strings.TrimSpace(c.GetHeader("X-Correlation-Id")); id != "" {
		return id
	}
	if id := strings.TrimSpace(c.GetHeader("X-Request-Id")); id != "" {
		return id
	}
	return fmt.Sprintf("upload-%d", time.Now().UnixNano())
}
