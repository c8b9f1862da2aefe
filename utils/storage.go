package utils

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// Evidence images are stored in GCS. Storage is durable and happens strictly
// before verification: a failed verification still leaves recoverable evidence.

func getGoogleClient(ctx context.Context) (*storage.Client, error) {
	// Prefer ADC (service account / GOOGLE_APPLICATION_CREDENTIALS). Explicit
	// JSON (e.g. locally) via GCS_CREDENTIALS_JSON.
	if credJSON := os.Getenv("GCS_CREDENTIALS_JSON"); strings.TrimSpace(credJSON) != "" {
		return storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credJSON)))
	}
	return storage.NewClient(ctx)
}

func UploadFileToGCS(ctx context.Context, objectName string, fileContent io.Reader) error {
	fileData, err := io.ReadAll(fileContent)
	if err != nil {
		return fmt.Errorf("failed to read file content: %v", err)
	}

	bucketName := os.Getenv("GCS_BUCKET")
	if bucketName == "" {
		return errors.New("GCS_BUCKET is required")
	}

	client, err := getGoogleClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	wc := client.Bucket(bucketName).Object(objectName).NewWriter(ctx)
	wc.ContentType = http.DetectContentType(fileData)
	if _, err := wc.Write(fileData); err != nil {
		return err
	}
	return wc.Close()
}

func DownloadFileFromGCS(ctx context.Context, objectName string) ([]byte, error) {
	bucketName := os.Getenv("GCS_BUCKET")
	if bucketName == "" {
		return nil, errors.New("GCS_BUCKET is required")
	}

	client, err := getGoogleClient(ctx)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	rc, err := client.Bucket(bucketName).Object(objectName).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// ObjectExists reports whether the evidence object has been durably stored.
// The engine never verifies unpersisted input.
func ObjectExists(ctx context.Context, objectName string) (bool, error) {
	bucketName := os.Getenv("GCS_BUCKET")
	if bucketName == "" {
		return false, errors.New("GCS_BUCKET is required")
	}

	client, err := getGoogleClient(ctx)
	if err != nil {
		return false, err
	}
	defer client.Close()

	_, err = client.Bucket(bucketName).Object(objectName).Attrs(ctx)
	if err == storage.ErrObjectNotExist {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

type SignedUpload struct {
	UploadURL string            `json:"uploadUrl"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	ObjectKey string            `json:"objectKey"`
	AccessURL string            `json:"accessUrl"`
	ExpiresAt time.Time         `json:"expiresAt"`
}

type serviceAccountJSON struct {
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
}

// SignUpload returns a V4 signed PUT URL so the dashboard uploads slip images
// directly to the bucket.
func SignUpload(ctx context.Context, objectKey, contentType string, expires time.Duration) (*SignedUpload, error) {
	bucket := strings.TrimSpace(os.Getenv("GCS_BUCKET"))
	if bucket == "" {
		return nil, errors.New("GCS_BUCKET is required")
	}

	accessID, privateKey, err := loadSignerFromEnv()
	if err != nil {
		return nil, err
	}

	opts := &storage.SignedURLOptions{
		Scheme:         storage.SigningSchemeV4,
		Method:         "PUT",
		Expires:        time.Now().Add(expires),
		ContentType:    contentType,
		GoogleAccessID: accessID,
		PrivateKey:     privateKey,
	}

	signedURL, err := storage.SignedURL(bucket, objectKey, opts)
	if err != nil {
		return nil, err
	}

	return &SignedUpload{
		UploadURL: signedURL,
		Method:    opts.Method,
		Headers: map[string]string{
			"Content-Type": contentType,
		},
		ObjectKey: objectKey,
		AccessURL: BuildObjectAccessURL(objectKey),
		ExpiresAt: opts.Expires,
	}, nil
}

func loadSignerFromEnv() (string, []byte, error) {
	credJSON := strings.TrimSpace(os.Getenv("GCS_CREDENTIALS_JSON"))
	if credJSON != "" {
		var key serviceAccountJSON
		if err := json.Unmarshal([]byte(credJSON), &key); err != nil {
			return "", nil, fmt.Errorf("invalid GCS_CREDENTIALS_JSON: %w", err)
		}
		if key.ClientEmail == "" || key.PrivateKey == "" {
			return "", nil, errors.New("GCS_CREDENTIALS_JSON missing client_email or private_key")
		}
		return key.ClientEmail, normalizePrivateKey(key.PrivateKey), nil
	}

	email := strings.TrimSpace(os.Getenv("GCS_SIGNER_EMAIL"))
	privateKey := strings.TrimSpace(os.Getenv("GCS_SIGNER_PRIVATE_KEY"))
	if email == "" || privateKey == "" {
		return "", nil, errors.New("GCS_SIGNER_EMAIL and GCS_SIGNER_PRIVATE_KEY are required for signed uploads")
	}
	return email, normalizePrivateKey(privateKey), nil
}

func normalizePrivateKey(key string) []byte {
	key = strings.ReplaceAll(key, "\\n", "\n")
	return []byte(key)
}

func BuildObjectAccessURL(objectKey string) string {
	base := strings.TrimSpace(os.Getenv("STORAGE_ACCESS_BASE_URL"))
	if base != "" {
		return strings.TrimRight(base, "/") + "/" + objectKey
	}

	gcsBucket := strings.TrimSpace(os.Getenv("GCS_BUCKET"))
	if gcsBucket != "" {
		return "https://storage.googleapis.com/" + gcsBucket + "/" + objectKey
	}

	return objectKey
}

// ExtractObjectKeyFromURL accepts either a raw object key or a GCS URL and
// returns the object key, or "" when it cannot be determined.
func ExtractObjectKeyFromURL(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}

	if !strings.Contains(rawURL, "://") && !strings.HasPrefix(rawURL, "/") {
		if strings.Contains(rawURL, "..") {
			return ""
		}
		return rawURL
	}

	if strings.HasPrefix(rawURL, "gs://") {
		trimmed := strings.TrimPrefix(rawURL, "gs://")
		parts := strings.SplitN(trimmed, "/", 2)
		if len(parts) == 2 {
			return parts[1]
		}
		return ""
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := strings.ToLower(strings.TrimSpace(parsed.Host))
	p := strings.TrimPrefix(parsed.Path, "/")
	if host == "storage.googleapis.com" || host == "storage.cloud.google.com" {
		parts := strings.SplitN(p, "/", 2)
		if len(parts) == 2 && parts[1] != "" {
			return parts[1]
		}
	}
	if strings.HasSuffix(host, ".storage.googleapis.com") {
		return p
	}

	base := strings.TrimSpace(os.Getenv("STORAGE_ACCESS_BASE_URL"))
	if base != "" && strings.HasPrefix(rawURL, strings.TrimRight(base, "/")+"/") {
		return strings.TrimPrefix(rawURL, strings.TrimRight(base, "/")+"/")
	}

	return ""
}
