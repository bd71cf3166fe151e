package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// UploadResult mirrors the server's upload response.
type UploadResult struct {
	ID               string    `json:"id"`
	OriginalFilename string    `json:"original_filename"`
	FileType         string    `json:"file_type"`
	Size             int64     `json:"size"`
	UploadedAt       time.Time `json:"uploaded_at"`
	Fingerprint      string    `json:"fingerprint"`
	DownloadURL      string    `json:"download_url"`
	Duplicate        bool      `json:"duplicate"`
}

// SavingsTotals mirrors the server's aggregate savings response.
type SavingsTotals struct {
	TotalSavings           int64 `json:"total_savings"`
	TotalDeduplicatedFiles int64 `json:"total_deduplicated_files"`
}

// Client talks to a stash server.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

// ErrUnknownFileType marks files whose extension maps to no known media
// type. Callers can skip these instead of sending an upload the server is
// guaranteed to reject.
var ErrUnknownFileType = errors.New("no media type known for file extension")

// Upload posts one file and returns the stored record.
func (c *Client) Upload(path string) (*UploadResult, error) {
	fileType, ok := DetectFileType(path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFileType, filepath.Base(path))
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition",
		fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(path)))
	header.Set("Content-Type", fileType)

	part, err := w.CreatePart(header)
	if err != nil {
		return nil, fmt.Errorf("failed to create form part: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize form: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+"/api/files", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, decodeServerError(resp)
	}

	result := &UploadResult{}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return nil, fmt.Errorf("failed to decode upload response: %w", err)
	}
	return result, nil
}

// TotalSavings fetches the server's aggregate dedup savings.
func (c *Client) TotalSavings() (*SavingsTotals, error) {
	resp, err := c.http.Get(c.baseURL + "/api/storage-savings/total")
	if err != nil {
		return nil, fmt.Errorf("savings request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeServerError(resp)
	}

	totals := &SavingsTotals{}
	if err := json.NewDecoder(resp.Body).Decode(totals); err != nil {
		return nil, fmt.Errorf("failed to decode savings response: %w", err)
	}
	return totals, nil
}

// DetectFileType guesses the declared media type from the file extension.
// The second return is false when the extension maps to no known type;
// there is no generic fallback because the server only accepts concrete
// media types.
func DetectFileType(path string) (string, bool) {
	t := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if t == "" {
		return "", false
	}
	// Drop parameters such as "; charset=utf-8"
	if i := strings.Index(t, ";"); i >= 0 {
		t = t[:i]
	}
	return strings.TrimSpace(t), true
}

func decodeServerError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("server returned %s: %s", resp.Status, body.Error)
	}
	return fmt.Errorf("unexpected server response: %s", resp.Status)
}
