package integration

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Supported input formats. Anything else fails before the provider is called.
var supportedImageMimes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/webp": true,
	"image/gif":  true,
}

const mimePDF = "application/pdf"

type OCRPage struct {
	PageNumber int    `json:"page_number"`
	Text       string `json:"text"`
	Markdown   string `json:"markdown"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	DPI        int    `json:"dpi"`
}

// OCRResult reports the outcome of one extraction. Provider failures end up
// as Success=false with Error set; they are never raised as faults.
type OCRResult struct {
	FileName       string        `json:"file_name"`
	MimeType       string        `json:"mime_type"`
	Pages          []OCRPage     `json:"pages"`
	TotalPages     int           `json:"total_pages"`
	Model          string        `json:"model"`
	ProcessingTime time.Duration `json:"processing_time"`
	Success        bool          `json:"success"`
	Error          string        `json:"error,omitempty"`
}

func (r *OCRResult) FullText() string {
	parts := make([]string, len(r.Pages))
	for i, p := range r.Pages {
		parts[i] = p.Text
	}
	return strings.Join(parts, "\n\n")
}

func (r *OCRResult) FullMarkdown() string {
	parts := make([]string, len(r.Pages))
	for i, p := range r.Pages {
		parts[i] = fmt.Sprintf("## Page %d\n\n%s", p.PageNumber, p.Markdown)
	}
	return strings.Join(parts, "\n\n")
}

// OCRClient turns raw document bytes into page-level text plus layout
// metadata via the remote OCR provider.
type OCRClient interface {
	Process(ctx context.Context, content []byte, fileName, mimeType string) *OCRResult
}

type ocrClient struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	retry   *RetryPolicy
	logger  zerolog.Logger
}

func NewOCRClient(baseURL, apiKey, model string, timeout time.Duration, retry *RetryPolicy, logger zerolog.Logger) OCRClient {
	return &ocrClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client: &http.Client{
			Timeout: timeout,
		},
		retry:  retry,
		logger: logger,
	}
}

type ocrRequest struct {
	Model    string      `json:"model"`
	Document ocrDocument `json:"document"`
}

type ocrDocument struct {
	Type        string `json:"type"`
	ImageURL    string `json:"image_url,omitempty"`
	DocumentURL string `json:"document_url,omitempty"`
}

type ocrResponse struct {
	Model string `json:"model"`
	Pages []struct {
		Index      int    `json:"index"`
		Markdown   string `json:"markdown"`
		Dimensions *struct {
			Width  int `json:"width"`
			Height int `json:"height"`
			DPI    int `json:"dpi"`
		} `json:"dimensions"`
	} `json:"pages"`
}

type uploadResponse struct {
	ID string `json:"id"`
}

type signedURLResponse struct {
	URL string `json:"url"`
}

// Process runs OCR on a document. Images travel inline as a base64 data URL;
// PDFs are uploaded out-of-band and referenced through a signed URL, since
// inline encoding is impractical for multi-page files.
func (c *ocrClient) Process(ctx context.Context, content []byte, fileName, mimeType string) *OCRResult {
	start := time.Now()

	result := &OCRResult{
		FileName: fileName,
		MimeType: mimeType,
	}

	if len(content) == 0 {
		result.Error = "empty file"
		return result
	}

	var response *ocrResponse
	var err error

	switch {
	case supportedImageMimes[mimeType]:
		response, err = c.processImage(ctx, content, mimeType)
	case mimeType == mimePDF:
		response, err = c.processPDF(ctx, content, fileName)
	default:
		result.Error = fmt.Sprintf("unsupported MIME type: %s", mimeType)
		return result
	}

	result.ProcessingTime = time.Since(start)

	if err != nil {
		c.logger.Error().Err(err).Str("file", fileName).Msg("OCR failed")
		result.Error = err.Error()
		return result
	}

	result.Model = response.Model
	for i, page := range response.Pages {
		p := OCRPage{
			PageNumber: i + 1,
			// The provider escapes markdown specials; plain text drops them.
			Text:     strings.ReplaceAll(page.Markdown, `\`, ""),
			Markdown: page.Markdown,
		}
		if page.Dimensions != nil {
			p.Width = page.Dimensions.Width
			p.Height = page.Dimensions.Height
			p.DPI = page.Dimensions.DPI
		}
		result.Pages = append(result.Pages, p)
	}
	result.TotalPages = len(result.Pages)
	result.Success = true

	return result
}

func (c *ocrClient) processImage(ctx context.Context, content []byte, mimeType string) (*ocrResponse, error) {
	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(content))

	return c.performOCR(ctx, ocrDocument{
		Type:     "image_url",
		ImageURL: dataURL,
	})
}

func (c *ocrClient) processPDF(ctx context.Context, content []byte, fileName string) (*ocrResponse, error) {
	fileID, err := c.uploadFile(ctx, content, fileName)
	if err != nil {
		return nil, err
	}

	signedURL, err := c.signedURL(ctx, fileID)
	if err != nil {
		return nil, err
	}

	return c.performOCR(ctx, ocrDocument{
		Type:        "document_url",
		DocumentURL: signedURL,
	})
}

func (c *ocrClient) performOCR(ctx context.Context, doc ocrDocument) (*ocrResponse, error) {
	body, err := json.Marshal(ocrRequest{Model: c.model, Document: doc})
	if err != nil {
		return nil, fmt.Errorf("failed to encode OCR request: %w", err)
	}

	var response ocrResponse
	err = c.retry.Do(ctx, c.logger, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ocr", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		return c.doJSON(req, &response)
	})
	if err != nil {
		return nil, err
	}

	return &response, nil
}

func (c *ocrClient) uploadFile(ctx context.Context, content []byte, fileName string) (string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	if err := writer.WriteField("purpose", "ocr"); err != nil {
		return "", fmt.Errorf("failed to build upload request: %w", err)
	}
	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		return "", fmt.Errorf("failed to build upload request: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return "", fmt.Errorf("failed to build upload request: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to build upload request: %w", err)
	}

	var response uploadResponse
	err = c.retry.Do(ctx, c.logger, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files", bytes.NewReader(buf.Bytes()))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", writer.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		return c.doJSON(req, &response)
	})
	if err != nil {
		return "", err
	}

	return response.ID, nil
}

func (c *ocrClient) signedURL(ctx context.Context, fileID string) (string, error) {
	var response signedURLResponse
	err := c.retry.Do(ctx, c.logger, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/files/"+fileID+"/url", nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		return c.doJSON(req, &response)
	})
	if err != nil {
		return "", err
	}

	return response.URL, nil
}

func (c *ocrClient) doJSON(req *http.Request, out interface{}) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("OCR provider returned status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}
