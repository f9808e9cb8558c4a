package detection

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/samber/lo"

	"github.com/Capitan-Parrot/detection-stream/internal/models"
)

// ErrDetectFailed wraps every failure to obtain detections for a frame.
var ErrDetectFailed = errors.New("detection failed")

// Options are the per-call thresholds, both in [0, 1].
type Options struct {
	Confidence float64
	IoU        float64
}

// Config describes the model server.
type Config struct {
	URL       string
	Model     string
	ImageSize int
	// ScaleConfidence reports confidence in percent instead of [0, 1].
	ScaleConfidence bool
	Timeout         time.Duration
	Retries         int
}

type Client struct {
	cfg  Config
	http *http.Client
}

type predictResponse struct {
	Detections []models.Prediction `json:"detections"`
}

func NewClient(cfg Config) *Client {
	if cfg.Retries < 1 {
		cfg.Retries = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// Detect отправляет кадр на /predict и возвращает детекции выше порога
// в порядке ответа модели
func (c *Client) Detect(ctx context.Context, img image.Image, opts Options) ([]models.Detection, error) {
	var frame bytes.Buffer
	if err := jpeg.Encode(&frame, img, nil); err != nil {
		return nil, fmt.Errorf("%w: encode frame: %v", ErrDetectFailed, err)
	}

	var (
		preds []models.Prediction
		err   error
	)
	for attempt := 0; attempt < c.cfg.Retries; attempt++ {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrDetectFailed, ctx.Err())
		}
		preds, err = c.sendFrame(ctx, frame.Bytes(), opts)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDetectFailed, err)
	}

	now := time.Now()
	return c.toDetections(preds, opts.Confidence, now), nil
}

func (c *Client) toDetections(preds []models.Prediction, threshold float64, ts time.Time) []models.Detection {
	valid := lo.Filter(preds, func(p models.Prediction, _ int) bool {
		return p.Class != "" && p.Score >= threshold && len(p.Box) == 4
	})

	detections := lo.FilterMap(valid, func(p models.Prediction, _ int) (models.Detection, bool) {
		box := models.Box{
			X1: int(math.Round(p.Box[0])),
			Y1: int(math.Round(p.Box[1])),
			X2: int(math.Round(p.Box[2])),
			Y2: int(math.Round(p.Box[3])),
		}
		if !box.Valid() {
			return models.Detection{}, false
		}
		conf := p.Score
		if c.cfg.ScaleConfidence {
			conf *= 100
		}
		return models.Detection{ClassName: p.Class, Confidence: conf, Box: box, Timestamp: ts}, true
	})
	return detections
}

func (c *Client) sendFrame(ctx context.Context, imageData []byte, opts Options) ([]models.Prediction, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	// Создаем form field с правильным Content-Type
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")

	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("create form part: %w", err)
	}
	if _, err := part.Write(imageData); err != nil {
		return nil, fmt.Errorf("write image data: %w", err)
	}

	fields := map[string]string{
		"conf":  strconv.FormatFloat(opts.Confidence, 'f', -1, 64),
		"iou":   strconv.FormatFloat(opts.IoU, 'f', -1, 64),
		"imgsz": strconv.Itoa(c.cfg.ImageSize),
		"model": c.cfg.Model,
	}
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			return nil, fmt.Errorf("write field %s: %w", name, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL+"/predict", &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("bad status: %s, error: %s", resp.Status, bodyBytes)
	}

	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out.Detections, nil
}
