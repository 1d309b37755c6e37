package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/antoniostano/voxline/internal/audio"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type transcriptionResponse struct {
	Text string `json:"text"`
}

// Transcribe uploads the utterance as a WAV file and returns the recognised
// text.
func (c *Client) Transcribe(ctx context.Context, u audio.Utterance) (string, error) {
	ctx, span := tracer.Start(ctx, "transcribe utterance")
	defer span.End()
	span.SetAttributes(
		attribute.String("request.model", c.sttModel),
		attribute.String("utterance.id", u.ID),
		attribute.Float64("utterance.seconds", u.Duration().Seconds()),
	)

	wav, err := audio.EncodeWAVPCM16LE(u.PCM, u.SampleRate)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("encode utterance: %w", err)
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	if err := form.WriteField("model", c.sttModel); err != nil {
		return "", err
	}
	if err := form.WriteField("response_format", "json"); err != nil {
		return "", err
	}
	part, err := form.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(wav); err != nil {
		return "", err
	}
	if err := form.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/audio/transcriptions"), &body)
	if err != nil {
		return "", fmt.Errorf("error creating HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		err = fmt.Errorf("error sending request: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))
	if resp.StatusCode != http.StatusOK {
		err := statusError(resp, span)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	var out transcriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		err = fmt.Errorf("error unmarshalling JSON: %w", err)
		span.RecordError(err)
		return "", err
	}
	text := strings.TrimSpace(out.Text)
	span.SetAttributes(attribute.Int("response.characters", len(text)))
	return text, nil
}
