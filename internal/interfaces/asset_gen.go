package interfaces

import "context"

// ImageRequest represents a request to generate an image
type ImageRequest struct {
	Prompt string
	Size   string // e.g. "1024x1024"
}

// ImageResponse represents the response from image generation
type ImageResponse struct {
	ImageURL       string
	GenerationTime int64 // milliseconds
}

// GeneratorStatus represents the status of a generator
type GeneratorStatus struct {
	IsAvailable bool   `json:"is_available"`
	QueueSize   int    `json:"queue_size"`
	Workers     int    `json:"workers"`
	Processed   int64  `json:"processed"`
	Failed      int64  `json:"failed"`
	LastError   string `json:"last_error,omitempty"`
}

// ImageGenerator defines the interface for image generation
type ImageGenerator interface {
	// GenerateImage generates an image from a prompt
	GenerateImage(ctx context.Context, req *ImageRequest) (*ImageResponse, error)
}
