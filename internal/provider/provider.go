package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotSupported is returned by providers that lack an operation, such as
// embeddings from a vision-only backend.
var ErrNotSupported = errors.New("operation not supported by provider")

// DescribePrompt is sent with every image to vision providers.
const DescribePrompt = "Describe this screenshot in a few sentences. Mention visible applications, " +
	"windows, documents, people, objects and any readable text, so the description can be searched later."

// Image is a single capture handed to a vision provider.
type Image struct {
	Data     []byte
	MIMEType string
	// Path is the source file, when the image came from disk.
	Path string
}

// LoadImage reads an image file and detects its MIME type.
func LoadImage(path string) (Image, error) {
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return Image{}, fmt.Errorf("failed to read image: %w", err)
	}
	mt := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if mt == "" {
		mt = http.DetectContentType(data)
	}
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return Image{Data: data, MIMEType: mt, Path: path}, nil
}

// Format returns the MIME subtype, e.g. "png" for image/png.
func (i Image) Format() string {
	if _, sub, ok := strings.Cut(i.MIMEType, "/"); ok {
		return sub
	}
	return "png"
}

// DataURL encodes the image as a data: URL.
func (i Image) DataURL() string {
	mt := i.MIMEType
	if mt == "" {
		mt = "image/png"
	}
	return "data:" + mt + ";base64," + base64.StdEncoding.EncodeToString(i.Data)
}

// Embedder turns text into a vector.
type Embedder interface {
	// Embed generates a vector embedding for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Name returns the provider identifier (e.g., "stub", "openai").
	Name() string
}

// Describer turns an image into searchable text.
type Describer interface {
	// Describe returns a textual description of img.
	Describe(ctx context.Context, img Image) (string, error)

	Name() string
}
