package prepare

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"

	"github.com/zombor/docextract/internal/upload"
)

// Converter rewrites formats that image-only extraction services reject.
// HEIC/HEIF photos and PDFs become PNG; everything else is uploaded as is.
type Converter struct {
	logger *slog.Logger
}

// NewConverter creates a new Converter
func NewConverter(logger *slog.Logger) *Converter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Converter{logger: logger}
}

// Prepare returns file converted to PNG when it is a PDF or HEIC/HEIF image
func (c *Converter) Prepare(file upload.File) (upload.File, error) {
	mimeType := upload.ContentTypeFor(file.Name())

	if mimeType != "application/pdf" && !isHEICMimeType(mimeType) {
		// Phones sometimes save HEIC data with a .jpg name
		header, err := readHeader(file, 12)
		if err != nil {
			return nil, err
		}
		if !isHEICFormat(header) {
			return file, nil
		}
		mimeType = "image/heic"
	}

	data, err := readAll(file)
	if err != nil {
		return nil, err
	}

	var pngData []byte
	if mimeType == "application/pdf" {
		pngData, err = pdfToImage(data)
		if err != nil {
			return nil, fmt.Errorf("converting PDF to image: %w", err)
		}
	} else {
		pngData, err = heicToPNG(data)
		if err != nil {
			return nil, fmt.Errorf("converting image to PNG: %w", err)
		}
	}

	name := strings.TrimSuffix(file.Name(), filepath.Ext(file.Name())) + ".png"
	c.logger.Info("Converted file before upload",
		"filename", file.Name(),
		"converted", name,
		"from", mimeType,
		"size", len(pngData),
	)
	return &upload.BytesFile{FileName: name, Data: pngData}, nil
}

func readHeader(file upload.File, n int) ([]byte, error) {
	rc, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	defer rc.Close()

	buf := make([]byte, n)
	read, err := io.ReadFull(rc, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fmt.Errorf("reading file header: %w", err)
	}
	return buf[:read], nil
}

func readAll(file upload.File) ([]byte, error) {
	rc, err := file.Open()
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// pdfToImage renders the first page of a PDF as PNG
func pdfToImage(pdfData []byte) ([]byte, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}

	return encodePNG(img)
}

// heicToPNG decodes HEIC/HEIF data, or any registered image format, to PNG
func heicToPNG(imageData []byte) ([]byte, error) {
	var img image.Image
	var err error

	if isHEICFormat(imageData) {
		img, err = heic.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
	} else {
		img, _, err = image.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, fmt.Errorf("decoding image: %w", err)
		}
	}

	return encodePNG(img)
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// isHEICFormat checks for an ftyp box with a HEIC/HEIF brand at offset 4
func isHEICFormat(data []byte) bool {
	if len(data) < 12 {
		return false
	}
	if string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "heif", "mif1", "msf1":
		return true
	}
	return false
}

// isHEICMimeType checks if the MIME type indicates HEIC/HEIF format
func isHEICMimeType(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}
