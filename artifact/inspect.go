package artifact

import (
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Format is the detected photo container format.
type Format string

const (
	FormatJPEG    Format = "JPEG"
	FormatPNG     Format = "PNG"
	FormatHEIC    Format = "HEIC"
	FormatUnknown Format = "Unknown"
)

// Info describes an artifact for diagnostics. It has no influence on the digest.
type Info struct {
	Size   int    `json:"size"`
	Format Format `json:"format"`
	MIME   string `json:"mime"`
}

// Inspect sniffs the format of an artifact from its leading bytes.
func Inspect(data []byte) Info {
	info := Info{Size: len(data), Format: FormatUnknown}
	if len(data) == 0 {
		return info
	}

	mt := mimetype.Detect(data)
	info.MIME = mt.String()

	switch {
	case mt.Is("image/jpeg"):
		info.Format = FormatJPEG
	case mt.Is("image/png"):
		info.Format = FormatPNG
	case strings.HasPrefix(mt.String(), "image/heic"), strings.HasPrefix(mt.String(), "image/heif"):
		info.Format = FormatHEIC
	}
	return info
}
