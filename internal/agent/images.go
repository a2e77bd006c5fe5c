package agent

import (
	"encoding/base64"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/loomworks/loom/internal/workspace"
	"github.com/loomworks/loom/pkg/models"
)

// imageMediaTypes maps file extensions to media types. jpg normalizes
// to image/jpeg.
var imageMediaTypes = map[string]string{
	".png":  "image/png",
	".gif":  "image/gif",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
}

// collectImages finds workspace image files referenced by the
// instruction, base64-encodes them, and returns them as image blocks.
// Unreadable references are logged and skipped; non-image file
// references stay in the instruction text untouched.
func collectImages(ws *workspace.Workspace, instruction string, logger *slog.Logger) []models.ImageBlock {
	if ws == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	var images []models.ImageBlock
	seen := make(map[string]struct{})
	for _, token := range strings.Fields(instruction) {
		token = strings.Trim(token, `"'.,;:()[]`)
		mediaType, ok := imageMediaTypes[strings.ToLower(filepath.Ext(token))]
		if !ok {
			continue
		}
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}

		data, err := ws.ReadFile(token)
		if err != nil {
			logger.Warn("referenced image could not be read", "path", token, "error", err)
			continue
		}
		images = append(images, models.ImageBlock{
			MediaType: mediaType,
			Data:      base64.StdEncoding.EncodeToString(data),
		})
	}
	return images
}
