package service

// allowedFileTypes is the closed set of media types accepted for upload.
// The declared type is metadata only; it never affects content identity.
var allowedFileTypes = map[string]bool{
	"image/png":        true,
	"image/jpeg":       true,
	"image/gif":        true,
	"image/bmp":        true,
	"image/tiff":       true,
	"image/webp":       true,
	"application/pdf":  true,
	"text/plain":       true,
	"text/csv":         true,
	"audio/mpeg":       true,
	"audio/ogg":        true,
	"audio/wav":        true,
	"video/mp4":        true,
	"video/x-msvideo":  true,
	"video/webm":       true,
	"application/zip":  true,
	"application/gzip": true,
	"application/json": true,
	"application/xml":  true,

	"application/msword":            true,
	"application/vnd.ms-excel":      true,
	"application/vnd.ms-powerpoint": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
}

// ValidFileType reports whether the declared media type is in the allow-list.
func ValidFileType(fileType string) bool {
	return allowedFileTypes[fileType]
}
