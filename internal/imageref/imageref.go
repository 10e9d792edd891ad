// Package imageref extracts image references from gateway requests without
// fetching or decoding them. Decoding belongs to the comparison service.
package imageref

import (
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
)

var (
	// ErrMissingField means no supported channel carried a value for the field.
	ErrMissingField = errors.New("image field missing")
	// ErrEmptyUpload means a multipart request had no named, non-empty file for the field.
	ErrEmptyUpload = errors.New("no file uploaded")
	// ErrTooLarge means an upload exceeded the configured size limit.
	ErrTooLarge = errors.New("upload too large")
	// ErrUnsupportedMedia means an upload declared a non-image content type.
	ErrUnsupportedMedia = errors.New("unsupported media type")
)

// FieldError ties a resolution failure to the request field.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string {
	switch {
	case errors.Is(e.Err, ErrMissingField):
		return fmt.Sprintf("'%s' not found in either json or form data request", e.Field)
	case errors.Is(e.Err, ErrEmptyUpload):
		return fmt.Sprintf("no file uploaded for '%s'", e.Field)
	default:
		return fmt.Sprintf("%s: %v", e.Field, e.Err)
	}
}

func (e *FieldError) Unwrap() error { return e.Err }

// Kind tags the populated variant of a Reference.
type Kind int

const (
	KindUpload Kind = iota + 1
	KindBase64
	KindLocation
)

func (k Kind) String() string {
	switch k {
	case KindUpload:
		return "upload"
	case KindBase64:
		return "base64"
	case KindLocation:
		return "location"
	default:
		return "unknown"
	}
}

// Reference is one image slot of a request. Exactly one of Data (uploads)
// or Value (base64 data URI, path or URL) is populated.
type Reference struct {
	Field       string
	Kind        Kind
	Data        []byte
	Filename    string
	ContentType string
	Value       string
}

// Canonical renders the reference in the single string form the comparison
// service accepts: uploads become base64 data URIs, everything else passes through.
func (r Reference) Canonical() string {
	if r.Kind != KindUpload {
		return r.Value
	}
	contentType := r.ContentType
	if !strings.HasPrefix(contentType, "image/") {
		contentType = http.DetectContentType(r.Data)
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(r.Data)
}

const dataURIPrefix = "data:image/"

// Resolver turns request fields into References.
type Resolver struct {
	MaxUploadBytes int64
}

// Resolve returns the reference for field, consulting only in.Channel.
func (r Resolver) Resolve(in Input, field string) (Reference, error) {
	switch in.Channel {
	case ChannelMultipart:
		return r.fromUpload(in, field)
	case ChannelStructured:
		raw, ok := in.Fields[field]
		value, isString := raw.(string)
		if !ok || !isString || strings.TrimSpace(value) == "" {
			return Reference{}, &FieldError{Field: field, Err: ErrMissingField}
		}
		value = strings.TrimSpace(value)
		kind := KindLocation
		if strings.HasPrefix(value, dataURIPrefix) {
			kind = KindBase64
		}
		return Reference{Field: field, Kind: kind, Value: value}, nil
	default:
		return Reference{}, &FieldError{Field: field, Err: ErrMissingField}
	}
}

func (r Resolver) fromUpload(in Input, field string) (Reference, error) {
	upload := in.Files[field]
	if upload == nil || upload.Filename == "" || len(upload.Data) == 0 {
		return Reference{}, &FieldError{Field: field, Err: ErrEmptyUpload}
	}
	if r.MaxUploadBytes > 0 && int64(len(upload.Data)) > r.MaxUploadBytes {
		return Reference{}, &FieldError{Field: field, Err: ErrTooLarge}
	}

	declared, _, _ := mime.ParseMediaType(upload.ContentType)
	if declared != "" && !strings.HasPrefix(declared, "image/") && declared != "application/octet-stream" {
		return Reference{}, &FieldError{Field: field, Err: fmt.Errorf("%w: %s", ErrUnsupportedMedia, declared)}
	}

	return Reference{
		Field:       field,
		Kind:        KindUpload,
		Data:        upload.Data,
		Filename:    upload.Filename,
		ContentType: declared,
	}, nil
}
