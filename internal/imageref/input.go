package imageref

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin/binding"
)

// Channel identifies which part of a request carries the image fields.
type Channel int

const (
	// ChannelNone means the request carried neither files nor structured data.
	ChannelNone Channel = iota
	// ChannelMultipart means at least one file part was sent; images come only from files.
	ChannelMultipart
	// ChannelStructured means a JSON object or form body.
	ChannelStructured
)

func (c Channel) String() string {
	switch c {
	case ChannelMultipart:
		return "multipart"
	case ChannelStructured:
		return "structured"
	default:
		return "none"
	}
}

// Upload is one file part of a multipart request. Filename may be empty
// when the client sent a file part without choosing a file.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Input is the request body reduced to exactly one image channel plus the
// scalar parameters that travel alongside it.
type Input struct {
	Channel Channel
	Files   map[string]*Upload
	// Fields holds JSON values or the first value of each form field.
	Fields map[string]any
}

// ErrMalformedBody is returned when the body cannot be parsed for its declared content type.
var ErrMalformedBody = errors.New("malformed request body")

// FromRequest inspects the content type and consumes the body once.
func FromRequest(r *http.Request) (Input, error) {
	in := Input{Channel: ChannelNone, Fields: map[string]any{}}
	if r.Body == nil {
		return in, nil
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case binding.MIMEMultipartPOSTForm:
		return readMultipart(r, in)
	case binding.MIMEJSON:
		var fields map[string]any
		if err := binding.JSON.Bind(r, &fields); err != nil {
			if errors.Is(err, io.EOF) {
				return in, nil
			}
			return in, bodyError(err)
		}
		if len(fields) > 0 {
			in.Channel = ChannelStructured
			in.Fields = fields
		}
	case binding.MIMEPOSTForm:
		if err := r.ParseForm(); err != nil {
			return in, bodyError(err)
		}
		for key, values := range r.PostForm {
			if len(values) > 0 {
				in.Fields[key] = values[0]
			}
		}
		if len(in.Fields) > 0 {
			in.Channel = ChannelStructured
		}
	}
	return in, nil
}

// readMultipart walks the parts itself: ParseMultipartForm files a part with
// an empty filename under the text values, which would hide an unselected
// upload behind a missing-field error.
func readMultipart(r *http.Request, in Input) (Input, error) {
	reader, err := r.MultipartReader()
	if err != nil {
		return in, bodyError(err)
	}
	in.Files = map[string]*Upload{}
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return in, bodyError(err)
		}
		name := part.FormName()
		if name == "" {
			part.Close()
			continue
		}
		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return in, bodyError(err)
		}

		_, params, _ := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
		if filename, isFile := params["filename"]; isFile {
			if _, seen := in.Files[name]; !seen {
				if filename != "" {
					filename = filepath.Base(filename)
				}
				in.Files[name] = &Upload{
					Filename:    filename,
					ContentType: part.Header.Get("Content-Type"),
					Data:        data,
				}
			}
			continue
		}
		if _, seen := in.Fields[name]; !seen {
			in.Fields[name] = string(data)
		}
	}

	switch {
	case len(in.Files) > 0:
		in.Channel = ChannelMultipart
	case len(in.Fields) > 0:
		in.Channel = ChannelStructured
	}
	return in, nil
}

func bodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return fmt.Errorf("%w: %v", ErrTooLarge, err)
	}
	return fmt.Errorf("%w: %v", ErrMalformedBody, err)
}
