// Package output defines the typed unit of kernel execution output.
package output

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind tags the variant carried by an Event.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindError Kind = "error"
)

// Wire type names used in the serialized form.
const (
	WireText  = "text"
	WireImage = "image_url"
)

// Default image encodings declared by the kernels.
const (
	MIMEPNG  = "image/png"
	MIMEJPEG = "image/jpeg"
)

// Event is one piece of output produced while executing a request.
// Events are values; nothing mutates them after the correlation layer
// has stamped them.
type Event struct {
	Kind Kind

	// Text holds the content of text and error events.
	Text string

	// MIMEType and Data describe an image event. Data is base64 without
	// a data URI prefix.
	MIMEType string
	Data     string

	// RequestID is the correlation id of the request that produced the event.
	RequestID string
	CellID    string
	SessionID string
}

// Text returns a text event.
func Text(content string) Event {
	return Event{Kind: KindText, Text: content}
}

// Error returns an error event holding an already formatted traceback.
func Error(content string) Event {
	return Event{Kind: KindError, Text: content}
}

// Image returns an image event. A payload that already carries a data URI
// prefix is unwrapped so the prefix is never doubled on output.
func Image(mimeType, payload string) Event {
	if mimeType == "" {
		mimeType = MIMEPNG
	}
	if prefix := dataPrefix(mimeType); strings.HasPrefix(payload, prefix) {
		payload = strings.TrimPrefix(payload, prefix)
	}
	return Event{Kind: KindImage, MIMEType: mimeType, Data: payload}
}

// Stamp returns a copy of e carrying the given identifiers.
func (e Event) Stamp(requestID, cellID, sessionID string) Event {
	e.RequestID = requestID
	e.CellID = cellID
	e.SessionID = sessionID
	return e
}

// IsText reports whether the event serializes as a text entry. Error
// events are rendered as text on the wire.
func (e Event) IsText() bool {
	return e.Kind == KindText || e.Kind == KindError
}

// URL returns the data URI of an image event, or "" for other kinds.
func (e Event) URL() string {
	if e.Kind != KindImage {
		return ""
	}
	return dataPrefix(e.MIMEType) + e.Data
}

// WireType returns the "type" field of the serialized event.
func (e Event) WireType() string {
	if e.Kind == KindImage {
		return WireImage
	}
	return WireText
}

func (e Event) String() string {
	switch e.Kind {
	case KindImage:
		return fmt.Sprintf("[%s image, %d bytes base64]", e.MIMEType, len(e.Data))
	default:
		return e.Text
	}
}

func dataPrefix(mimeType string) string {
	return "data:" + mimeType + ";base64,"
}

type imageURL struct {
	URL string `json:"url"`
}

type wireEvent struct {
	Type      string    `json:"type"`
	Text      *string   `json:"text,omitempty"`
	ImageURL  *imageURL `json:"image_url,omitempty"`
	CellID    string    `json:"cell_id"`
	SessionID string    `json:"session_id"`
}

// MarshalJSON encodes the event in its wire shape:
//
//	{"type":"text","text":...,"cell_id":...,"session_id":...}
//	{"type":"image_url","image_url":{"url":"data:<mime>;base64,..."},"cell_id":...,"session_id":...}
func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		Type:      e.WireType(),
		CellID:    e.CellID,
		SessionID: e.SessionID,
	}
	if e.Kind == KindImage {
		w.ImageURL = &imageURL{URL: e.URL()}
	} else {
		text := e.Text
		w.Text = &text
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire shape produced by MarshalJSON. Error
// events come back as text events since the wire does not distinguish them.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Type {
	case WireText:
		*e = Text("")
		if w.Text != nil {
			e.Text = *w.Text
		}
	case WireImage:
		if w.ImageURL == nil {
			return fmt.Errorf("image_url event without url")
		}
		mimeType, payload, err := parseDataURL(w.ImageURL.URL)
		if err != nil {
			return err
		}
		*e = Image(mimeType, payload)
	default:
		return fmt.Errorf("unknown output type %q", w.Type)
	}
	e.CellID = w.CellID
	e.SessionID = w.SessionID
	return nil
}

func parseDataURL(url string) (mimeType, payload string, err error) {
	rest, ok := strings.CutPrefix(url, "data:")
	if !ok {
		return "", "", fmt.Errorf("not a data url: %.32q", url)
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", "", fmt.Errorf("malformed data url")
	}
	mimeType = strings.TrimSuffix(header, ";base64")
	return mimeType, payload, nil
}
