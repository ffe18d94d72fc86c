package control

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ResponseKind discriminates the Response union.
type ResponseKind uint8

const (
	// StructuredResponse is a JSON object carrying a status field and extra fields.
	StructuredResponse ResponseKind = iota
	// RawResponse is a raw-mode text fragment.
	RawResponse
	// BinaryResponse is a binary payload, typically the final chunk of a transfer.
	BinaryResponse
)

func (k ResponseKind) String() string {
	switch k {
	case StructuredResponse:
		return "structured"
	case RawResponse:
		return "raw"
	case BinaryResponse:
		return "binary"
	default:
		return "unknown"
	}
}

// Response status values used by the device.
const (
	StatusOK        = "ok"
	StatusError     = "error"
	StatusRaw       = "raw"
	StatusContinue  = "continue"
	StatusUploading = "uploading"
	StatusTransfer  = "transfer"
)

// Device status ids reported in device_status.st_id.
const (
	StatusIDIdle      = 0
	StatusIDInit      = 1
	StatusIDStarting  = 4
	StatusIDRunning   = 16
	StatusIDPaused    = 32
	StatusIDPausing   = 48
	StatusIDCompleted = 64
	StatusIDAborted   = 128
)

// Response is a message received from the device.
type Response struct {
	Kind   ResponseKind
	Status string
	// Text holds the raw text fragment of a RawResponse.
	Text string
	// Data holds the payload of a BinaryResponse.
	Data []byte
	// Fields holds every decoded field of a StructuredResponse, including status.
	Fields map[string]any
}

// ParseResponse decodes a transport frame into a Response.
//
// Binary frames become BinaryResponse. Text frames are decoded as JSON objects;
// objects with status "raw" become RawResponse carrying their text field.
// Text that is not a JSON object is treated as a raw fragment.
func ParseResponse(data []byte, binary bool) *Response {
	if binary {
		payload := make([]byte, len(data))
		copy(payload, data)

		return &Response{Kind: BinaryResponse, Data: payload}
	}

	fields := make(map[string]any)
	if err := json.Unmarshal(data, &fields); err != nil {
		return &Response{Kind: RawResponse, Status: StatusRaw, Text: string(data)}
	}

	resp := &Response{Kind: StructuredResponse, Fields: fields}
	resp.Status, _ = fields["status"].(string)
	if resp.Status == StatusRaw {
		resp.Kind = RawResponse
		resp.Text, _ = fields["text"].(string)
	}

	return resp
}

// TimeoutResponse returns the response value used to reject timed out operations.
func TimeoutResponse() *Response {
	return &Response{
		Kind:   StructuredResponse,
		Status: StatusError,
		Fields: map[string]any{"status": StatusError, "error": "TIMEOUT"},
	}
}

// IsOK reports whether the response status is "ok".
func (r *Response) IsOK() bool {
	return r != nil && r.Status == StatusOK
}

// IsError reports whether the response status is "error".
func (r *Response) IsError() bool {
	return r != nil && r.Status == StatusError
}

// Get returns the raw value of a structured field.
func (r *Response) Get(key string) (any, bool) {
	if r == nil || r.Fields == nil {
		return nil, false
	}
	v, ok := r.Fields[key]

	return v, ok
}

// String returns a field formatted as string; numbers are formatted without exponent.
func (r *Response) String(key string) (string, bool) {
	v, ok := r.Get(key)
	if !ok {
		return "", false
	}

	switch val := v.(type) {
	case string:
		return val, true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(val), true
	case nil:
		return "", false
	default:
		return fmt.Sprint(val), true
	}
}

// Float returns a numeric field. Numeric strings are accepted.
func (r *Response) Float(key string) (float64, bool) {
	v, ok := r.Get(key)
	if !ok {
		return 0, false
	}

	return toFloat(v)
}

// Int returns a numeric field truncated to int.
func (r *Response) Int(key string) (int, bool) {
	f, ok := r.Float(key)
	return int(f), ok
}

// ErrorCode returns the error field of a failed response. The device sends it
// either as a string or as a list of strings, which are joined with spaces.
func (r *Response) ErrorCode() string {
	v, ok := r.Get("error")
	if !ok {
		return ""
	}

	switch val := v.(type) {
	case string:
		return val
	case []any:
		out := ""
		for i, item := range val {
			if i > 0 {
				out += " "
			}
			out += fmt.Sprint(item)
		}

		return out
	default:
		return fmt.Sprint(val)
	}
}

// DeviceStatusID returns the device status discriminator: device_status.st_id,
// falling back to a top level st_id.
func (r *Response) DeviceStatusID() (int, bool) {
	if v, ok := r.Get("device_status"); ok {
		if ds, ok := v.(map[string]any); ok {
			if id, ok := toFloat(ds["st_id"]); ok {
				return int(id), true
			}
		}
	}

	return r.Int("st_id")
}

// Summary returns a short human readable description for logs and errors.
func (r *Response) Summary() string {
	if r == nil {
		return "<nil>"
	}

	switch r.Kind {
	case RawResponse:
		return fmt.Sprintf("raw %q", r.Text)
	case BinaryResponse:
		return fmt.Sprintf("binary %d bytes", len(r.Data))
	default:
		if code := r.ErrorCode(); code != "" {
			return fmt.Sprintf("status=%s error=%s", r.Status, code)
		}

		return "status=" + r.Status
	}
}

func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(val, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
