package job

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

var (
	ErrInvalidPayload = errors.New("invalid payload")
	ErrUnknownType    = errors.New("unknown job type")
)

// Payload is the typed, per job type configuration. The set of variants is
// closed; job types registered outside this package carry a RawPayload.
type Payload interface {
	JobType() Type
	isPayload()
}

// NoopPayload drives the noop handler. Sleep and Fail exist to exercise the
// execution pipeline without side effects.
type NoopPayload struct {
	Note  string `json:"note,omitempty"`
	Sleep string `json:"sleep,omitempty"`
	Fail  string `json:"fail,omitempty"`
}

// UploadCleanupPayload removes files under Dir older than MaxAge.
type UploadCleanupPayload struct {
	Dir       string `json:"dir"`
	MaxAge    string `json:"max_age"`
	Pattern   string `json:"pattern,omitempty"`
	Recursive bool   `json:"recursive,omitempty"`
	DryRun    bool   `json:"dry_run,omitempty"`
}

// NotificationProbePayload checks that an HTTP endpoint answers with ExpectStatus.
type NotificationProbePayload struct {
	URL          string            `json:"url"`
	Method       string            `json:"method,omitempty"`
	ExpectStatus int               `json:"expect_status,omitempty"`
	Timeout      string            `json:"timeout,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
}

// RawPayload carries the payload of a job type without a built-in variant.
// Data is always a compact JSON object.
type RawPayload struct {
	Type Type
	Data json.RawMessage
}

func (NoopPayload) JobType() Type              { return TypeNoop }
func (UploadCleanupPayload) JobType() Type     { return TypeUploadCleanup }
func (NotificationProbePayload) JobType() Type { return TypeNotificationProbe }
func (p RawPayload) JobType() Type             { return p.Type }

func (NoopPayload) isPayload()              {}
func (UploadCleanupPayload) isPayload()     {}
func (NotificationProbePayload) isPayload() {}
func (RawPayload) isPayload()               {}

func (p RawPayload) MarshalJSON() ([]byte, error) {
	if len(p.Data) == 0 {
		return []byte("{}"), nil
	}
	return p.Data, nil
}

func (p UploadCleanupPayload) MaxAgeDuration() time.Duration {
	d, _ := time.ParseDuration(strings.TrimSpace(p.MaxAge))
	return d
}

func (p NoopPayload) SleepDuration() time.Duration {
	d, _ := time.ParseDuration(strings.TrimSpace(p.Sleep))
	return d
}

func (p NotificationProbePayload) TimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(strings.TrimSpace(p.Timeout))
	return d
}

// DecodePayload strictly decodes raw into the variant for t and validates it.
// An empty raw payload decodes as {}. Create and edit paths use it.
func DecodePayload(t Type, raw json.RawMessage) (Payload, error) {
	p, err := ParsePayload(t, raw)
	if err != nil {
		return nil, err
	}
	if err := Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}

// ParsePayload is DecodePayload without the variant checks. Stored
// payloads were validated when written, so the run path only decodes.
func ParsePayload(t Type, raw json.RawMessage) (Payload, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = json.RawMessage("{}")
	}

	var (
		p   Payload
		err error
	)
	switch t {
	case TypeNoop:
		var v NoopPayload
		err = decodeStrict(raw, &v)
		p = v
	case TypeUploadCleanup:
		var v UploadCleanupPayload
		err = decodeStrict(raw, &v)
		p = v
	case TypeNotificationProbe:
		var v NotificationProbePayload
		err = decodeStrict(raw, &v)
		p = v
	default:
		if strings.TrimSpace(string(t)) == "" {
			return nil, fmt.Errorf("%w: empty", ErrUnknownType)
		}
		var obj map[string]json.RawMessage
		if err := decodeStrict(raw, &obj); err != nil || obj == nil {
			return nil, fmt.Errorf("%w: %s: want a JSON object", ErrInvalidPayload, t)
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, t, err)
		}
		p = RawPayload{Type: t, Data: buf.Bytes()}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, t, err)
	}
	return p, nil
}

func decodeStrict(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("trailing data")
	}
	return nil
}

// Validate checks a payload against its variant's contract.
func Validate(p Payload) error {
	var err error
	switch v := p.(type) {
	case NoopPayload:
		err = validateNoop(v)
	case UploadCleanupPayload:
		err = validateUploadCleanup(v)
	case NotificationProbePayload:
		err = validateNotificationProbe(v)
	case RawPayload:
		if !json.Valid(v.Data) {
			err = errors.New("data is not valid JSON")
		}
	case nil:
		return fmt.Errorf("%w: nil", ErrInvalidPayload)
	default:
		return fmt.Errorf("%w: unsupported variant %T", ErrInvalidPayload, p)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, p.JobType(), err)
	}
	return nil
}

func validateNoop(p NoopPayload) error {
	if s := strings.TrimSpace(p.Sleep); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d < 0 {
			return fmt.Errorf("sleep: invalid duration %q", p.Sleep)
		}
	}
	return nil
}

func validateUploadCleanup(p UploadCleanupPayload) error {
	if strings.TrimSpace(p.Dir) == "" {
		return errors.New("dir: required")
	}
	if filepath.Clean(p.Dir) == string(filepath.Separator) {
		return errors.New("dir: refusing to clean the filesystem root")
	}
	d, err := time.ParseDuration(strings.TrimSpace(p.MaxAge))
	if err != nil || d <= 0 {
		return fmt.Errorf("max_age: want a positive duration, got %q", p.MaxAge)
	}
	if p.Pattern != "" {
		if _, err := filepath.Match(p.Pattern, ""); err != nil {
			return fmt.Errorf("pattern: %v", err)
		}
	}
	return nil
}

func validateNotificationProbe(p NotificationProbePayload) error {
	u, err := url.Parse(strings.TrimSpace(p.URL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url: want an absolute http(s) URL, got %q", p.URL)
	}
	switch strings.ToUpper(strings.TrimSpace(p.Method)) {
	case "", http.MethodGet, http.MethodHead, http.MethodPost:
	default:
		return fmt.Errorf("method: unsupported %q", p.Method)
	}
	if p.ExpectStatus != 0 && (p.ExpectStatus < 100 || p.ExpectStatus > 599) {
		return fmt.Errorf("expect_status: %d out of range", p.ExpectStatus)
	}
	if s := strings.TrimSpace(p.Timeout); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return fmt.Errorf("timeout: invalid duration %q", p.Timeout)
		}
	}
	return nil
}

// NormalizePayload applies defaults that do not change meaning so stored
// payloads compare equal.
func NormalizePayload(p Payload) Payload {
	switch v := p.(type) {
	case UploadCleanupPayload:
		v.Dir = filepath.Clean(strings.TrimSpace(v.Dir))
		v.MaxAge = strings.TrimSpace(v.MaxAge)
		return v
	case NotificationProbePayload:
		v.URL = strings.TrimSpace(v.URL)
		v.Method = strings.ToUpper(strings.TrimSpace(v.Method))
		if v.Method == "" {
			v.Method = http.MethodGet
		}
		if v.ExpectStatus == 0 {
			v.ExpectStatus = http.StatusOK
		}
		return v
	case NoopPayload:
		v.Sleep = strings.TrimSpace(v.Sleep)
		return v
	}
	return p
}

// EncodePayload returns the canonical stored form of p.
func EncodePayload(p Payload) (json.RawMessage, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return b, nil
}
