// ABOUTME: send_message request shape, team id coercion and structural validation
// ABOUTME: Translates validator failures into apperr.ValidationError with the JSON field name

package messaging

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/2389/wallboard-gateway/internal/apperr"
	"github.com/2389/wallboard-gateway/internal/store"
)

// Request is a send_message payload.
type Request struct {
	FromCode  string  `json:"fromCode" validate:"required"`
	ToCode    string  `json:"toCode,omitempty" validate:"required_if=Type direct"`
	ToTeamID  TeamRef `json:"toTeamId,omitzero" validate:"required_if=Type broadcast"`
	Content   string  `json:"content" validate:"required"`
	Type      string  `json:"type" validate:"required,oneof=direct broadcast"`
	Priority  string  `json:"priority,omitempty" validate:"omitempty,max=32"`
	RequestID string  `json:"requestId,omitempty" validate:"omitempty,max=128"`
}

// MaxTeamID is the largest team id any backend can store (a 32-bit INTEGER column).
const MaxTeamID = math.MaxInt32

var errTeamRange = errors.New("out of range")

// TeamRef is a toTeamId as sent by the client: a JSON number or a numeric
// string. Whether it is a usable integer is decided at validation time.
type TeamRef struct {
	raw string
}

// Team builds a TeamRef from an integer.
func Team(id int) TeamRef {
	return TeamRef{raw: strconv.Itoa(id)}
}

// IsZero reports whether no team was given.
func (t TeamRef) IsZero() bool { return t.raw == "" }

// Int coerces the reference to an integer in [0, MaxTeamID].
func (t TeamRef) Int() (int, error) {
	s := strings.TrimSpace(t.raw)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 || n > MaxTeamID {
			return 0, errTeamRange
		}
		return int(n), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, errors.New("not an integer")
	}
	if f < 0 || f > MaxTeamID {
		return 0, errTeamRange
	}
	return int(f), nil
}

// UnmarshalJSON accepts any JSON value. Non-numeric input is kept so that
// validation can report it against the field instead of failing the frame.
func (t *TeamRef) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		t.raw = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		t.raw = s
	default:
		t.raw = string(b)
	}
	return nil
}

// MarshalJSON writes integers as numbers and anything else as a string.
func (t TeamRef) MarshalJSON() ([]byte, error) {
	if t.raw == "" {
		return []byte("null"), nil
	}
	if n, err := t.Int(); err == nil {
		return []byte(strconv.Itoa(n)), nil
	}
	return json.Marshal(t.raw)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if t, ok := field.Interface().(TeamRef); ok {
			return t.raw
		}
		return nil
	}, TeamRef{})
	return v
}

// normalized is a validated request ready to persist.
type normalized struct {
	msg       *store.Message
	requestID string
}

// check validates req and produces the message to persist.
func check(req Request) (*normalized, error) {
	if err := validate.Struct(req); err != nil {
		return nil, translate(err)
	}

	msg := &store.Message{
		FromCode: strings.ToUpper(strings.TrimSpace(req.FromCode)),
		Type:     store.MessageType(req.Type),
		Content:  req.Content,
		Priority: strings.TrimSpace(req.Priority),
	}
	if msg.FromCode == "" {
		return nil, apperr.Invalid("fromCode", "required")
	}
	if msg.Priority == "" {
		msg.Priority = store.DefaultPriority
	}

	switch msg.Type {
	case store.MessageTypeDirect:
		msg.ToCode = strings.ToUpper(strings.TrimSpace(req.ToCode))
		if msg.ToCode == "" {
			return nil, apperr.Invalid("toCode", "required for direct messages")
		}
	case store.MessageTypeBroadcast:
		team, err := req.ToTeamID.Int()
		if errors.Is(err, errTeamRange) {
			return nil, apperr.Invalid("toTeamId", "must be between 0 and "+strconv.Itoa(MaxTeamID))
		}
		if err != nil {
			return nil, apperr.Invalid("toTeamId", "must be an integer")
		}
		msg.ToTeamID = &team
	}

	return &normalized{msg: msg, requestID: req.RequestID}, nil
}

func translate(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperr.Invalid("", err.Error())
	}

	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return apperr.Invalid(fe.Field(), "required")
	case "required_if":
		return apperr.Invalid(fe.Field(), "required for "+strings.Fields(fe.Param())[1]+" messages")
	case "oneof":
		return apperr.Invalid(fe.Field(), "must be one of "+strings.ReplaceAll(fe.Param(), " ", ", "))
	case "max":
		return apperr.Invalid(fe.Field(), "must be at most "+fe.Param()+" characters")
	default:
		return apperr.Invalid(fe.Field(), "failed "+fe.Tag()+" check")
	}
}
