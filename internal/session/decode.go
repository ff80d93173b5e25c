package session

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"codedojo/collab/internal/models"
)

var (
	ErrInvalidFormat = errors.New("invalid format")
	ErrMissingType   = errors.New("missing type")
	ErrMissingField  = errors.New("missing required field")
	ErrInvalidField  = errors.New("invalid field")
)

// FieldError names the payload field that failed validation.
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string { return e.Err.Error() + ": " + e.Field }
func (e *FieldError) Unwrap() error { return e.Err }

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type envelope struct {
	Type *string `json:"type"`
}

// Decode parses one inbound frame into its message variant. Well-formed
// frames with an unrecognized type decode to *models.Unknown.
func Decode(raw []byte) (models.Inbound, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, ErrInvalidFormat
	}
	if env.Type == nil {
		return nil, ErrMissingType
	}

	var msg models.Inbound
	switch *env.Type {
	case models.TypeJoin:
		msg = &models.Join{}
	case models.TypeCodeChange:
		msg = &models.CodeChange{}
	case models.TypeLanguageChange:
		msg = &models.LanguageChange{}
	case models.TypeCursorPosition:
		msg = &models.CursorPosition{}
	case models.TypeSelectionChange:
		msg = &models.SelectionChange{}
	default:
		return &models.Unknown{Type: *env.Type}, nil
	}

	if err := json.Unmarshal(raw, msg); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, &FieldError{Field: typeErr.Field, Err: ErrInvalidField}
		}
		return nil, ErrInvalidFormat
	}
	if err := validate.Struct(msg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			if fe.Tag() == "required" {
				return nil, &FieldError{Field: fe.Field(), Err: ErrMissingField}
			}
			return nil, &FieldError{Field: fe.Field(), Err: ErrInvalidField}
		}
		return nil, err
	}
	return msg, nil
}
