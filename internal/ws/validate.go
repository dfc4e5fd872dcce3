package ws

import (
	"encoding/json"
	"regexp"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/openboard/openboard/internal/apperr"
	"github.com/openboard/openboard/internal/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

var colorRe = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// decode unmarshals and validates one inbound payload. Every failure maps to
// a VALIDATION error so the connection survives malformed input.
func decode[T any](data json.RawMessage) (*T, error) {
	var payload T
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, apperr.New(apperr.CodeValidation, "malformed payload: %v", err)
	}
	if err := validate.Struct(&payload); err != nil {
		return nil, apperr.New(apperr.CodeValidation, "invalid payload: %v", err)
	}
	return &payload, nil
}

// validateNewObject checks the fields a client may set on a freshly created
// object. Identity and audit fields are stamped by the hub afterwards.
func validateNewObject(obj *domain.BoardObject) error {
	if obj.ID == "" {
		return apperr.New(apperr.CodeValidation, "object id is required")
	}
	if !domain.ValidObjectType(obj.Type) {
		return apperr.New(apperr.CodeValidation, "unknown object type %q", obj.Type)
	}
	if err := checkCoord("x", obj.X); err != nil {
		return err
	}
	if err := checkCoord("y", obj.Y); err != nil {
		return err
	}
	if obj.X2 != nil {
		if err := checkCoord("x2", *obj.X2); err != nil {
			return err
		}
	}
	if obj.Y2 != nil {
		if err := checkCoord("y2", *obj.Y2); err != nil {
			return err
		}
	}
	if obj.Width != nil {
		if err := checkDim("width", *obj.Width); err != nil {
			return err
		}
	}
	if obj.Height != nil {
		if err := checkDim("height", *obj.Height); err != nil {
			return err
		}
	}
	if utf8.RuneCountInString(obj.Text) > domain.MaxText {
		return apperr.New(apperr.CodeValidation, "text exceeds %d characters", domain.MaxText)
	}
	if obj.Color != "" && !colorRe.MatchString(obj.Color) {
		return apperr.New(apperr.CodeValidation, "color must be #RRGGBB")
	}
	return nil
}

// validatePatch bounds-checks the fields of an update that we can interpret
// without knowing the target object. Unknown fields pass through untouched,
// the merge itself rejects patches that do not fit the object schema.
func validatePatch(patch map[string]json.RawMessage) error {
	for _, field := range []string{"x", "y", "x2", "y2"} {
		v, ok := patch[field]
		if !ok || string(v) == "null" {
			continue
		}
		var f float64
		if err := json.Unmarshal(v, &f); err != nil {
			return apperr.New(apperr.CodeValidation, "field %q must be a number", field)
		}
		if err := checkCoord(field, f); err != nil {
			return err
		}
	}
	for _, field := range []string{"width", "height"} {
		v, ok := patch[field]
		if !ok || string(v) == "null" {
			continue
		}
		var f float64
		if err := json.Unmarshal(v, &f); err != nil {
			return apperr.New(apperr.CodeValidation, "field %q must be a number", field)
		}
		if err := checkDim(field, f); err != nil {
			return err
		}
	}
	if v, ok := patch["text"]; ok && string(v) != "null" {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return apperr.New(apperr.CodeValidation, "field \"text\" must be a string")
		}
		if utf8.RuneCountInString(s) > domain.MaxText {
			return apperr.New(apperr.CodeValidation, "text exceeds %d characters", domain.MaxText)
		}
	}
	if v, ok := patch["color"]; ok && string(v) != "null" {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return apperr.New(apperr.CodeValidation, "field \"color\" must be a string")
		}
		if !colorRe.MatchString(s) {
			return apperr.New(apperr.CodeValidation, "color must be #RRGGBB")
		}
	}
	return nil
}

func checkCoord(name string, v float64) error {
	if v < domain.CoordMin || v > domain.CoordMax {
		return apperr.New(apperr.CodeValidation, "%s out of bounds: %g", name, v)
	}
	return nil
}

func checkDim(name string, v float64) error {
	if v < domain.DimMin || v > domain.DimMax {
		return apperr.New(apperr.CodeValidation, "%s out of bounds: %g", name, v)
	}
	return nil
}
